package wire

import (
	"strconv"

	"k8s.io/utils/set"
)

// Method is the integer routing tag carried in the first slot of every frame.
type Method int

// Handshake-layer methods.
const (
	MethodSetPlayerData Method = 1
	MethodInitPlayers   Method = 2
	MethodJoin          Method = 3
	MethodLeave         Method = 4
)

// IRC-layer methods.
const (
	MethodChat Method = 5
	MethodLog  Method = 6
)

// Media methods. The coordinator forwards these opaquely.
const (
	MethodAudio      Method = 7
	MethodAudioStart Method = 8
	MethodAudioEnd   Method = 9
	MethodVideo      Method = 10
	MethodVideoStart Method = 11
	MethodVideoEnd   Method = 12
)

// Data-model methods.
const (
	MethodDataUpdate  Method = 20
	MethodDataRemove  Method = 21
	MethodDataClaim   Method = 22
	MethodDataRelease Method = 23
	MethodDataImport  Method = 24
)

// Document CRDT methods.
const (
	MethodDocUpdate Method = 30
)

// Lock methods.
const (
	MethodLockRequest  Method = 40
	MethodLockResponse Method = 41
	MethodLockRelease  Method = 42
)

// Method sets per traffic class. Routing is non-exclusive: a frame is handed
// to every class whose set contains its method.
var (
	DataMethods = set.New(
		MethodSetPlayerData, MethodJoin, MethodLeave,
		MethodDataUpdate, MethodDataRemove, MethodDataClaim, MethodDataRelease, MethodDataImport,
	)
	DocMethods   = set.New(MethodDocUpdate)
	LockMethods  = set.New(MethodLockRequest, MethodLockResponse, MethodLockRelease)
	ChatMethods  = set.New(MethodChat, MethodLog)
	AudioMethods = set.New(MethodAudio, MethodAudioStart, MethodAudioEnd)
	VideoMethods = set.New(MethodVideo, MethodVideoStart, MethodVideoEnd)
)

var methodNames = map[Method]string{
	MethodSetPlayerData: "setPlayerData",
	MethodInitPlayers:   "initPlayers",
	MethodJoin:          "join",
	MethodLeave:         "leave",
	MethodChat:          "chat",
	MethodLog:           "log",
	MethodAudio:         "audio",
	MethodAudioStart:    "audioStart",
	MethodAudioEnd:      "audioEnd",
	MethodVideo:         "video",
	MethodVideoStart:    "videoStart",
	MethodVideoEnd:      "videoEnd",
	MethodDataUpdate:    "dataUpdate",
	MethodDataRemove:    "dataRemove",
	MethodDataClaim:     "dataClaim",
	MethodDataRelease:   "dataRelease",
	MethodDataImport:    "dataImport",
	MethodDocUpdate:     "docUpdate",
	MethodLockRequest:   "lockRequest",
	MethodLockResponse:  "lockResponse",
	MethodLockRelease:   "lockRelease",
}

// String returns the protocol name of the method, or the numeric tag for
// methods this server does not recognize.
func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "method(" + strconv.Itoa(int(m)) + ")"
}
