package datamodel

// Schema lists the named arrays every room carries. Each entry is both an
// arrayId on the wire and a storage key holding the array's index. Growing
// the data model means adding an id here; rooms load and persist whatever
// the schema names.
var Schema = []string{"worldApps"}
