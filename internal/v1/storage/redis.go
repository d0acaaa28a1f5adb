package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lunarscape/roomd/internal/v1/logging"
	"github.com/lunarscape/roomd/internal/v1/metrics"
)

// Redis is the Store backed by a Redis server. Every operation runs through
// a circuit breaker so a struggling Redis degrades to fast failures instead
// of piling up blocked room dispatches.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedis connects to Redis and verifies the connection before returning.
func NewRedis(addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "storage",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Warn(context.Background(), "storage circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	logging.Info(context.Background(), "connected to Redis storage", zap.String("addr", addr))
	return &Redis{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Get reads one key. A key that has never been written returns (nil, nil).
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	res, err := r.cb.Execute(func() (interface{}, error) {
		b, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return []byte(nil), nil
		}
		return b, err
	})
	metrics.RecordStorageOperation("redis", "get", time.Since(start).Seconds(), err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("storage").Inc()
		}
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return res.([]byte), nil
}

// Put writes one key. Unlike the pub/sub path there is no graceful drop:
// durability failures must surface to the caller.
func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, key, value, 0).Err()
	})
	metrics.RecordStorageOperation("redis", "put", time.Since(start).Seconds(), err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("storage").Inc()
		}
		return fmt.Errorf("redis put %q: %w", key, err)
	}
	return nil
}

// Ping checks Redis connectivity. Used by the readiness probe.
func (r *Redis) Ping(ctx context.Context) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("storage").Inc()
		}
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
