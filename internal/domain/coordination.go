package domain

import (
	"context"
	"time"
)

// RateLimiter counts requests per key in a sliding window. The HTTP layer
// keys it by route scope and client IP.
type RateLimiter interface {
	// Allow records a request for key and reports whether it fits within
	// limit requests per window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager hands out expiring exclusive locks. Periodic sweeps hold one
// per run so that a single replica sweeps at a time.
type LockManager interface {
	// Acquire returns ErrLockHeld while another holder has key. The lock
	// expires after ttl if unlock is never called.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry of a durable event stream. IDs increase
// monotonically and are usable as replay cursors.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries gift events. Publish reaches live subscribers of a
// channel (Subscribe accepts glob patterns such as "gift:*"); the stream
// keeps a bounded log that late readers can replay.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
