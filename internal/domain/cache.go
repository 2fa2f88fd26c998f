package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// PlanLockKey is the per-plan mutex key used by the executor's admission
// path. The lock manager adds its own "lock:" namespace, so the stored key
// ends up as lock:plan:{idempotency_key}.
func PlanLockKey(idempotencyKey string) string {
	return "plan:" + idempotencyKey
}

// StreamMessage represents a single entry from a bus stream.
type StreamMessage struct {
	ID       string
	Type     string
	Envelope Envelope
}

// Handler processes one bus message. A non-nil error routes the message to
// the dead-letter stream; the message is acknowledged either way.
type Handler func(ctx context.Context, msg StreamMessage) error

// EventBus is the durable event transport between services.
type EventBus interface {
	// Publish appends an envelope to the given stream.
	Publish(ctx context.Context, stream string, env Envelope) error

	// Consume joins the consumer group on stream and invokes handler for
	// every delivered message until ctx is cancelled.
	Consume(ctx context.Context, stream, group, consumer string, handler Handler) error
}
