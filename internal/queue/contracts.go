package queue

import (
	"context"
	"errors"
	"time"

	"github.com/iago/docpipe/internal/domain"
)

// ErrLeaseExpired is returned by Ack, Nack and Extend when the delivery lease
// was lost and the message may already be visible to another consumer.
var ErrLeaseExpired = errors.New("delivery lease expired")

// Handler processes one job message. A nil return acknowledges the delivery.
type Handler func(context.Context, domain.JobMessage) error

// Producer sends job messages to a queue backend. Backends keep at most one
// live message per job: an Enqueue while a message for the same job id is
// pending or leased is a no-op.
type Producer interface {
	Enqueue(ctx context.Context, message domain.JobMessage) error
}

// Consumer receives job messages and executes handlers.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Delivery is one leased receipt of a job message.
type Delivery struct {
	ID        string
	Message   domain.JobMessage
	LeasedAt  time.Time
	ExpiresAt time.Time
}

// Leaser exposes the lease primitives of at-least-once backends.
// Dequeue returns (nil, nil) when its poll window elapsed without work.
type Leaser interface {
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, delivery *Delivery) error
	Nack(ctx context.Context, delivery *Delivery, cause error) error
	Extend(ctx context.Context, delivery *Delivery) error
	// Release hands an unfinished delivery back without counting it as an attempt.
	Release(ctx context.Context, delivery *Delivery) error
}

// DeadLetter records a message that exhausted its deliveries.
type DeadLetter struct {
	Message domain.JobMessage
	Cause   string
	MovedAt time.Time
}

func isLastDelivery(attempt, maxDeliveries int) bool {
	return attempt+1 >= maxDeliveries
}
