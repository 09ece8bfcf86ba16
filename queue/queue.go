// Package queue defines the durable message transport the scheduler runs
// on: at-least-once delivery, explicit acknowledgement, and delayed
// redelivery as a first-class primitive.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/conveyor/message"
)

// ErrNoMessages is returned by Poll when nothing is ready for delivery.
var ErrNoMessages = errors.New("queue: no messages ready")

// Handle is the opaque redelivery token for one delivery.
type Handle any

// Delivery is one polled message. Attempts counts deliveries of this
// message, maintained by the transport; the first delivery is attempt 1.
type Delivery struct {
	Message  message.Message
	Attempts int
	Handle   Handle
}

// Queue is the transport contract. Implementations deliver at least once;
// handlers absorb duplicates through idempotent state transitions.
type Queue interface {
	// Push enqueues a message, visible after the given delay.
	Push(ctx context.Context, msg message.Message, delay time.Duration) error
	// Poll returns the next ready message or ErrNoMessages.
	Poll(ctx context.Context) (*Delivery, error)
	// Ack permanently removes a delivered message.
	Ack(ctx context.Context, h Handle) error
	// Nack returns a delivered message for redelivery after the delay,
	// incrementing its attempt count.
	Nack(ctx context.Context, h Handle, delay time.Duration) error
}
