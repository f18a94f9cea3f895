// Package queue provides definition and implementations of the Queue interface
// for passing messages between services using distributed persistence storage backends
// (e.g. AWS SQS, Redis) along with a publish only Kafka backend and an in-process
// backend for local development.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupported is returned by backends that cannot perform an operation,
	// such as dequeuing from a publish only stream.
	ErrUnsupported = errors.New("operation not supported by queue backend")
	// ErrUnknownReceipt is returned when deleting a message whose lease is not held.
	ErrUnknownReceipt = errors.New("unknown receipt")
)

// Message wraps data and metadata for a queue message
type Message struct {
	ID           string            // Backend assigned identifier of the message
	Body         []byte            // Serialized message content
	ReceiptID    string            // Unique identifier associated with the dequeuing of this message
	ReceiveCount int               // The approximate number of times this message has been dequeued
	Tags         map[string]string // Map of user defined key value pairs associated with this message
}

// Queue is the interface which wraps methods for
// adding and leasing message(s), and permanently deleting a message
// from a queue data structure.
type Queue interface {
	// Name returns the name of the queue on its backend.
	Name() string
	EnqueueMessage(ctx context.Context, message Message) error
	// BatchDequeueMessages leases up to max messages, hiding each from other
	// consumers for the lease duration unless deleted before it expires.
	BatchDequeueMessages(ctx context.Context, max int, lease time.Duration) ([]Message, error)
	DeleteMessage(ctx context.Context, receiptID string) error
}

// BatchEnqueuer is implemented by queues that can enqueue several messages in
// fewer round trips than one call per message.
type BatchEnqueuer interface {
	// BatchEnqueueMessages enqueues a batch of messages to the queue
	// returning a list of messages that failed to enqueue and error (if any).
	// Error must always be not nil if any messages failed to enqueue
	BatchEnqueueMessages(ctx context.Context, messages []Message) ([]Message, error)
}

// Closer is implemented by queues holding network connections.
type Closer interface {
	Close() error
}

// LeasedMessage is a message handed out under a lease. Its payload can be read
// any number of times and it can be deleted from the queue it was leased from.
type LeasedMessage interface {
	Payload() []byte
	Delete(ctx context.Context) error
}

type leasedMessage struct {
	queue   Queue
	message Message
}

// Lease binds a dequeued message to the queue it was leased from.
func Lease(q Queue, message Message) LeasedMessage {
	return &leasedMessage{queue: q, message: message}
}

// LeaseAll binds every message in messages to q.
func LeaseAll(q Queue, messages []Message) []LeasedMessage {
	leased := make([]LeasedMessage, 0, len(messages))
	for _, message := range messages {
		leased = append(leased, Lease(q, message))
	}
	return leased
}

func (lm *leasedMessage) Payload() []byte {
	return lm.message.Body
}

func (lm *leasedMessage) Delete(ctx context.Context) error {
	return lm.queue.DeleteMessage(ctx, lm.message.ReceiptID)
}

// Message returns the underlying dequeued message.
func (lm *leasedMessage) Message() Message {
	return lm.message
}
