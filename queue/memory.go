package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	message  Message
	deadline time.Time
}

// MemoryQueue is an in-process Queue with lease semantics matching the network
// backends. Leased messages whose lease expires become visible again on the
// next dequeue.
type MemoryQueue struct {
	name string
	now  func() time.Time

	mu     sync.Mutex
	ready  []Message
	leased map[string]memoryEntry
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue(name string) *MemoryQueue {
	return &MemoryQueue{
		name:   name,
		now:    time.Now,
		leased: map[string]memoryEntry{},
	}
}

// Name returns the queue name.
func (q *MemoryQueue) Name() string {
	return q.name
}

// EnqueueMessage appends a copy of message under a new identifier.
func (q *MemoryQueue) EnqueueMessage(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := Message{
		ID:   uuid.New().String(),
		Body: append([]byte(nil), message.Body...),
		Tags: copyTags(message.Tags),
	}
	q.mu.Lock()
	q.ready = append(q.ready, stored)
	q.mu.Unlock()
	return nil
}

// BatchDequeueMessages leases up to max visible messages in enqueue order.
func (q *MemoryQueue) BatchDequeueMessages(ctx context.Context, max int, lease time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.expireLocked(now)
	var out []Message
	for len(out) < max && len(q.ready) > 0 {
		message := q.ready[0]
		q.ready = q.ready[1:]
		message.ReceiveCount++
		message.ReceiptID = uuid.New().String()
		q.leased[message.ReceiptID] = memoryEntry{message: message, deadline: now.Add(lease)}
		out = append(out, message)
	}
	return out, nil
}

// DeleteMessage removes a leased message. Deleting with a receipt whose lease
// has expired fails with ErrUnknownReceipt.
func (q *MemoryQueue) DeleteMessage(ctx context.Context, receiptID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked(q.now())
	if _, ok := q.leased[receiptID]; !ok {
		return ErrUnknownReceipt
	}
	delete(q.leased, receiptID)
	return nil
}

// Len returns the number of messages in the queue, visible or leased.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.leased)
}

// Bodies returns the payloads of every message in the queue, leased ones
// included, as strings.
func (q *MemoryQueue) Bodies() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	bodies := make([]string, 0, len(q.ready)+len(q.leased))
	for _, entry := range q.leased {
		bodies = append(bodies, string(entry.message.Body))
	}
	for _, message := range q.ready {
		bodies = append(bodies, string(message.Body))
	}
	return bodies
}

// expireLocked returns messages with lapsed leases to the front of the queue.
func (q *MemoryQueue) expireLocked(now time.Time) {
	var expired []Message
	for receipt, entry := range q.leased {
		if !now.Before(entry.deadline) {
			entry.message.ReceiptID = ""
			expired = append(expired, entry.message)
			delete(q.leased, receipt)
		}
	}
	if len(expired) > 0 {
		q.ready = append(expired, q.ready...)
	}
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	return copied
}
