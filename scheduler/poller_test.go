package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tozny/queue-multicast/queue"
)

// countingQueue wraps a MemoryQueue and counts dequeue attempts.
type countingQueue struct {
	*queue.MemoryQueue
	dequeues atomic.Int32
	fail     atomic.Bool
}

func (q *countingQueue) BatchDequeueMessages(ctx context.Context, max int, lease time.Duration) ([]queue.Message, error) {
	q.dequeues.Add(1)
	if q.fail.Load() {
		return nil, errors.New("service unavailable")
	}
	return q.MemoryQueue.BatchDequeueMessages(ctx, max, lease)
}

func TestPollerDeliversBatches(t *testing.T) {
	ctx := context.Background()
	source := queue.NewMemoryQueue("orders")
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, source.EnqueueMessage(ctx, queue.Message{Body: []byte(body)}))
	}

	var mu sync.Mutex
	var got []string
	poller := NewPoller(Config{BatchSize: 2, MinBackoff: time.Millisecond})
	reg, err := poller.Register(source, time.Minute, 10*time.Millisecond, func(ctx context.Context, batch []queue.LeasedMessage) {
		assert.NotEmpty(t, batch)
		assert.LessOrEqual(t, len(batch), 2)
		mu.Lock()
		defer mu.Unlock()
		for _, m := range batch {
			got = append(got, string(m.Payload()))
			assert.NoError(t, m.Delete(ctx))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, poller.Active())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	poller.Unregister(reg)
	assert.Equal(t, 0, poller.Active())
	assert.Zero(t, source.Len())

	// Unregistering twice is harmless
	poller.Unregister(reg)
}

func TestPollerBacksOffWhenEmpty(t *testing.T) {
	source := &countingQueue{MemoryQueue: queue.NewMemoryQueue("empty")}
	poller := NewPoller(Config{MinBackoff: 10 * time.Millisecond})
	reg, err := poller.Register(source, time.Second, 40*time.Millisecond, func(context.Context, []queue.LeasedMessage) {
		t.Error("no batch expected from an empty queue")
	})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	poller.Unregister(reg)

	// Waits of 10, 20, 40, 40, 40... allow only a handful of attempts in 200ms
	attempts := source.dequeues.Load()
	assert.GreaterOrEqual(t, attempts, int32(3))
	assert.LessOrEqual(t, attempts, int32(8))
}

func TestPollerKeepsPollingAfterErrors(t *testing.T) {
	ctx := context.Background()
	source := &countingQueue{MemoryQueue: queue.NewMemoryQueue("flaky")}
	source.fail.Store(true)
	require.NoError(t, source.EnqueueMessage(ctx, queue.Message{Body: []byte("x")}))

	delivered := make(chan struct{}, 1)
	poller := NewPoller(Config{MinBackoff: time.Millisecond})
	defer poller.Close()
	_, err := poller.Register(source, time.Minute, 5*time.Millisecond, func(context.Context, []queue.LeasedMessage) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return source.dequeues.Load() >= 2 }, time.Second, time.Millisecond)
	source.fail.Store(false)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("batch was not delivered after the source recovered")
	}
}

func TestUnregisterWaitsForInFlightBatch(t *testing.T) {
	ctx := context.Background()
	source := queue.NewMemoryQueue("orders")
	require.NoError(t, source.EnqueueMessage(ctx, queue.Message{Body: []byte("slow")}))

	started := make(chan struct{})
	var finished atomic.Bool
	poller := NewPoller(Config{MinBackoff: time.Millisecond})
	reg, err := poller.Register(source, time.Minute, time.Millisecond, func(ctx context.Context, batch []queue.LeasedMessage) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		// The delivery context outlives the registration
		assert.NoError(t, ctx.Err())
		finished.Store(true)
	})
	require.NoError(t, err)

	<-started
	poller.Unregister(reg)
	assert.True(t, finished.Load())
}

func TestPollerRecoversFromCallbackPanic(t *testing.T) {
	ctx := context.Background()
	source := queue.NewMemoryQueue("orders")
	require.NoError(t, source.EnqueueMessage(ctx, queue.Message{Body: []byte("boom")}))
	require.NoError(t, source.EnqueueMessage(ctx, queue.Message{Body: []byte("fine")}))

	var calls atomic.Int32
	poller := NewPoller(Config{BatchSize: 1, MinBackoff: time.Millisecond})
	defer poller.Close()
	_, err := poller.Register(source, time.Minute, time.Millisecond, func(context.Context, []queue.LeasedMessage) {
		if calls.Add(1) == 1 {
			panic("relay exploded")
		}
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestRegisterValidation(t *testing.T) {
	poller := NewPoller(Config{})
	_, err := poller.Register(nil, time.Second, time.Second, func(context.Context, []queue.LeasedMessage) {})
	assert.ErrorIs(t, err, ErrNilSource)

	_, err = poller.Register(queue.NewMemoryQueue("q"), time.Second, time.Second, nil)
	assert.Error(t, err)

	poller.Close()
	_, err = poller.Register(queue.NewMemoryQueue("q"), time.Second, time.Second, func(context.Context, []queue.LeasedMessage) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRateLimitSpacesDequeues(t *testing.T) {
	source := &countingQueue{MemoryQueue: queue.NewMemoryQueue("limited")}
	poller := NewPoller(Config{MinBackoff: time.Millisecond, RateLimit: 20})
	reg, err := poller.Register(source, time.Second, time.Millisecond, func(context.Context, []queue.LeasedMessage) {})
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	poller.Unregister(reg)

	// 20/s with a burst of 1 allows roughly 4 dequeues in 150ms
	assert.LessOrEqual(t, source.dequeues.Load(), int32(6))
}
