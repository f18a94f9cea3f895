package route

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tozny/queue-multicast/binding"
	"github.com/tozny/queue-multicast/logging"
	"github.com/tozny/queue-multicast/queue"
	"github.com/tozny/queue-multicast/scheduler"
	"github.com/tozny/queue-multicast/settings"
)

var errInjected = errors.New("injected enqueue failure")

// testQueue wraps a MemoryQueue, counting calls and optionally failing enqueues.
type testQueue struct {
	*queue.MemoryQueue
	enqueues    atomic.Int32
	deletes     atomic.Int32
	failEnqueue atomic.Bool
	onEnqueue   func(ctx context.Context) error
}

func newTestQueue(name string) *testQueue {
	return &testQueue{MemoryQueue: queue.NewMemoryQueue(name)}
}

func (q *testQueue) EnqueueMessage(ctx context.Context, message queue.Message) error {
	q.enqueues.Add(1)
	if q.onEnqueue != nil {
		if err := q.onEnqueue(ctx); err != nil {
			return err
		}
	}
	if q.failEnqueue.Load() {
		return errInjected
	}
	return q.MemoryQueue.EnqueueMessage(ctx, message)
}

func (q *testQueue) DeleteMessage(ctx context.Context, receiptID string) error {
	q.deletes.Add(1)
	return q.MemoryQueue.DeleteMessage(ctx, receiptID)
}

// fakeScheduler records registrations without polling.
type fakeScheduler struct {
	mu           sync.Mutex
	next         int
	active       map[string]scheduler.Callback
	registered   int
	unregistered int
	failRegister bool
}

type fakeRegistration string

func (r fakeRegistration) ID() string { return string(r) }

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{active: map[string]scheduler.Callback{}}
}

func (s *fakeScheduler) Register(source queue.Queue, lease time.Duration, maxBackoff time.Duration, callback scheduler.Callback) (scheduler.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRegister {
		return nil, errors.New("scheduler refused")
	}
	s.next++
	id := fmt.Sprintf("reg-%d", s.next)
	s.active[id] = callback
	s.registered++
	return fakeRegistration(id), nil
}

func (s *fakeScheduler) Unregister(registration scheduler.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[registration.ID()]; ok {
		delete(s.active, registration.ID())
		s.unregistered++
	}
}

func (s *fakeScheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// fixture wires bindings to a fixed set of test queues by name.
type fixture struct {
	queues map[string]*testQueue
	env    binding.Environment
}

func newFixture(names ...string) *fixture {
	f := &fixture{queues: map[string]*testQueue{}}
	for _, name := range names {
		f.queues[name] = newTestQueue(name)
	}
	f.env = binding.Environment{
		Settings: settings.NewMapStore(map[string]string{"ACCOUNT": "test://local"}),
		Connector: queue.ConnectorFunc(func(ctx context.Context, account string, queueName string) (queue.Queue, error) {
			q, ok := f.queues[queueName]
			if !ok {
				return nil, fmt.Errorf("no queue %s", queueName)
			}
			return q, nil
		}),
		Logger: logging.NewNopLogger(),
	}
	return f
}

func (f *fixture) source(name string) *binding.Source {
	return binding.NewSource("ACCOUNT", name, 30000, 5, f.env)
}

func (f *fixture) destinations(names ...string) []*binding.Destination {
	var out []*binding.Destination
	for _, name := range names {
		out = append(out, binding.NewDestination("ACCOUNT", name, f.env))
	}
	return out
}

// leaseBatch enqueues bodies into the named source queue and leases them back.
func (f *fixture) leaseBatch(t *testing.T, name string, bodies ...string) []queue.LeasedMessage {
	t.Helper()
	ctx := context.Background()
	q := f.queues[name]
	for _, body := range bodies {
		require.NoError(t, q.MemoryQueue.EnqueueMessage(ctx, queue.Message{Body: []byte(body)}))
	}
	messages, err := q.BatchDequeueMessages(ctx, len(bodies), time.Minute)
	require.NoError(t, err)
	require.Len(t, messages, len(bodies))
	return queue.LeaseAll(q, messages)
}

func TestRelayDeletionLaw(t *testing.T) {
	tests := []struct {
		name        string
		failing     int
		wantDeleted bool
	}{
		{name: "no destination fails", failing: 0, wantDeleted: true},
		{name: "one of three fails", failing: 1, wantDeleted: true},
		{name: "two of three fail", failing: 2, wantDeleted: true},
		{name: "all three fail", failing: 3, wantDeleted: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("src", "d1", "d2", "d3")
			for i := 1; i <= tt.failing; i++ {
				f.queues[fmt.Sprintf("d%d", i)].failEnqueue.Store(true)
			}
			r := New(f.source("src"), f.destinations("d1", "d2", "d3"), newFakeScheduler())

			outcome := r.Relay(context.Background(), f.leaseBatch(t, "src", "m1", "m2"))

			assert.Equal(t, 3, outcome.Destinations)
			assert.Equal(t, tt.failing, outcome.Failed)
			assert.Equal(t, tt.wantDeleted, outcome.Deleted)
			if tt.wantDeleted {
				assert.Zero(t, f.queues["src"].Len())
				assert.EqualValues(t, 2, f.queues["src"].deletes.Load())
			} else {
				assert.Equal(t, 2, f.queues["src"].Len())
				assert.Zero(t, f.queues["src"].deletes.Load())
			}
			for i := tt.failing + 1; i <= 3; i++ {
				assert.ElementsMatch(t, []string{"m1", "m2"}, f.queues[fmt.Sprintf("d%d", i)].Bodies())
			}
		})
	}
}

func TestRelayDeliversToAtLeastOneDestination(t *testing.T) {
	f := newFixture("src", "a", "b")
	f.queues["b"].failEnqueue.Store(true)
	r := New(f.source("src"), f.destinations("a", "b"), newFakeScheduler())

	outcome := r.Relay(context.Background(), f.leaseBatch(t, "src", "order-42"))

	assert.True(t, outcome.Deleted)
	assert.Equal(t, []string{"order-42"}, f.queues["a"].Bodies())
	assert.Zero(t, f.queues["b"].Len(), "the failed destination never receives this batch")
	assert.Zero(t, f.queues["src"].Len(), "the source no longer holds the message")
}

func TestRelayRetainedBatchIsRedeliveredAfterLease(t *testing.T) {
	f := newFixture("src", "a")
	f.queues["a"].failEnqueue.Store(true)
	r := New(f.source("src"), f.destinations("a"), newFakeScheduler())
	ctx := context.Background()

	require.NoError(t, f.queues["src"].MemoryQueue.EnqueueMessage(ctx, queue.Message{Body: []byte("retry")}))
	messages, err := f.queues["src"].BatchDequeueMessages(ctx, 1, 0)
	require.NoError(t, err)
	outcome := r.Relay(ctx, queue.LeaseAll(f.queues["src"], messages))
	require.False(t, outcome.Deleted)

	f.queues["a"].failEnqueue.Store(false)
	redelivered, err := f.queues["src"].BatchDequeueMessages(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	outcome = r.Relay(ctx, queue.LeaseAll(f.queues["src"], redelivered))
	assert.True(t, outcome.Deleted)
	assert.Equal(t, []string{"retry"}, f.queues["a"].Bodies())
}

func TestRelayEmptyBatchIsNoOp(t *testing.T) {
	f := newFixture("src", "a", "b")
	r := New(f.source("src"), f.destinations("a", "b"), newFakeScheduler())

	outcome := r.Relay(context.Background(), nil)
	assert.False(t, outcome.Deleted)
	assert.Zero(t, outcome.Failed)
	outcome = r.Relay(context.Background(), []queue.LeasedMessage{})
	assert.False(t, outcome.Deleted)

	for _, q := range f.queues {
		assert.Zero(t, q.enqueues.Load())
		assert.Zero(t, q.deletes.Load())
	}
	assert.Equal(t, Stopped, r.State())
	for _, d := range r.destinations {
		assert.Equal(t, binding.Unresolved, d.State())
	}
}

func TestRelayUnresolvedDestinationAlwaysFails(t *testing.T) {
	f := newFixture("src", "a")
	destinations := append(f.destinations("a"), binding.NewDestination("ACCOUNT", "missing", f.env))
	r := New(f.source("src"), destinations, newFakeScheduler())

	outcome := r.Relay(context.Background(), f.leaseBatch(t, "src", "x"))
	assert.Equal(t, 1, outcome.Failed)
	assert.True(t, outcome.Deleted)
}

func TestRelayCopiesDestinationsConcurrently(t *testing.T) {
	f := newFixture("src", "a", "b")
	var arrived sync.WaitGroup
	arrived.Add(2)
	barrier := func(ctx context.Context) error {
		arrived.Done()
		done := make(chan struct{})
		go func() { arrived.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(time.Second):
			return errors.New("destinations were copied one after another")
		}
	}
	f.queues["a"].onEnqueue = barrier
	f.queues["b"].onEnqueue = barrier
	r := New(f.source("src"), f.destinations("a", "b"), newFakeScheduler())

	outcome := r.Relay(context.Background(), f.leaseBatch(t, "src", "x"))
	assert.Zero(t, outcome.Failed)
	assert.True(t, outcome.Deleted)
}

func TestRelayCopyTimeout(t *testing.T) {
	f := newFixture("src", "slow", "fast")
	f.queues["slow"].onEnqueue = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	r := New(f.source("src"), f.destinations("slow", "fast"), newFakeScheduler(), WithCopyTimeout(20*time.Millisecond))

	outcome := r.Relay(context.Background(), f.leaseBatch(t, "src", "x"))
	assert.Equal(t, 1, outcome.Failed)
	assert.True(t, outcome.Deleted)
	assert.Equal(t, []string{"x"}, f.queues["fast"].Bodies())
}

func TestRelayPayloadsAreIndependentOfLeases(t *testing.T) {
	f := newFixture("src", "a", "b")
	batch := f.leaseBatch(t, "src", "original")
	r := New(f.source("src"), f.destinations("a", "b"), newFakeScheduler())
	f.queues["a"].onEnqueue = func(context.Context) error {
		// Mutating the leased payload must not leak into other destinations' copies
		copy(batch[0].Payload(), "XXXXXXXX")
		return nil
	}

	r.Relay(context.Background(), batch)
	assert.Equal(t, []string{"original"}, f.queues["b"].Bodies())
}

func TestStartRegistersOnce(t *testing.T) {
	f := newFixture("src", "a")
	sched := newFakeScheduler()
	r := New(f.source("src"), f.destinations("a"), sched, WithName("orders"))

	require.True(t, r.Start(context.Background()))
	assert.Equal(t, Running, r.State())
	assert.Equal(t, 1, sched.activeCount())
	assert.Equal(t, "orders", r.Status().Name)
	assert.Equal(t, "running", r.Status().State)

	// Restarting is a stop followed by a start
	require.True(t, r.Start(context.Background()))
	assert.Equal(t, 1, sched.activeCount())
	assert.Equal(t, 2, sched.registered)
	assert.Equal(t, 1, sched.unregistered)
}

func TestInertRoutesRefuseToStart(t *testing.T) {
	f := newFixture("src", "a")
	sched := newFakeScheduler()

	noDestinations := New(f.source("src"), nil, sched)
	assert.False(t, noDestinations.Start(context.Background()))
	assert.Equal(t, Stopped, noDestinations.State())

	unresolvedSource := New(binding.NewSource("ACCOUNT", "missing", 0, 0, f.env), f.destinations("a"), sched)
	assert.False(t, unresolvedSource.Start(context.Background()))

	blankSource := New(binding.NewSource("", "", 0, 0, f.env), f.destinations("a"), sched)
	assert.False(t, blankSource.Start(context.Background()))

	nilSource := New(nil, f.destinations("a"), sched)
	assert.False(t, nilSource.Start(context.Background()))

	assert.Zero(t, sched.registered)
}

func TestStartWithUnresolvedDestinationStillRuns(t *testing.T) {
	f := newFixture("src", "a")
	sched := newFakeScheduler()
	destinations := append(f.destinations("a"), binding.NewDestination("ACCOUNT", "missing", f.env))
	r := New(f.source("src"), destinations, sched)

	assert.True(t, r.Start(context.Background()))
	assert.Equal(t, binding.Unavailable, destinations[1].State())
}

func TestStartFailsWhenSchedulerRefuses(t *testing.T) {
	f := newFixture("src", "a")
	sched := newFakeScheduler()
	sched.failRegister = true
	r := New(f.source("src"), f.destinations("a"), sched)

	assert.False(t, r.Start(context.Background()))
	assert.Equal(t, Stopped, r.State())
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture("src", "a")
	sched := newFakeScheduler()
	r := New(f.source("src"), f.destinations("a"), sched)

	r.Stop()
	assert.Equal(t, Stopped, r.State())

	require.True(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()
	assert.Equal(t, Stopped, r.State())
	assert.Zero(t, sched.activeCount())
	assert.Equal(t, 1, sched.unregistered)
}

func TestConcurrentStartStopKeepsOneRegistration(t *testing.T) {
	f := newFixture("src", "a")
	sched := newFakeScheduler()
	r := New(f.source("src"), f.destinations("a"), sched)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); r.Start(context.Background()) }()
		go func() { defer wg.Done(); r.Stop() }()
	}
	wg.Wait()

	assert.LessOrEqual(t, sched.activeCount(), 1)
	if r.State() == Running {
		assert.Equal(t, 1, sched.activeCount())
	} else {
		assert.Zero(t, sched.activeCount())
	}
}

func TestSetStartCountsStartedRoutes(t *testing.T) {
	f := newFixture("src1", "src2", "a", "b")
	sched := newFakeScheduler()
	routes := []*Route{
		New(f.source("src1"), f.destinations("a"), sched),
		New(f.source("src2"), nil, sched),
		New(f.source("src2"), f.destinations("a", "b"), sched),
	}
	set := NewSet(routes, logging.NewNopLogger())

	assert.Equal(t, 2, set.Start(context.Background()))
	assert.Equal(t, 2, sched.activeCount())

	statuses := set.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "running", statuses[0].State)
	assert.Equal(t, "stopped", statuses[1].State)
	assert.Equal(t, []string{"ACCOUNT/a", "ACCOUNT/b"}, statuses[2].Destinations)

	set.Stop()
	assert.Zero(t, sched.activeCount())
	for _, r := range set.Routes() {
		assert.Equal(t, Stopped, r.State())
	}
}

func TestSetOfInertRoutesStartsNone(t *testing.T) {
	f := newFixture("a")
	sched := newFakeScheduler()
	set := NewSet([]*Route{
		New(f.source("missing1"), f.destinations("a"), sched),
		New(f.source("missing2"), f.destinations("a"), sched),
		New(f.source("a"), nil, sched),
	}, nil)

	assert.Zero(t, set.Start(context.Background()))
	set.Stop()
	set.Stop()
	assert.Zero(t, sched.registered)
}

type recordingObserver struct {
	mu      sync.Mutex
	copied  map[string]int
	failed  []string
	batches []bool
	running []bool
}

func (o *recordingObserver) DestinationCopied(route string, destination string, messages int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.copied[destination] += messages
}

func (o *recordingObserver) DestinationFailed(route string, destination string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, destination)
}

func (o *recordingObserver) BatchRelayed(route string, deleted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, deleted)
}

func (o *recordingObserver) RouteStateChanged(route string, running bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = append(o.running, running)
}

func TestObserverSeesRelayOutcomes(t *testing.T) {
	f := newFixture("src", "a", "b")
	f.queues["b"].failEnqueue.Store(true)
	observer := &recordingObserver{copied: map[string]int{}}
	r := New(f.source("src"), f.destinations("a", "b"), newFakeScheduler(), WithObserver(observer), WithName("orders"))

	require.True(t, r.Start(context.Background()))
	r.Relay(context.Background(), f.leaseBatch(t, "src", "1", "2"))
	f.queues["a"].failEnqueue.Store(true)
	r.Relay(context.Background(), f.leaseBatch(t, "src", "3"))
	r.Stop()

	assert.Equal(t, map[string]int{"ACCOUNT/a": 2}, observer.copied)
	sort.Strings(observer.failed)
	assert.Equal(t, []string{"ACCOUNT/a", "ACCOUNT/b", "ACCOUNT/b"}, observer.failed)
	assert.Equal(t, []bool{true, false}, observer.batches)
	assert.Equal(t, []bool{true, false}, observer.running)
}

func TestRouteRelaysThroughPoller(t *testing.T) {
	f := newFixture("src", "a", "b")
	poller := scheduler.NewPoller(scheduler.Config{MinBackoff: time.Millisecond})
	defer poller.Close()
	set := NewSet([]*Route{New(f.source("src"), f.destinations("a", "b"), poller)}, nil)

	require.Equal(t, 1, set.Start(context.Background()))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.queues["src"].MemoryQueue.EnqueueMessage(ctx, queue.Message{Body: []byte(fmt.Sprintf("m%d", i))}))
	}

	require.Eventually(t, func() bool {
		return f.queues["a"].Len() == 5 && f.queues["b"].Len() == 5 && f.queues["src"].Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	set.Close()
	assert.Zero(t, poller.Active())
}
