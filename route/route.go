// Package route implements multicast relaying: a Route copies every batch leased
// from its source queue into each of its destination queues, and a Set manages
// the lifecycle of every configured Route.
//
// A batch is deleted from the source once at least one destination accepted a
// copy of it. When every destination fails the batch is left in place so that
// its lease lapses and it is redelivered. A destination that fails while another
// succeeds does not receive that batch again.
package route

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tozny/queue-multicast/binding"
	"github.com/tozny/queue-multicast/logging"
	"github.com/tozny/queue-multicast/queue"
	"github.com/tozny/queue-multicast/scheduler"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrDestinationUnavailable is the copy failure of a destination whose binding
// did not resolve.
var ErrDestinationUnavailable = errors.New("destination queue is unavailable")

// Scheduler delivers batches leased from a source queue to a callback until
// the registration is removed.
type Scheduler interface {
	Register(source queue.Queue, lease time.Duration, maxBackoff time.Duration, callback scheduler.Callback) (scheduler.Registration, error)
	Unregister(registration scheduler.Registration)
}

// State is the lifecycle state of a Route.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Outcome summarizes the relay of one batch.
type Outcome struct {
	Messages     int  // Messages in the batch
	Destinations int  // Destinations the batch was fanned out to
	Failed       int  // Destinations whose copy failed
	Deleted      bool // Whether the batch was removed from the source
	DeleteErrors int  // Messages whose removal from the source failed
}

// Route relays batches from one source binding to an ordered set of
// destination bindings.
type Route struct {
	name         string
	source       *binding.Source
	destinations []*binding.Destination
	scheduler    Scheduler
	logger       logging.Logger
	observer     Observer
	copyTimeout  time.Duration

	mu           sync.Mutex
	registration scheduler.Registration
	state        atomic.Int32
}

// Option configures optional Route settings.
type Option func(*Route)

// WithName sets the name the route reports in logs, metrics and status.
func WithName(name string) Option {
	return func(r *Route) { r.name = name }
}

// WithLogger sets the route logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Route) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver sets the observer notified of relay outcomes.
func WithObserver(observer Observer) Option {
	return func(r *Route) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// WithCopyTimeout bounds the copy of one batch to one destination. Zero leaves
// the bound to the queue client.
func WithCopyTimeout(timeout time.Duration) Option {
	return func(r *Route) { r.copyTimeout = timeout }
}

// New returns a stopped Route.
func New(source *binding.Source, destinations []*binding.Destination, sched Scheduler, opts ...Option) *Route {
	r := &Route{
		source:       source,
		destinations: append([]*binding.Destination(nil), destinations...),
		scheduler:    sched,
		logger:       logging.NewNopLogger(),
		observer:     noopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.name == "" && source != nil {
		r.name = source.String()
	}
	return r
}

// Name returns the route name.
func (r *Route) Name() string {
	return r.name
}

// State returns the current lifecycle state.
func (r *Route) State() State {
	return State(r.state.Load())
}

func (r *Route) setState(s State) {
	previous := State(r.state.Swap(int32(s)))
	if previous != s && (previous == Running || s == Running) {
		r.observer.RouteStateChanged(r.name, s == Running)
	}
}

// Start registers the route's relay with the scheduler, stopping it first if
// it is already running. It reports false, leaving the route stopped, when the
// source is unavailable, there are no destinations or registration fails.
// Destinations that do not resolve do not prevent the route from starting.
func (r *Route) Start(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registration != nil {
		r.stopLocked()
	}
	r.setState(Starting)

	if r.source == nil {
		r.logger.Errorw("route has no source binding", "route", r.name)
		r.setState(Stopped)
		return false
	}
	sourceQueue, ok := r.source.Resolve(ctx)
	if !ok {
		r.logger.Errorw("route source is unavailable, not starting", "route", r.name, "source", r.source.String())
		r.setState(Stopped)
		return false
	}
	if len(r.destinations) == 0 {
		r.logger.Errorw("route has no destinations, not starting", "route", r.name)
		r.setState(Stopped)
		return false
	}
	resolved := 0
	for _, destination := range r.destinations {
		if _, ok := destination.Resolve(ctx); ok {
			resolved++
		}
	}
	if resolved < len(r.destinations) {
		r.logger.Warnw("some route destinations are unavailable", "route", r.name, "resolved", resolved, "destinations", len(r.destinations))
	} else {
		r.logger.Infow("resolved route destinations", "route", r.name, "resolved", resolved, "destinations", len(r.destinations))
	}

	registration, err := r.scheduler.Register(sourceQueue, r.source.LeaseDuration, r.source.MaxEmptyPollBackoff, r.relay)
	if err != nil {
		r.logger.Errorw("failed to register route with scheduler", "route", r.name, "error", err)
		r.setState(Stopped)
		return false
	}
	r.registration = registration
	r.setState(Running)
	r.logger.Infow("route started", "route", r.name, "source", r.source.String(), "lease", r.source.LeaseDuration, "max_backoff", r.source.MaxEmptyPollBackoff)
	return true
}

// Stop removes the route's scheduler registration, waiting for the scheduler
// to let go of it. Stopping a stopped route is a no-op.
func (r *Route) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Route) stopLocked() {
	if r.registration == nil {
		r.setState(Stopped)
		return
	}
	r.setState(Stopping)
	r.scheduler.Unregister(r.registration)
	r.registration = nil
	r.setState(Stopped)
	r.logger.Infow("route stopped", "route", r.name)
}

// relay adapts Relay to scheduler.Callback.
func (r *Route) relay(ctx context.Context, batch []queue.LeasedMessage) {
	r.Relay(ctx, batch)
}

// Relay copies batch to every destination concurrently, waits for all of them
// and then deletes the batch from the source unless every destination failed.
// An empty batch is ignored.
func (r *Route) Relay(ctx context.Context, batch []queue.LeasedMessage) Outcome {
	outcome := Outcome{Messages: len(batch), Destinations: len(r.destinations)}
	if len(batch) == 0 {
		return outcome
	}
	messages := make([]queue.Message, len(batch))
	for i, leased := range batch {
		messages[i] = queue.Message{Body: append([]byte(nil), leased.Payload()...)}
	}

	failures := make([]error, len(r.destinations))
	var group errgroup.Group
	for i, destination := range r.destinations {
		i, destination := i, destination
		group.Go(func() error {
			failures[i] = r.copyTo(ctx, destination, messages)
			return nil
		})
	}
	_ = group.Wait()

	for i, err := range failures {
		destination := r.destinations[i]
		if err != nil {
			outcome.Failed++
			r.observer.DestinationFailed(r.name, destination.String())
			r.logger.Warnw("failed to copy batch to destination", "route", r.name, "destination", destination.String(), "messages", len(messages), "error", err)
			continue
		}
		r.observer.DestinationCopied(r.name, destination.String(), len(messages))
	}

	if outcome.Failed == outcome.Destinations {
		r.logger.Errorw("every destination failed, leaving batch for redelivery", "route", r.name, "messages", len(messages), "destinations", outcome.Destinations)
		r.observer.BatchRelayed(r.name, false)
		return outcome
	}

	var deleteErr error
	for _, leased := range batch {
		if err := leased.Delete(ctx); err != nil {
			outcome.DeleteErrors++
			deleteErr = multierr.Append(deleteErr, err)
		}
	}
	if deleteErr != nil {
		r.logger.Errorw("failed to delete relayed messages from source", "route", r.name, "failed", outcome.DeleteErrors, "messages", len(batch), "error", deleteErr)
	}
	outcome.Deleted = true
	r.observer.BatchRelayed(r.name, true)
	r.logger.Debugw("relayed batch", "route", r.name, "messages", len(messages), "destinations", outcome.Destinations, "failed", outcome.Failed)
	return outcome
}

// copyTo enqueues every message into destination, stopping at the first failure.
func (r *Route) copyTo(ctx context.Context, destination *binding.Destination, messages []queue.Message) error {
	target, ok := destination.Resolve(ctx)
	if !ok {
		return ErrDestinationUnavailable
	}
	if r.copyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.copyTimeout)
		defer cancel()
	}
	if batcher, ok := target.(queue.BatchEnqueuer); ok {
		_, err := batcher.BatchEnqueueMessages(ctx, messages)
		return err
	}
	for _, message := range messages {
		if err := target.EnqueueMessage(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// Status describes a route for operators.
type Status struct {
	Name         string   `json:"name"`
	State        string   `json:"state"`
	Source       string   `json:"source"`
	Destinations []string `json:"destinations"`
}

// Status returns a snapshot of the route's configuration and state.
func (r *Route) Status() Status {
	status := Status{Name: r.name, State: r.State().String(), Destinations: []string{}}
	if r.source != nil {
		status.Source = r.source.String()
	}
	for _, destination := range r.destinations {
		status.Destinations = append(status.Destinations, destination.String())
	}
	return status
}

// Close releases the connections held by the route's bindings. The route must
// be stopped first.
func (r *Route) Close() error {
	var err error
	if r.source != nil {
		err = multierr.Append(err, r.source.Close())
	}
	for _, destination := range r.destinations {
		err = multierr.Append(err, destination.Close())
	}
	return err
}
