// Package scheduler turns a queue's dequeue operation into push style delivery:
// each registration runs a polling loop that leases batches from a source queue
// and hands them to a callback, backing off exponentially while the queue is empty.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tozny/queue-multicast/logging"
	"github.com/tozny/queue-multicast/queue"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned when registering with a closed Poller.
	ErrClosed = errors.New("poller is closed")
	// ErrNilSource is returned when registering without a source queue.
	ErrNilSource = errors.New("nil source queue")
)

// Callback receives a non-empty batch of leased messages. The context passed
// to it is not cancelled when the registration is removed, so a batch that has
// been handed over always runs to completion.
type Callback func(ctx context.Context, batch []queue.LeasedMessage)

// Registration identifies an active polling loop.
type Registration interface {
	ID() string
}

// Config wraps configuration shared by every polling loop of a Poller.
type Config struct {
	BatchSize  int            // Max number of messages leased per dequeue
	MinBackoff time.Duration  // First wait after an empty or failed dequeue
	RateLimit  float64        // Max dequeues per second per registration, zero for unlimited
	Logger     logging.Logger // Logger to use for polling trace logs
}

const (
	defaultBatchSize  = 10
	defaultMinBackoff = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.BatchSize < 1 {
		c.BatchSize = defaultBatchSize
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.Logger == nil {
		c.Logger = logging.NewNopLogger()
	}
	return c
}

type registration struct {
	id         string
	source     queue.Queue
	lease      time.Duration
	maxBackoff time.Duration
	callback   Callback
	limiter    *rate.Limiter
	cancel     context.CancelFunc
	done       chan struct{}
}

func (r *registration) ID() string {
	return r.id
}

// Poller runs one polling loop per registration.
type Poller struct {
	cfg Config

	mu     sync.Mutex
	closed bool
	active map[string]*registration
}

// NewPoller returns a Poller with defaults applied to cfg.
func NewPoller(cfg Config) *Poller {
	return &Poller{
		cfg:    cfg.withDefaults(),
		active: map[string]*registration{},
	}
}

// Register starts polling source, leasing batches for lease and waiting at most
// maxBackoff between unsuccessful dequeues, returning the registration and error (if any).
func (p *Poller) Register(source queue.Queue, lease time.Duration, maxBackoff time.Duration, callback Callback) (Registration, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if callback == nil {
		return nil, fmt.Errorf("nil callback for %s", source.Name())
	}
	if maxBackoff < p.cfg.MinBackoff {
		maxBackoff = p.cfg.MinBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg := &registration{
		id:         uuid.New().String(),
		source:     source,
		lease:      lease,
		maxBackoff: maxBackoff,
		callback:   callback,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if p.cfg.RateLimit > 0 {
		reg.limiter = rate.NewLimiter(rate.Limit(p.cfg.RateLimit), 1)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	p.active[reg.id] = reg
	p.mu.Unlock()

	go p.poll(ctx, reg)
	p.cfg.Logger.Debugw("registered polling loop", "registration", reg.id, "queue", source.Name(), "lease", lease, "max_backoff", maxBackoff)
	return reg, nil
}

// Unregister stops the polling loop of r and waits for it to exit, including
// any batch it is delivering. Unregistering an unknown registration is a no-op.
func (p *Poller) Unregister(r Registration) {
	if r == nil {
		return
	}
	p.mu.Lock()
	reg, ok := p.active[r.ID()]
	delete(p.active, r.ID())
	p.mu.Unlock()
	if !ok {
		return
	}
	reg.cancel()
	<-reg.done
	p.cfg.Logger.Debugw("unregistered polling loop", "registration", reg.id, "queue", reg.source.Name())
}

// Active returns the number of running polling loops.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close unregisters every polling loop and rejects further registrations.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	regs := make([]*registration, 0, len(p.active))
	for _, reg := range p.active {
		regs = append(regs, reg)
	}
	p.mu.Unlock()
	for _, reg := range regs {
		p.Unregister(reg)
	}
}

func (p *Poller) poll(ctx context.Context, reg *registration) {
	defer close(reg.done)
	logger := p.cfg.Logger
	backoff := p.cfg.MinBackoff
	for {
		if reg.limiter != nil {
			if err := reg.limiter.Wait(ctx); err != nil {
				return
			}
		}
		messages, err := reg.source.BatchDequeueMessages(ctx, p.cfg.BatchSize, reg.lease)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warnw("dequeue failed", "queue", reg.source.Name(), "error", err, "retry_in", backoff)
		}
		if err == nil && len(messages) > 0 {
			p.deliver(ctx, reg, queue.LeaseAll(reg.source, messages))
			backoff = p.cfg.MinBackoff
			continue
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		// exponentially back off before the next attempt
		backoff *= 2
		if backoff > reg.maxBackoff {
			backoff = reg.maxBackoff
		}
	}
}

func (p *Poller) deliver(ctx context.Context, reg *registration, batch []queue.LeasedMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			p.cfg.Logger.Errorw("relay callback panic", "queue", reg.source.Name(), "panic", rec)
		}
	}()
	reg.callback(context.WithoutCancel(ctx), batch)
}
