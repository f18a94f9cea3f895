// Package binding resolves configured queue endpoints (an account setting name
// plus a queue name) into live queue handles. Resolution happens once, on first
// use, and its outcome is kept for the lifetime of the binding.
package binding

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tozny/queue-multicast/logging"
	"github.com/tozny/queue-multicast/queue"
	"github.com/tozny/queue-multicast/settings"
)

// Environment holds the collaborators a binding resolves against.
type Environment struct {
	Settings  settings.Store  // Where account connection strings are looked up
	Connector queue.Connector // Builds queue clients and ensures queues exist
	Logger    logging.Logger
	// ResolveTimeout bounds a single resolution. Zero means no bound beyond the caller's context.
	ResolveTimeout time.Duration
}

// Endpoint is the part shared by source and destination bindings.
type Endpoint struct {
	AccountSetting string
	QueueName      string

	env Environment

	mu     sync.Mutex
	state  State
	handle queue.Queue
}

// State is the resolution state of an endpoint.
type State int

const (
	Unresolved State = iota
	Resolved
	Unavailable
)

func (s State) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Unavailable:
		return "unavailable"
	default:
		return "unresolved"
	}
}

// NewEndpoint returns an unresolved endpoint.
func NewEndpoint(accountSetting string, queueName string, env Environment) *Endpoint {
	if env.Logger == nil {
		env.Logger = logging.NewNopLogger()
	}
	return &Endpoint{
		AccountSetting: accountSetting,
		QueueName:      queueName,
		env:            env,
	}
}

// String identifies the endpoint in logs as setting/queue.
func (e *Endpoint) String() string {
	return e.AccountSetting + "/" + e.QueueName
}

// Resolve returns the queue handle, resolving it on the first call. Concurrent
// first callers wait for the single resolution in flight. A blank setting name,
// blank queue name, missing setting or failed connection resolves to
// unavailable, reported as false, and stays that way.
func (e *Endpoint) Resolve(ctx context.Context) (queue.Queue, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Unresolved {
		handle, ok := e.resolve(ctx)
		if ok {
			e.state, e.handle = Resolved, handle
		} else {
			e.state = Unavailable
		}
	}
	return e.handle, e.state == Resolved
}

// State reports the resolution state without triggering resolution.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) resolve(ctx context.Context) (queue.Queue, bool) {
	logger := e.env.Logger
	if strings.TrimSpace(e.AccountSetting) == "" || strings.TrimSpace(e.QueueName) == "" {
		logger.Warnw("queue binding is missing its account setting or queue name", "binding", e.String())
		return nil, false
	}
	if e.env.Settings == nil || e.env.Connector == nil {
		logger.Errorw("queue binding has no settings store or connector", "binding", e.String())
		return nil, false
	}
	account, ok := e.env.Settings.GetSetting(e.AccountSetting)
	if !ok {
		logger.Warnw("account setting is unavailable", "binding", e.String(), "setting", e.AccountSetting)
		return nil, false
	}
	if e.env.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.env.ResolveTimeout)
		defer cancel()
	}
	handle, err := e.env.Connector.Connect(ctx, account, e.QueueName)
	if err != nil {
		logger.Errorw("failed to connect queue binding", "binding", e.String(), "error", err)
		return nil, false
	}
	logger.Debugw("resolved queue binding", "binding", e.String())
	return handle, true
}

// Close releases the connection held by a resolved handle, if any.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Resolved {
		return nil
	}
	if closer, ok := e.handle.(queue.Closer); ok {
		return closer.Close()
	}
	return nil
}
