// Package lifecycle starts and stops the long lived components of a relay
// process as a group.
package lifecycle

import (
	"sync"
	"time"

	"github.com/tozny/queue-multicast/logging"
)

// Initializer is the interface that starts a component of some kind.
type Initializer interface {
	Initialize()
}

// Closer is the interface that gracefully stops a component of some kind.
type Closer interface {
	Close()
}

// InitializerCloser is the interface that both starts and gracefully stops a
// component of some kind.
type InitializerCloser interface {
	Initializer
	Closer
}

// CloseFunc adapts a function to the Closer interface.
type CloseFunc func()

// Close calls f.
func (f CloseFunc) Close() {
	f()
}

// Manager allows multiple items needing initialization or shutdown to be
// managed as a group.
//
// Initialization items start in a separate go routine as soon as they are added.
// Wait blocks until all of them are complete.
//
// Closers are queued up internally and run only when Close is called. Close runs
// each of them in a separate go routine and blocks until all are complete or the
// shutdown timeout elapses.
type Manager struct {
	logger  logging.Logger
	timeout time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	closers []Closer
	closed  bool
}

// NewManager returns a Manager whose Close waits at most timeout for closers,
// zero meaning no limit.
func NewManager(logger logging.Logger, timeout time.Duration) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{logger: logger, timeout: timeout}
}

// ManageInitialization initializes each item in parallel.
func (m *Manager) ManageInitialization(initializers ...Initializer) {
	for _, initializer := range initializers {
		m.wg.Add(1)
		go func(i Initializer) {
			defer m.wg.Done()
			i.Initialize()
		}(initializer)
	}
}

// ManageClose queues closers to run when Close is called. Closers added after
// Close are run immediately.
func (m *Manager) ManageClose(closers ...Closer) {
	m.mu.Lock()
	if !m.closed {
		m.closers = append(m.closers, closers...)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	for _, closer := range closers {
		closer.Close()
	}
}

// ManageLifecycle manages both an item's initialization and close.
//
// The close method of the managed item is queued first to ensure it is present
// before running the item's initialization. Without this order, close may not
// get managed if something interrupts before initialization is complete.
func (m *Manager) ManageLifecycle(initializerClosers ...InitializerCloser) {
	for _, ic := range initializerClosers {
		m.ManageClose(ic)
		m.ManageInitialization(ic)
	}
}

// Wait blocks until every managed initialization is complete.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close runs every queued closer concurrently and reports whether all of them
// finished before the shutdown timeout. Calling Close again is a no-op.
func (m *Manager) Close() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return true
	}
	m.closed = true
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	m.logger.Infow("shutting down", "components", len(closers))
	var stopwg sync.WaitGroup
	for _, closer := range closers {
		stopwg.Add(1)
		go func(c Closer) {
			defer stopwg.Done()
			c.Close()
		}(closer)
	}
	done := make(chan struct{})
	go func() {
		stopwg.Wait()
		close(done)
	}()
	if m.timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		m.logger.Errorw("shutdown timed out", "timeout", m.timeout)
		return false
	}
}
