package route

import (
	"context"

	"github.com/tozny/queue-multicast/logging"
)

// Set is an ordered collection of routes started and stopped together. Routes
// are not deduplicated; two routes may share queues. A Set is started once and
// stopped once; build a new Set rather than restarting a stopped one.
type Set struct {
	routes []*Route
	logger logging.Logger
}

// NewSet returns a Set owning routes.
func NewSet(routes []*Route, logger logging.Logger) *Set {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Set{
		routes: append([]*Route(nil), routes...),
		logger: logger,
	}
}

// Routes returns the routes of the set in configuration order.
func (s *Set) Routes() []*Route {
	return append([]*Route(nil), s.routes...)
}

// Start starts every route regardless of the others' outcome and returns how
// many started.
func (s *Set) Start(ctx context.Context) int {
	started := 0
	for _, r := range s.routes {
		if r.Start(ctx) {
			started++
		}
	}
	if started < len(s.routes) {
		s.logger.Warnw("not every route started", "started", started, "routes", len(s.routes))
	} else {
		s.logger.Infow("all routes started", "routes", len(s.routes))
	}
	return started
}

// Stop stops every route.
func (s *Set) Stop() {
	for _, r := range s.routes {
		r.Stop()
	}
	s.logger.Infow("all routes stopped", "routes", len(s.routes))
}

// Statuses returns the status of every route in configuration order.
func (s *Set) Statuses() []Status {
	statuses := make([]Status, 0, len(s.routes))
	for _, r := range s.routes {
		statuses = append(statuses, r.Status())
	}
	return statuses
}

// Initialize starts the set, for use with lifecycle.Manager.
func (s *Set) Initialize() {
	s.Start(context.Background())
}

// Close stops the set and releases the connections held by its bindings, for
// use with lifecycle.Manager.
func (s *Set) Close() {
	s.Stop()
	for _, r := range s.routes {
		if err := r.Close(); err != nil {
			s.logger.Warnw("failed to close route connections", "route", r.Name(), "error", err)
		}
	}
}
