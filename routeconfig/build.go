package routeconfig

import (
	"github.com/tozny/queue-multicast/binding"
	"github.com/tozny/queue-multicast/logging"
	"github.com/tozny/queue-multicast/route"
)

// Build maps c onto a stopped route.Set whose bindings resolve against env and
// whose routes register with sched. opts apply to every route.
func Build(c Config, env binding.Environment, sched route.Scheduler, logger logging.Logger, opts ...route.Option) *route.Set {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	routes := make([]*route.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		source := binding.NewSource(r.Source.AccountSetting, r.Source.QueueName, r.Source.LeaseDurationMillis, r.Source.MaxEmptyPollBackoffSeconds, env)
		destinations := make([]*binding.Destination, 0, len(r.Destinations))
		for _, d := range r.Destinations {
			destinations = append(destinations, binding.NewDestination(d.AccountSetting, d.QueueName, env))
		}
		routeOpts := append([]route.Option{route.WithLogger(logger)}, opts...)
		if r.Name != "" {
			routeOpts = append(routeOpts, route.WithName(r.Name))
		}
		routes = append(routes, route.New(source, destinations, sched, routeOpts...))
	}
	logger.Infow("built routes from configuration", "routes", len(routes))
	return route.NewSet(routes, logger)
}
