// Package metrics records relay activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "multicast"

	BatchesRelayedKey          = "batches_relayed_total"
	DestinationCopyFailuresKey = "destination_copy_failures_total"
	MessagesCopiedKey          = "messages_copied_total"
	RoutesRunningKey           = "routes_running"
	OutcomeDeleted             = "deleted"
	OutcomeRetained            = "retained"
)

// RelayMetrics implements route.Observer on top of Prometheus collectors.
type RelayMetrics struct {
	batches        *prometheus.CounterVec
	copyFailures   *prometheus.CounterVec
	messagesCopied *prometheus.CounterVec
	routesRunning  prometheus.Gauge
}

// NewRelayMetrics registers the relay collectors with reg. A nil reg uses the
// default Prometheus registerer.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &RelayMetrics{
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      BatchesRelayedKey,
			Help:      "Batches relayed per route, by whether the batch was deleted from the source or retained for redelivery.",
		}, []string{"route", "outcome"}),

		copyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      DestinationCopyFailuresKey,
			Help:      "Batches that failed to copy to a destination.",
		}, []string{"route", "destination"}),

		messagesCopied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      MessagesCopiedKey,
			Help:      "Messages copied to a destination.",
		}, []string{"route", "destination"}),

		routesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      RoutesRunningKey,
			Help:      "Routes currently registered with the scheduler.",
		}),
	}
}

func (m *RelayMetrics) DestinationCopied(route string, destination string, messages int) {
	m.messagesCopied.WithLabelValues(route, destination).Add(float64(messages))
}

func (m *RelayMetrics) DestinationFailed(route string, destination string) {
	m.copyFailures.WithLabelValues(route, destination).Inc()
}

func (m *RelayMetrics) BatchRelayed(route string, deleted bool) {
	outcome := OutcomeRetained
	if deleted {
		outcome = OutcomeDeleted
	}
	m.batches.WithLabelValues(route, outcome).Inc()
}

func (m *RelayMetrics) RouteStateChanged(route string, running bool) {
	if running {
		m.routesRunning.Inc()
		return
	}
	m.routesRunning.Dec()
}
