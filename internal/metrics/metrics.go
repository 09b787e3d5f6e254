// Package metrics exposes the Prometheus collectors for the wormhole relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the relay. Each Registry
// owns its own prometheus.Registerer rather than registering onto the
// package-global default, so that a process (or test binary) can construct
// more than one Registry without a duplicate-collector panic.
type Registry struct {
	reg *prometheus.Registry

	Channels    gauges
	Subscribers gauges
	Messages    counters
	Allocations counters
	Sweeps      counters
}

type gauges struct {
	Active prometheus.Gauge
}

type counters struct {
	Stored    prometheus.Counter
	Delivered prometheus.Counter
	Dropped   prometheus.Counter
	Failed    prometheus.Counter
	Evicted   prometheus.Counter
}

// NewRegistry creates the relay's Prometheus collectors, registered against
// a fresh registry private to this instance.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		Channels: gauges{
			Active: factory.NewGauge(prometheus.GaugeOpts{
				Name: "wormhole_relay_channels_active",
				Help: "Number of channels currently allocated across all apps",
			}),
		},
		Subscribers: gauges{
			Active: factory.NewGauge(prometheus.GaugeOpts{
				Name: "wormhole_relay_subscribers_active",
				Help: "Number of live event-stream subscribers",
			}),
		},
		Messages: counters{
			Stored: factory.NewCounter(prometheus.CounterOpts{
				Name: "wormhole_relay_messages_stored_total",
				Help: "Total number of messages appended to the durable store",
			}),
			Delivered: factory.NewCounter(prometheus.CounterOpts{
				Name: "wormhole_relay_messages_delivered_total",
				Help: "Total number of messages fanned out to subscribers",
			}),
			Dropped: factory.NewCounter(prometheus.CounterOpts{
				Name: "wormhole_relay_messages_dropped_total",
				Help: "Total number of fan-out writes dropped due to a slow subscriber",
			}),
		},
		Allocations: counters{
			Failed: factory.NewCounter(prometheus.CounterOpts{
				Name: "wormhole_relay_allocate_failures_total",
				Help: "Total number of channel allocation attempts that exhausted all ids",
			}),
		},
		Sweeps: counters{
			Evicted: factory.NewCounter(prometheus.CounterOpts{
				Name: "wormhole_relay_sweep_evicted_total",
				Help: "Total number of channels freed by the expiration sweep",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing this registry's Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
