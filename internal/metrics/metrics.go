// Package metrics exposes Prometheus counters for webhook ingestion and
// reconciliation, the only paths where event-ordering anomalies need
// production visibility.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts webhook deliveries by outcome and reconciler
// transitions by branch.
type Collector struct {
	deliveries  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	messages    prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banter_webhook_deliveries_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banter_reconcile_transitions_total",
			Help: "Reconciler transitions by branch taken.",
		}, []string{"branch"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "banter_messages_sent_total",
			Help: "Chat messages accepted for delivery.",
		}),
	}

	reg.MustRegister(c.deliveries, c.transitions, c.messages)
	return c
}

func (c *Collector) RecordDelivery(outcome string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordTransition(branch string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(branch).Inc()
}

func (c *Collector) RecordMessageSent() {
	if c == nil {
		return
	}
	c.messages.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
