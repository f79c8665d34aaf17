// Package metrics owns the prometheus collectors of the relay. A nil *Metrics is
// valid and records nothing, so components can be built without it in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaybot"

type Metrics struct {
	reg *prometheus.Registry

	claims      *prometheus.CounterVec
	recipients  *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	inbound     prometheus.Counter
	preemptions prometheus.Counter
	bcDuration  prometheus.Histogram
}

// New builds a private registry with the relay collectors plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result (won, lost, error).",
		}, []string{"result"}),
		recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients_total",
			Help:      "Broadcast recipients by final result (sent, failed).",
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Individual send attempts by classified outcome.",
		}, []string{"outcome"}),
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Client messages recorded in the ledger.",
		}),
		preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_preemptions_total",
			Help:      "Session modes replaced before they ended.",
		}),
		bcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Wall time of completed broadcast runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.claims, m.recipients, m.attempts, m.inbound, m.preemptions, m.bcDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Claim(result string) {
	if m != nil {
		m.claims.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Recipient(result string) {
	if m != nil {
		m.recipients.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Attempt(outcome string) {
	if m != nil {
		m.attempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Inbound() {
	if m != nil {
		m.inbound.Inc()
	}
}

func (m *Metrics) Preempted() {
	if m != nil {
		m.preemptions.Inc()
	}
}

func (m *Metrics) BroadcastDone(d time.Duration) {
	if m != nil {
		m.bcDuration.Observe(d.Seconds())
	}
}
