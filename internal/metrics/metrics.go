package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	CodesIssued            *prometheus.CounterVec
	IssueFailures          *prometheus.CounterVec
	Probes                 *prometheus.CounterVec
	ProbeDuration          prometheus.Histogram
	NotificationsDelivered prometheus.Counter
	NotificationsDropped   prometheus.Counter
	PushClients            prometheus.Gauge
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CodesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "khqr_gateway_codes_issued_total",
			Help: "Total number of payment codes issued",
		}, []string{"currency"}),
		IssueFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "khqr_gateway_issue_failures_total",
			Help: "Total number of failed issuance attempts",
		}, []string{"reason"}),
		Probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "khqr_gateway_settlement_probes_total",
			Help: "Settlement probes by outcome and reason",
		}, []string{"outcome", "reason"}),
		ProbeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "khqr_gateway_settlement_probe_duration_seconds",
			Help:    "Latency of calls to the settlement authority",
			Buckets: prometheus.DefBuckets,
		}),
		NotificationsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "khqr_gateway_notifications_delivered_total",
			Help: "Total number of payment-success events handed to push channels",
		}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "khqr_gateway_notifications_dropped_total",
			Help: "Events dropped because nobody was subscribed or a channel queue was full",
		}),
		PushClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "khqr_gateway_push_clients",
			Help: "Currently connected push channels",
		}),
	}
}

// A nil *Metrics is valid and records nothing.

func (m *Metrics) IncrementIssued(currency string) {
	if m == nil {
		return
	}
	m.CodesIssued.WithLabelValues(currency).Inc()
}

func (m *Metrics) IncrementIssueFailure(reason string) {
	if m == nil {
		return
	}
	m.IssueFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveProbe(outcome, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(outcome, reason).Inc()
	if took > 0 {
		m.ProbeDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) AddDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.NotificationsDelivered.Add(float64(n))
}

func (m *Metrics) AddDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.NotificationsDropped.Add(float64(n))
}

func (m *Metrics) SetPushClients(n int) {
	if m == nil {
		return
	}
	m.PushClients.Set(float64(n))
}
