package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Webhook metrics
	WebhookEvents *prometheus.CounterVec

	// Attachment metrics
	AttachAttempts  prometheus.Counter
	AttachFailures  *prometheus.CounterVec
	AttachLatency   prometheus.Histogram
	TranscriptItems prometheus.Counter

	// Summarization metrics
	SummariesGenerated prometheus.Counter
	SummaryFailures    prometheus.Counter
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics. The live-link gauge reads
// straight from the connection registry.
func InitMetrics(registry *ConnectionRegistry) *Metrics {
	metrics := &Metrics{
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetai_webhook_events_total",
			Help: "Total number of webhook events by type and outcome",
		}, []string{"type", "outcome"}),

		AttachAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetai_agent_attach_attempts_total",
			Help: "Total number of agent attachment attempts",
		}),

		AttachFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetai_agent_attach_failures_total",
			Help: "Total number of failed agent attachments by reason",
		}, []string{"reason"}),

		AttachLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetai_agent_attach_duration_seconds",
			Help:    "Agent attachment latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30}, // realtime link setup can take several seconds
		}),

		TranscriptItems: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetai_transcript_items_total",
			Help: "Total number of transcript items received over realtime links",
		}),

		SummariesGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetai_summaries_generated_total",
			Help: "Total number of meeting summaries generated",
		}),

		SummaryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetai_summary_failures_total",
			Help: "Total number of failed summarization jobs",
		}),
	}

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "meetai_realtime_links_active",
			Help: "Current number of live agent realtime links",
		},
		func() float64 {
			if registry != nil {
				return float64(registry.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordWebhookEvent records one webhook delivery outcome
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordAttachAttempt records an attachment attempt
func (m *Metrics) RecordAttachAttempt() {
	if m == nil {
		return
	}
	m.AttachAttempts.Inc()
}

// RecordAttachFailure records a failed attachment by reason
func (m *Metrics) RecordAttachFailure(reason string) {
	if m == nil {
		return
	}
	m.AttachFailures.WithLabelValues(reason).Inc()
}

// RecordAttachLatency records attachment latency
func (m *Metrics) RecordAttachLatency(seconds float64) {
	if m == nil {
		return
	}
	m.AttachLatency.Observe(seconds)
}

// RecordTranscriptItem records one transcript item from a realtime link
func (m *Metrics) RecordTranscriptItem() {
	if m == nil {
		return
	}
	m.TranscriptItems.Inc()
}
