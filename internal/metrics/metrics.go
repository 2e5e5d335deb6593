package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for smsqueue
type Metrics struct {
	// Message counters
	MessagesSentTotal     *prometheus.CounterVec
	MessagesFailedTotal   *prometheus.CounterVec
	MessagesRetriedTotal  *prometheus.CounterVec
	MessagesRejectedTotal *prometheus.CounterVec
	DeliveryReportsTotal  *prometheus.CounterVec

	// Campaigns
	CampaignsQueuedTotal      prometheus.Counter
	CampaignsCompletedTotal   prometheus.Counter
	ReconcileCorrectionsTotal prometheus.Counter

	// Dispatch
	DispatchCycleSeconds prometheus.Histogram
	RateLimitedTotal     *prometheus.CounterVec
	QueueSize            *prometheus.GaugeVec
	ClaimedMessages      prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsqueue_messages_sent_total",
				Help: "Total number of messages accepted by a provider",
			},
			[]string{"provider"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsqueue_messages_failed_total",
				Help: "Total number of messages that reached terminal failure during dispatch",
			},
			[]string{"provider", "reason"},
		),
		MessagesRetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsqueue_messages_retried_total",
				Help: "Total number of send attempts reverted to queued for retry",
			},
			[]string{"provider"},
		),
		MessagesRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsqueue_messages_rejected_total",
				Help: "Total number of contacts rejected while queueing a campaign",
			},
			[]string{"reason"},
		),
		DeliveryReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsqueue_delivery_reports_total",
				Help: "Total number of delivery reports applied",
			},
			[]string{"status"},
		),

		CampaignsQueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smsqueue_campaigns_queued_total",
				Help: "Total number of campaigns materialized into messages",
			},
		),
		CampaignsCompletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smsqueue_campaigns_completed_total",
				Help: "Total number of campaigns marked completed",
			},
		),
		ReconcileCorrectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smsqueue_reconcile_corrections_total",
				Help: "Total number of campaigns whose counters were corrected by reconciliation",
			},
		),

		DispatchCycleSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smsqueue_dispatch_cycle_seconds",
				Help:    "Duration of one dispatch cycle in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsqueue_ratelimited_total",
				Help: "Total number of provider batches skipped because the send budget was exhausted",
			},
			[]string{"provider"},
		),
		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smsqueue_queue_messages",
				Help: "Number of messages per status",
			},
			[]string{"status"},
		),
		ClaimedMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smsqueue_claimed_messages",
				Help: "Number of messages currently claimed by this process",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsqueue_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smsqueue_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsqueue_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smsqueue_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smsqueue_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smsqueue_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesRetriedTotal,
		m.MessagesRejectedTotal,
		m.DeliveryReportsTotal,
		m.CampaignsQueuedTotal,
		m.CampaignsCompletedTotal,
		m.ReconcileCorrectionsTotal,
		m.DispatchCycleSeconds,
		m.RateLimitedTotal,
		m.QueueSize,
		m.ClaimedMessages,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(provider string) {
	m := Global()
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(provider).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(provider, reason string) {
	m := Global()
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(provider, reason).Inc()
	}
}

// IncMessagesRetried increments the retry counter
func IncMessagesRetried(provider string) {
	m := Global()
	if m != nil {
		m.MessagesRetriedTotal.WithLabelValues(provider).Inc()
	}
}

// AddMessagesRejected adds contacts rejected at materialization
func AddMessagesRejected(reason string, n int) {
	m := Global()
	if m != nil && n > 0 {
		m.MessagesRejectedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// IncDeliveryReports increments the delivery report counter
func IncDeliveryReports(status string) {
	m := Global()
	if m != nil {
		m.DeliveryReportsTotal.WithLabelValues(status).Inc()
	}
}

// IncCampaignsQueued increments the queued campaign counter
func IncCampaignsQueued() {
	m := Global()
	if m != nil {
		m.CampaignsQueuedTotal.Inc()
	}
}

// IncCampaignsCompleted increments the completed campaign counter
func IncCampaignsCompleted() {
	m := Global()
	if m != nil {
		m.CampaignsCompletedTotal.Inc()
	}
}

// IncReconcileCorrections increments the reconciliation correction counter
func IncReconcileCorrections() {
	m := Global()
	if m != nil {
		m.ReconcileCorrectionsTotal.Inc()
	}
}

// ObserveDispatchCycle records the duration of a dispatch cycle
func ObserveDispatchCycle(d time.Duration) {
	m := Global()
	if m != nil {
		m.DispatchCycleSeconds.Observe(d.Seconds())
	}
}

// IncRateLimited increments the rate limited counter
func IncRateLimited(provider string) {
	m := Global()
	if m != nil {
		m.RateLimitedTotal.WithLabelValues(provider).Inc()
	}
}

// SetClaimedMessages sets the claimed message gauge
func SetClaimedMessages(n int) {
	m := Global()
	if m != nil {
		m.ClaimedMessages.Set(float64(n))
	}
}
