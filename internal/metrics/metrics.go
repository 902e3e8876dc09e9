package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for wapanel
type Metrics struct {
	// Message counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	SendDurationSeconds prometheus.Histogram
	SendsInflight       prometheus.Gauge

	// Campaigns
	CampaignTransitionsTotal *prometheus.CounterVec
	CampaignActive           prometheus.Gauge
	CampaignPending          prometheus.Gauge
	RemindersQueuedTotal     prometheus.Counter
	ReconciliationsTotal     *prometheus.CounterVec

	// Quota
	QuotaLimit      prometheus.Gauge
	QuotaUsed       prometheus.Gauge
	QuotaWaitsTotal prometheus.Counter

	// Events
	EventsPublishedTotal *prometheus.CounterVec

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
				Name: "wapanel_messages_sent_total",
				Help: "Total number of messages accepted by the provider",
			},
			[]string{"source"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wapanel_messages_failed_total",
				Help: "Total number of recipients marked failed",
			},
			[]string{"source", "reason"},
		),
		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wapanel_send_duration_seconds",
				Help:    "Provider send call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
			},
		),
		SendsInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wapanel_sends_inflight",
				Help: "Number of provider calls currently in progress",
			},
		),

		CampaignTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wapanel_campaign_transitions_total",
				Help: "Total number of campaign status transitions by target status",
			},
			[]string{"status"},
		),
		CampaignActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wapanel_campaign_active",
				Help: "1 while a campaign holds the processing slot",
			},
		),
		CampaignPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wapanel_campaign_pending_recipients",
				Help: "Pending recipients of the active campaign",
			},
		),
		RemindersQueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wapanel_reminders_queued_total",
				Help: "Total number of appointment reminders queued",
			},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wapanel_reconciliations_total",
				Help: "Campaign state repairs made while reporting status",
			},
			[]string{"action"},
		),

		QuotaLimit: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wapanel_quota_daily_limit",
				Help: "Daily message limit",
			},
		),
		QuotaUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wapanel_quota_used",
				Help: "Messages consumed in the current daily window",
			},
		),
		QuotaWaitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wapanel_quota_waits_total",
				Help: "Total number of sends that waited for the next quota window",
			},
		),

		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wapanel_events_published_total",
				Help: "Total number of campaign events published",
			},
			[]string{"result"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wapanel_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wapanel_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wapanel_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wapanel_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wapanel_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wapanel_storage_used_bytes",
				Help: "SQLite database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.SendDurationSeconds,
		m.SendsInflight,
		m.CampaignTransitionsTotal,
		m.CampaignActive,
		m.CampaignPending,
		m.RemindersQueuedTotal,
		m.ReconciliationsTotal,
		m.QuotaLimit,
		m.QuotaUsed,
		m.QuotaWaitsTotal,
		m.EventsPublishedTotal,
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
func IncMessagesSent(source string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(source).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(source, reason string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(source, reason).Inc()
	}
}

// AddMessagesFailed adds n bulk failures, e.g. on cancel
func AddMessagesFailed(source, reason string, n int) {
	if m := Global(); m != nil && n > 0 {
		m.MessagesFailedTotal.WithLabelValues(source, reason).Add(float64(n))
	}
}

// ObserveSendDuration records one provider call
func ObserveSendDuration(seconds float64) {
	if m := Global(); m != nil {
		m.SendDurationSeconds.Observe(seconds)
	}
}

// AddInflight adjusts the in-flight send gauge
func AddInflight(delta int) {
	if m := Global(); m != nil {
		m.SendsInflight.Add(float64(delta))
	}
}

// IncCampaignTransition counts a campaign entering status
func IncCampaignTransition(status string) {
	if m := Global(); m != nil {
		m.CampaignTransitionsTotal.WithLabelValues(status).Inc()
	}
}

// SetActiveCampaign reports whether a campaign holds the slot
func SetActiveCampaign(active bool, pending int) {
	m := Global()
	if m == nil {
		return
	}
	if active {
		m.CampaignActive.Set(1)
		m.CampaignPending.Set(float64(pending))
	} else {
		m.CampaignActive.Set(0)
		m.CampaignPending.Set(0)
	}
}

// AddRemindersQueued counts queued appointment reminders
func AddRemindersQueued(n int) {
	if m := Global(); m != nil && n > 0 {
		m.RemindersQueuedTotal.Add(float64(n))
	}
}

// IncReconciliation counts a status repair by action
func IncReconciliation(action string) {
	if m := Global(); m != nil {
		m.ReconciliationsTotal.WithLabelValues(action).Inc()
	}
}

// SetQuota updates the quota gauges
func SetQuota(limit, used int) {
	if m := Global(); m != nil {
		m.QuotaLimit.Set(float64(limit))
		m.QuotaUsed.Set(float64(used))
	}
}

// IncQuotaWaits counts a send that had to wait for the next window
func IncQuotaWaits() {
	if m := Global(); m != nil {
		m.QuotaWaitsTotal.Inc()
	}
}

// IncEventsPublished counts a publish attempt by result ("ok" or "error")
func IncEventsPublished(result string) {
	if m := Global(); m != nil {
		m.EventsPublishedTotal.WithLabelValues(result).Inc()
	}
}
