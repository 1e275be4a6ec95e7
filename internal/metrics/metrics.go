package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for mailcast
type Metrics struct {
	// Campaigns
	CampaignsTotal  *prometheus.CounterVec
	CampaignsActive prometheus.Gauge

	// Sends
	EmailsSentTotal     *prometheus.CounterVec
	EmailsFailedTotal   *prometheus.CounterVec
	SendDurationSeconds *prometheus.HistogramVec

	// Broadcast
	BroadcastSubscribers  prometheus.Gauge
	BroadcastDroppedTotal prometheus.Counter

	TrackingEventsTotal *prometheus.CounterVec
	RateLimitWaitsTotal *prometheus.CounterVec

	// Inbound reply listener
	InboundConnectionsTotal prometheus.Counter
	InboundRepliesTotal     *prometheus.CounterVec

	// API
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// System
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CampaignsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_campaigns_total",
				Help: "Campaigns that reached a terminal status",
			},
			[]string{"status"},
		),
		CampaignsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_campaigns_active",
				Help: "Campaigns currently sending",
			},
		),
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_emails_sent_total",
				Help: "Emails accepted by the transport",
			},
			[]string{"method"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_emails_failed_total",
				Help: "Emails the transport failed to send",
			},
			[]string{"method", "kind"},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailcast_send_duration_seconds",
				Help:    "Duration of a single send",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		BroadcastSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_broadcast_subscribers",
				Help: "Connected progress subscribers",
			},
		),
		BroadcastDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailcast_broadcast_dropped_total",
				Help: "Progress events dropped for slow subscribers",
			},
		),
		TrackingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_tracking_events_total",
				Help: "Recorded delivery, open, click and reply events",
			},
			[]string{"event"},
		),
		RateLimitWaitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_ratelimit_waits_total",
				Help: "Sends held back by a quota",
			},
			[]string{"level"},
		),
		InboundConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailcast_inbound_connections_total",
				Help: "Connections to the reply listener",
			},
		),
		InboundRepliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_inbound_replies_total",
				Help: "Messages received by the reply listener",
			},
			[]string{"result"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailcast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailcast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailcast_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.CampaignsTotal,
		m.CampaignsActive,
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.SendDurationSeconds,
		m.BroadcastSubscribers,
		m.BroadcastDroppedTotal,
		m.TrackingEventsTotal,
		m.RateLimitWaitsTotal,
		m.InboundConnectionsTotal,
		m.InboundRepliesTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
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

// CampaignStarted marks a campaign as sending
func CampaignStarted() {
	if m := Global(); m != nil {
		m.CampaignsActive.Inc()
	}
}

// CampaignFinished records a terminal status for a campaign that was sending
func CampaignFinished(status string) {
	if m := Global(); m != nil {
		m.CampaignsActive.Dec()
		m.CampaignsTotal.WithLabelValues(status).Inc()
	}
}

// CampaignRejected records a campaign that failed before sending
func CampaignRejected() {
	if m := Global(); m != nil {
		m.CampaignsTotal.WithLabelValues("failed").Inc()
	}
}

// ObserveSend records one send outcome. kind is empty on success.
func ObserveSend(method, kind string, seconds float64) {
	m := Global()
	if m == nil {
		return
	}
	m.SendDurationSeconds.WithLabelValues(method).Observe(seconds)
	if kind == "" {
		m.EmailsSentTotal.WithLabelValues(method).Inc()
		return
	}
	m.EmailsFailedTotal.WithLabelValues(method, kind).Inc()
}

// SetBroadcastSubscribers updates the subscriber gauge
func SetBroadcastSubscribers(n int) {
	if m := Global(); m != nil {
		m.BroadcastSubscribers.Set(float64(n))
	}
}

// IncBroadcastDropped counts a dropped progress event
func IncBroadcastDropped() {
	if m := Global(); m != nil {
		m.BroadcastDroppedTotal.Inc()
	}
}

// IncTrackingEvent counts a recorded tracking event
func IncTrackingEvent(event string) {
	if m := Global(); m != nil {
		m.TrackingEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncRateLimitWait counts a send held back by the quota at level
func IncRateLimitWait(level string) {
	if m := Global(); m != nil {
		m.RateLimitWaitsTotal.WithLabelValues(level).Inc()
	}
}

// IncInboundConnections counts a reply listener connection
func IncInboundConnections() {
	if m := Global(); m != nil {
		m.InboundConnectionsTotal.Inc()
	}
}

// IncInboundReplies counts a received message by result
func IncInboundReplies(result string) {
	if m := Global(); m != nil {
		m.InboundRepliesTotal.WithLabelValues(result).Inc()
	}
}
