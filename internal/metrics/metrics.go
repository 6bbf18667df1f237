package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the TeamCollab server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Realtime metrics.
	RealtimeConnections     prometheus.Gauge
	RealtimeEventsTotal     *prometheus.CounterVec
	RealtimeBroadcastsTotal *prometheus.CounterVec
	RealtimeDroppedTotal    prometheus.Counter

	// Rate limiting.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Domain metrics.
	MessagesTotal            *prometheus.CounterVec
	FilesUploadedTotal       *prometheus.CounterVec
	FileUploadBytes          prometheus.Histogram
	InviteEmailFailuresTotal prometheus.Counter

	// Activity collector metrics.
	ActivityFlushesTotal  *prometheus.CounterVec
	ActivityFlushDuration prometheus.Histogram
	ActivityEventsTotal   prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcollab_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teamcollab_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teamcollab_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		RealtimeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teamcollab_realtime_connections",
			Help: "Number of open realtime connections on this process.",
		}),

		RealtimeEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcollab_realtime_events_total",
			Help: "Total number of events received from realtime clients.",
		}, []string{"event"}),

		RealtimeBroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcollab_realtime_broadcasts_total",
			Help: "Total number of events published to team rooms.",
		}, []string{"event"}),

		RealtimeDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamcollab_realtime_dropped_connections_total",
			Help: "Total number of connections dropped for falling behind.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcollab_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcollab_messages_total",
			Help: "Total number of chat messages persisted.",
		}, []string{"type"}),

		FilesUploadedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcollab_files_uploaded_total",
			Help: "Total number of files uploaded.",
		}, []string{"file_type"}),

		FileUploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "teamcollab_file_upload_size_bytes",
			Help:    "Size of uploaded files in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 8, 7),
		}),

		InviteEmailFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamcollab_invite_email_failures_total",
			Help: "Total number of invitation emails that could not be sent.",
		}),

		ActivityFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcollab_activity_flushes_total",
			Help: "Total number of activity log flushes.",
		}, []string{"status"}),

		ActivityFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "teamcollab_activity_flush_duration_seconds",
			Help:    "Duration of activity log flushes in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		ActivityEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamcollab_activity_events_total",
			Help: "Total number of activity events written.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcollab_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teamcollab_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.RealtimeConnections,
		m.RealtimeEventsTotal,
		m.RealtimeBroadcastsTotal,
		m.RealtimeDroppedTotal,
		m.RateLimitRejectionsTotal,
		m.MessagesTotal,
		m.FilesUploadedTotal,
		m.FileUploadBytes,
		m.InviteEmailFailuresTotal,
		m.ActivityFlushesTotal,
		m.ActivityFlushDuration,
		m.ActivityEventsTotal,
		m.AuthFailuresTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTPRequest records one completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, pattern string, status int, elapsed time.Duration, bytes int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(elapsed.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(bytes))
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// ConnectionOpened increments the realtime connection gauge.
func (m *Metrics) ConnectionOpened() { m.RealtimeConnections.Inc() }

// ConnectionClosed decrements the realtime connection gauge.
func (m *Metrics) ConnectionClosed() { m.RealtimeConnections.Dec() }

// IncRealtimeEvent counts an inbound client event.
func (m *Metrics) IncRealtimeEvent(event string) {
	m.RealtimeEventsTotal.WithLabelValues(event).Inc()
}

// IncBroadcast counts an event published to a team room.
func (m *Metrics) IncBroadcast(event string) {
	m.RealtimeBroadcastsTotal.WithLabelValues(event).Inc()
}

// IncDropped counts a connection dropped for a full send buffer.
func (m *Metrics) IncDropped() { m.RealtimeDroppedTotal.Inc() }

// IncMessage counts a persisted chat message.
func (m *Metrics) IncMessage(messageType string) {
	m.MessagesTotal.WithLabelValues(messageType).Inc()
}

// ObserveUpload counts an uploaded file and records its size.
func (m *Metrics) ObserveUpload(fileType string, size int64) {
	m.FilesUploadedTotal.WithLabelValues(fileType).Inc()
	m.FileUploadBytes.Observe(float64(size))
}

// IncInviteEmailFailure counts an invitation email that failed to send.
func (m *Metrics) IncInviteEmailFailure() { m.InviteEmailFailuresTotal.Inc() }

// ObserveActivityFlush records one activity collector flush.
func (m *Metrics) ObserveActivityFlush(count int, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	} else {
		m.ActivityEventsTotal.Add(float64(count))
	}
	m.ActivityFlushesTotal.WithLabelValues(status).Inc()
	m.ActivityFlushDuration.Observe(elapsed.Seconds())
}
