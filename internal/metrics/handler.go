package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	HTTP      httpSummary     `json:"http"`
	Realtime  realtimeSummary `json:"realtime"`
	Content   contentSummary  `json:"content"`
	RateLimit rateLimitInfo   `json:"rateLimit"`
	Activity  activityInfo    `json:"activity"`
	Auth      authInfo        `json:"auth"`
	DB        dbInfo          `json:"db"`
	Server    serverInfo      `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type realtimeSummary struct {
	Connections float64 `json:"connections"`
	Events      float64 `json:"events"`
	Broadcasts  float64 `json:"broadcasts"`
	Dropped     float64 `json:"dropped"`
}

type contentSummary struct {
	Messages            float64 `json:"messages"`
	FilesUploaded       float64 `json:"filesUploaded"`
	InviteEmailFailures float64 `json:"inviteEmailFailures"`
}

type rateLimitInfo struct {
	HTTP     float64 `json:"http"`
	Realtime float64 `json:"realtime"`
}

type activityInfo struct {
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Events       float64 `json:"events"`
}

type authInfo struct {
	Failures float64 `json:"failures"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Exposition returns the Prometheus text exposition handler for the private
// registry.
func (m *Metrics) Exposition() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Handler returns an http.HandlerFunc that serves a JSON summary of the
// live metrics.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"code":"internal_error","message":"failed to gather metrics"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry and condenses it into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	started := gaugeValue(fam["teamcollab_server_start_time_seconds"])
	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["teamcollab_http_requests_total"]),
			ErrorRate:     errorRate(fam["teamcollab_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["teamcollab_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["teamcollab_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["teamcollab_http_request_duration_seconds"], 0.99),
		},
		Realtime: realtimeSummary{
			Connections: gaugeValue(fam["teamcollab_realtime_connections"]),
			Events:      sumCounter(fam["teamcollab_realtime_events_total"]),
			Broadcasts:  sumCounter(fam["teamcollab_realtime_broadcasts_total"]),
			Dropped:     sumCounter(fam["teamcollab_realtime_dropped_connections_total"]),
		},
		Content: contentSummary{
			Messages:            sumCounter(fam["teamcollab_messages_total"]),
			FilesUploaded:       sumCounter(fam["teamcollab_files_uploaded_total"]),
			InviteEmailFailures: sumCounter(fam["teamcollab_invite_email_failures_total"]),
		},
		RateLimit: rateLimitInfo{
			HTTP:     counterWithLabel(fam["teamcollab_ratelimit_rejections_total"], "scope", "http"),
			Realtime: counterWithLabel(fam["teamcollab_ratelimit_rejections_total"], "scope", "realtime"),
		},
		Activity: activityInfo{
			TotalFlushes: sumCounter(fam["teamcollab_activity_flushes_total"]),
			FlushErrors:  counterWithLabel(fam["teamcollab_activity_flushes_total"], "status", "error"),
			Events:       sumCounter(fam["teamcollab_activity_events_total"]),
		},
		Auth: authInfo{
			Failures: sumCounter(fam["teamcollab_auth_failures_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["teamcollab_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["teamcollab_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["teamcollab_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     started,
			UptimeSeconds: float64(time.Now().Unix()) - started,
		},
	}, nil
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

// errorRate is the share of requests answered with a 4xx or 5xx status.
func errorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" && (strings.HasPrefix(lp.GetValue(), "4") || strings.HasPrefix(lp.GetValue(), "5")) {
				errors += v
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
