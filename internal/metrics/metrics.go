// Package metrics exposes process counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const prefix = "gatedl_"

var (
	requestBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	jobBuckets     = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200}
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	requestCount    map[string]*uint64     // endpoint|method
	requestDuration map[string]*Histogram  // endpoint|method
	requestErrors   map[string]*uint64     // endpoint|method|class
	outcomes        map[string]*uint64     // strategy|status
	escalations     map[string]*uint64     // from|reason
	jobDuration     map[string]*Histogram  // status

	activeWSConnections int64
	queueLength         int64
	activeJobs          int64
	bytesAcquired       uint64

	startTime time.Time
}

// Histogram tracks value distributions over fixed upper bounds
type Histogram struct {
	mu         sync.Mutex
	count      uint64
	sum        float64
	buckets    []float64
	bucketVals []uint64
}

func NewHistogram(buckets []float64) *Histogram {
	return &Histogram{
		buckets:    buckets,
		bucketVals: make([]uint64, len(buckets)),
	}
}

// Observe records a value
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.buckets {
		if v <= b {
			h.bucketVals[i]++
		}
	}
}

func New() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]*uint64),
		requestDuration: make(map[string]*Histogram),
		requestErrors:   make(map[string]*uint64),
		outcomes:        make(map[string]*uint64),
		escalations:     make(map[string]*uint64),
		jobDuration:     make(map[string]*Histogram),
		startTime:       time.Now(),
	}
}

var defaultMetrics = New()

// Default returns the process-wide metrics instance
func Default() *Metrics {
	return defaultMetrics
}

func (m *Metrics) counter(set map[string]*uint64, key string) *uint64 {
	m.mu.RLock()
	c := set[key]
	m.mu.RUnlock()
	if c != nil {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if set[key] == nil {
		set[key] = new(uint64)
	}
	return set[key]
}

func (m *Metrics) histogram(set map[string]*Histogram, key string, buckets []float64) *Histogram {
	m.mu.RLock()
	h := set[key]
	m.mu.RUnlock()
	if h != nil {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if set[key] == nil {
		set[key] = NewHistogram(buckets)
	}
	return set[key]
}

// RecordRequest records one HTTP request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := normalizeEndpoint(path) + "|" + method

	atomic.AddUint64(m.counter(m.requestCount, key), 1)
	m.histogram(m.requestDuration, key, requestBuckets).Observe(duration.Seconds())

	if statusCode >= 400 {
		errKey := fmt.Sprintf("%s|%dxx", key, statusCode/100)
		atomic.AddUint64(m.counter(m.requestErrors, errKey), 1)
	}
}

// RecordOutcome counts a finished job by the strategy that ended it
func (m *Metrics) RecordOutcome(strategy, status string, duration time.Duration) {
	if strategy == "" {
		strategy = "none"
	}
	atomic.AddUint64(m.counter(m.outcomes, strategy+"|"+status), 1)
	m.histogram(m.jobDuration, status, jobBuckets).Observe(duration.Seconds())
}

// RecordEscalation counts a hand-off from one strategy to the next
func (m *Metrics) RecordEscalation(from, reason string) {
	atomic.AddUint64(m.counter(m.escalations, from+"|"+reason), 1)
}

// AddBytes adds the size of a completed artifact
func (m *Metrics) AddBytes(n int64) {
	if n > 0 {
		atomic.AddUint64(&m.bytesAcquired, uint64(n))
	}
}

func (m *Metrics) IncActiveJobs() { atomic.AddInt64(&m.activeJobs, 1) }
func (m *Metrics) DecActiveJobs() { atomic.AddInt64(&m.activeJobs, -1) }

func (m *Metrics) IncWSConnections() { atomic.AddInt64(&m.activeWSConnections, 1) }
func (m *Metrics) DecWSConnections() { atomic.AddInt64(&m.activeWSConnections, -1) }

// SetQueueLength sets the waiting job count
func (m *Metrics) SetQueueLength(length int64) {
	atomic.StoreInt64(&m.queueLength, length)
}

// normalizeEndpoint collapses ids and artifact names so label sets stay bounded
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	if len(parts) > 4 && parts[1] == "d" {
		parts = append(parts[:4], "{file}")
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func sortedKeys[V any](set map[string]V) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func header(sb *strings.Builder, name, kind, help string) {
	fmt.Fprintf(sb, "# HELP %s%s %s\n# TYPE %s%s %s\n", prefix, name, help, prefix, name, kind)
}

func labels(names []string, key string) string {
	values := strings.Split(key, "|")
	pairs := make([]string, 0, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%q", n, v))
	}
	return strings.Join(pairs, ",")
}

func writeCounters(sb *strings.Builder, name, help string, names []string, set map[string]*uint64) {
	if len(set) == 0 {
		return
	}
	header(sb, name, "counter", help)
	for _, key := range sortedKeys(set) {
		fmt.Fprintf(sb, "%s%s{%s} %d\n", prefix, name, labels(names, key), atomic.LoadUint64(set[key]))
	}
	sb.WriteString("\n")
}

func writeHistograms(sb *strings.Builder, name, help string, names []string, set map[string]*Histogram) {
	if len(set) == 0 {
		return
	}
	header(sb, name, "histogram", help)
	for _, key := range sortedKeys(set) {
		l := labels(names, key)
		h := set[key]
		h.mu.Lock()
		for i, bucket := range h.buckets {
			fmt.Fprintf(sb, "%s%s_bucket{%s,le=\"%g\"} %d\n", prefix, name, l, bucket, h.bucketVals[i])
		}
		fmt.Fprintf(sb, "%s%s_bucket{%s,le=\"+Inf\"} %d\n", prefix, name, l, h.count)
		fmt.Fprintf(sb, "%s%s_sum{%s} %f\n", prefix, name, l, h.sum)
		fmt.Fprintf(sb, "%s%s_count{%s} %d\n", prefix, name, l, h.count)
		h.mu.Unlock()
	}
	sb.WriteString("\n")
}

// Handler serves the metrics page
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		header(&sb, "uptime_seconds", "gauge", "Time since the process started")
		fmt.Fprintf(&sb, "%suptime_seconds %f\n\n", prefix, time.Since(m.startTime).Seconds())

		header(&sb, "websocket_connections_active", "gauge", "Active WebSocket connections")
		fmt.Fprintf(&sb, "%swebsocket_connections_active %d\n\n", prefix, atomic.LoadInt64(&m.activeWSConnections))

		header(&sb, "queue_length", "gauge", "Jobs waiting in the queue, including delayed retries")
		fmt.Fprintf(&sb, "%squeue_length %d\n\n", prefix, atomic.LoadInt64(&m.queueLength))

		header(&sb, "jobs_active", "gauge", "Jobs currently being processed by this process")
		fmt.Fprintf(&sb, "%sjobs_active %d\n\n", prefix, atomic.LoadInt64(&m.activeJobs))

		header(&sb, "acquired_bytes_total", "counter", "Bytes of completed artifacts")
		fmt.Fprintf(&sb, "%sacquired_bytes_total %d\n\n", prefix, atomic.LoadUint64(&m.bytesAcquired))

		m.mu.RLock()
		writeCounters(&sb, "http_requests_total", "Total HTTP requests", []string{"endpoint", "method"}, m.requestCount)
		writeHistograms(&sb, "http_request_duration_seconds", "HTTP request latency", []string{"endpoint", "method"}, m.requestDuration)
		writeCounters(&sb, "http_errors_total", "HTTP errors by status class", []string{"endpoint", "method", "status_class"}, m.requestErrors)
		writeCounters(&sb, "job_outcomes_total", "Finished jobs by final strategy and status", []string{"strategy", "status"}, m.outcomes)
		writeHistograms(&sb, "job_duration_seconds", "Wall time from pickup to terminal state", []string{"status"}, m.jobDuration)
		writeCounters(&sb, "escalations_total", "Strategy escalations by origin and reason", []string{"from", "reason"}, m.escalations)
		m.mu.RUnlock()

		w.Write([]byte(sb.String()))
	}
}

// MetricsMiddleware records request count, latency and errors
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
