package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler()(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	return w.Body.String()
}

func TestMetrics_RecordRequest(t *testing.T) {
	m := New()

	m.RecordRequest("GET", "/api/v1/downloads", 200, 100*time.Millisecond)
	m.RecordRequest("GET", "/api/v1/downloads", 200, 150*time.Millisecond)
	m.RecordRequest("GET", "/api/v1/downloads", 503, 50*time.Millisecond)

	body := scrape(t, m)

	for _, want := range []string{
		`gatedl_http_requests_total{endpoint="/api/v1/downloads",method="GET"} 3`,
		`gatedl_http_request_duration_seconds_count{endpoint="/api/v1/downloads",method="GET"} 3`,
		`gatedl_http_errors_total{endpoint="/api/v1/downloads",method="GET",status_class="5xx"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()

	m.IncWSConnections()
	m.IncWSConnections()
	m.DecWSConnections()
	m.SetQueueLength(5)
	m.IncActiveJobs()

	body := scrape(t, m)

	for _, want := range []string{
		"gatedl_websocket_connections_active 1",
		"gatedl_queue_length 5",
		"gatedl_jobs_active 1",
		"gatedl_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestMetrics_PipelineCounters(t *testing.T) {
	m := New()

	m.RecordOutcome("segmented", "completed", 12*time.Second)
	m.RecordOutcome("segmented", "completed", 40*time.Second)
	m.RecordOutcome("", "failed", time.Second)
	m.RecordEscalation("segmented", "blocked")
	m.AddBytes(1024)
	m.AddBytes(-5)

	body := scrape(t, m)

	for _, want := range []string{
		`gatedl_job_outcomes_total{strategy="segmented",status="completed"} 2`,
		`gatedl_job_outcomes_total{strategy="none",status="failed"} 1`,
		`gatedl_job_duration_seconds_bucket{status="completed",le="15"} 1`,
		`gatedl_escalations_total{from="segmented",reason="blocked"} 1`,
		"gatedl_acquired_bytes_total 1024",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/downloads/123e4567-e89b-12d3-a456-426614174000", "/api/v1/downloads/{id}"},
		{"/api/v1/downloads/42", "/api/v1/downloads/{id}"},
		{"/d/123e4567-e89b-12d3-a456-426614174000/550e8400-e29b-41d4-a716-446655440000/movie.mkv", "/d/{id}/{id}/{file}"},
		{"/health", "/health"},
	}
	for _, tt := range tests {
		if got := normalizeEndpoint(tt.path); got != tt.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := New()

	handler := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/token", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", w.Code)
	}
	if body := scrape(t, m); !strings.Contains(body, `status_class="4xx"`) {
		t.Errorf("expected 4xx error recorded, got:\n%s", body)
	}
}
