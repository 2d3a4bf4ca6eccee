package browser

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsPayload(t *testing.T) {
	const minBytes = 5 << 20

	tests := []struct {
		name string
		meta ResponseMeta
		want bool
	}{
		{
			name: "attachment",
			meta: ResponseMeta{URL: "https://cdn.example.com/a", Status: 200, ContentType: "text/plain", ContentDisposition: `attachment; filename="f.zip"`},
			want: true,
		},
		{
			name: "large octet stream",
			meta: ResponseMeta{URL: "https://cdn.example.com/f", Status: 200, ContentType: "application/octet-stream", ContentLength: 50 << 20, ResourceType: "xhr"},
			want: true,
		},
		{
			name: "zip document of unknown size",
			meta: ResponseMeta{URL: "https://cdn.example.com/f.zip", Status: 200, ContentType: "application/zip", ContentLength: -1, ResourceType: "document"},
			want: true,
		},
		{
			name: "video navigation",
			meta: ResponseMeta{URL: "https://cdn.example.com/v", Status: 200, ContentType: "video/mp4"},
			want: true,
		},
		{
			name: "small zip fetched by script",
			meta: ResponseMeta{URL: "https://cdn.example.com/f.zip", Status: 200, ContentType: "application/zip", ContentLength: 1024, ResourceType: "fetch"},
			want: false,
		},
		{
			name: "large html page",
			meta: ResponseMeta{URL: "https://host.example.com/", Status: 200, ContentType: "text/html; charset=utf-8", ContentLength: 50 << 20, ResourceType: "document"},
			want: false,
		},
		{
			name: "big script bundle",
			meta: ResponseMeta{URL: "https://host.example.com/app.js", Status: 200, ContentType: "application/javascript", ContentLength: 10 << 20, ResourceType: "script"},
			want: false,
		},
		{
			name: "image",
			meta: ResponseMeta{URL: "https://host.example.com/hero.png", Status: 200, ContentType: "image/png", ContentLength: 8 << 20, ResourceType: "image"},
			want: false,
		},
		{
			name: "forbidden",
			meta: ResponseMeta{URL: "https://cdn.example.com/f.zip", Status: 403, ContentType: "application/zip", ContentDisposition: "attachment"},
			want: false,
		},
		{
			name: "blob url",
			meta: ResponseMeta{URL: "blob:https://host.example.com/123", Status: 200, ContentType: "application/octet-stream", ContentLength: 50 << 20},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPayload(tt.meta, minBytes); got != tt.want {
				t.Errorf("IsPayload() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHostBlocked(t *testing.T) {
	blocked := []string{"doubleclick.net", "popads.net"}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://doubleclick.net/x", true},
		{"https://ad.doubleclick.net/x", true},
		{"https://AD.DoubleClick.NET/x", true},
		{"https://notdoubleclick.net/x", false},
		{"https://cdn.example.com/f.zip", false},
		{"://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := hostBlocked(tt.url, blocked); got != tt.want {
				t.Errorf("hostBlocked(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Resolve(context.Background(), "https://host.example.com/page")
	if !errors.Is(err, ErrNoDirectURL) {
		t.Errorf("Resolve() error = %v, want ErrNoDirectURL", err)
	}
}

func TestNewPlaywrightResolver_Defaults(t *testing.T) {
	r := NewPlaywrightResolver(Config{})
	if r.cfg.Wait <= 0 {
		t.Error("expected a default wait")
	}
	if len(r.cfg.BlockHosts) != len(DefaultBlockHosts) {
		t.Errorf("BlockHosts = %d entries, want defaults", len(r.cfg.BlockHosts))
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() on an unstarted resolver = %v", err)
	}
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		name     string
		left     time.Duration
		step     time.Duration
		min, max time.Duration
	}{
		{"plenty of budget", time.Minute, 5 * time.Second, 5 * time.Second, 5 * time.Second},
		{"budget shorter than step", 2 * time.Second, 5 * time.Second, time.Second, 2 * time.Second},
		{"budget spent", -time.Second, 3 * time.Second, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := remaining(time.Now().Add(tt.left), tt.step)
			if got < tt.min || got > tt.max {
				t.Errorf("remaining() = %v, want within [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestAwait_SpentBudgetDoesNotWait(t *testing.T) {
	r := NewPlaywrightResolver(Config{})
	found := make(chan string, 1)

	start := time.Now()
	if _, ok := r.await(context.Background(), found, remaining(time.Now().Add(-time.Second), 3*time.Second)); ok {
		t.Error("await() reported a URL from an empty channel")
	}
	if waited := time.Since(start); waited > 100*time.Millisecond {
		t.Errorf("await() blocked for %v past the deadline", waited)
	}

	found <- "https://cdn.example.com/f.zip"
	if u, ok := r.await(context.Background(), found, 0); !ok || u != "https://cdn.example.com/f.zip" {
		t.Errorf("await() = %q, %v; want the captured URL", u, ok)
	}
}
