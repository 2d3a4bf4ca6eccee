// Package probe resolves a URL's final location and size with header-only requests.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gatedl/gatedl/internal/logger"
)

const maxRedirects = 10

// Unknown marks a content length the server did not disclose.
const Unknown int64 = -1

// Result describes what the probe learned. A failed probe still returns a
// usable Result: FinalURL falls back to the input and ContentLength to Unknown.
type Result struct {
	FinalURL      string
	ContentLength int64
	ContentType   string
	StatusCode    int
	AcceptRanges  bool
	Err           error
}

// Redirected reports whether the final URL differs from the one probed
func (r Result) Redirected(original string) bool {
	return r.FinalURL != "" && r.FinalURL != original
}

type Prober struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	log       *logger.Logger
}

func New(userAgent string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &Prober{
		client:    client,
		userAgent: userAgent,
		timeout:   timeout,
		log:       logger.Default().WithComponent("probe"),
	}
}

// Probe issues a HEAD request, falling back to a one-byte ranged GET when the
// server rejects HEAD. It never fails: errors degrade to an unknown length.
func (p *Prober) Probe(ctx context.Context, rawURL string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := Result{FinalURL: rawURL, ContentLength: Unknown}

	resp, err := p.do(ctx, http.MethodHead, rawURL, false)
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		res.FinalURL = resp.Request.URL.String()
		resp.Body.Close()
		resp, err = p.do(ctx, http.MethodGet, res.FinalURL, true)
	}
	if err != nil {
		res.Err = err
		p.log.Debug(ctx, "probe failed, length unknown", map[string]interface{}{"error": err.Error()})
		return res
	}
	defer resp.Body.Close()

	res.FinalURL = resp.Request.URL.String()
	res.StatusCode = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")
	res.AcceptRanges = resp.Header.Get("Accept-Ranges") == "bytes" || resp.StatusCode == http.StatusPartialContent

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
		return res
	}

	if resp.StatusCode == http.StatusPartialContent {
		if total, ok := totalFromContentRange(resp.Header.Get("Content-Range")); ok {
			res.ContentLength = total
		}
		return res
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			res.ContentLength = n
		}
	} else if resp.ContentLength > 0 {
		res.ContentLength = resp.ContentLength
	}
	return res
}

func (p *Prober) do(ctx context.Context, method, rawURL string, ranged bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	req.Header.Set("Accept", "*/*")
	if ranged {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timed out after %s: %w", p.timeout, err)
		}
		return nil, err
	}
	return resp, nil
}

// totalFromContentRange parses "bytes 0-0/1234" into 1234
func totalFromContentRange(v string) (int64, bool) {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
