// Package fetch retrieves a URL to local storage and reports progress as a
// stream of tool-independent events.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Event is one progress observation. Zero fields mean "not reported".
type Event struct {
	BytesTotal     int64
	BytesDone      int64
	Speed          int64
	ETA            int64
	Percent        float64
	Connections    int
	HTTPStatus     int
	RedirectTarget string
}

// HasProgress reports whether the event carries byte counts
func (e Event) HasProgress() bool {
	return e.BytesDone > 0 || e.BytesTotal > 0 || e.Percent > 0
}

// Parser turns one line of tool output into an event
type Parser interface {
	Parse(line string) (Event, bool)
}

// Sink receives events as they are produced. It must not block.
type Sink func(Event)

// Request describes a single retrieval
type Request struct {
	URL       string
	Dir       string
	Filename  string
	UserAgent string
	Referer   string
	Cookies   []*http.Cookie
	// MaxBytes aborts the transfer once exceeded. Zero disables the check.
	MaxBytes int64
}

// CookieHeader renders the request cookies as a single Cookie header value
func (r Request) CookieHeader() string {
	parts := make([]string, 0, len(r.Cookies))
	for _, c := range r.Cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Result describes the file a fetch produced
type Result struct {
	Path        string
	Size        int64
	FinalURL    string
	ContentType string
	HTTPStatus  int
	// Markup holds the body when a stream fetch stopped on an HTML page.
	Markup []byte
}

// IsMarkup reports whether the fetch returned an HTML page instead of a file
func (r *Result) IsMarkup() bool {
	return r != nil && r.Markup != nil
}

// Fetcher retrieves req to disk
type Fetcher interface {
	Fetch(ctx context.Context, req Request, sink Sink) (*Result, error)
}

var blockedStatuses = map[int]bool{
	http.StatusBadRequest:                 true,
	http.StatusUnauthorized:               true,
	http.StatusForbidden:                  true,
	http.StatusTooManyRequests:            true,
	http.StatusUnavailableForLegalReasons: true,
	498:                                   true,
}

// IsBlockedStatus reports whether an HTTP status signals anti-bot or access gating
func IsBlockedStatus(code int) bool {
	return blockedStatuses[code]
}

// FetchError describes a retrieval that did not produce a usable file
type FetchError struct {
	Tool     string
	URL      string
	Status   int
	ExitCode int
	Detail   string
	Err      error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Tool)
	b.WriteString(" fetch failed")
	if e.Status != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.Status)
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Blocked reports whether the failure warrants escalating to a more capable
// strategy: a gating HTTP status on any connection, or a failed tool run.
func (e *FetchError) Blocked() bool {
	return IsBlockedStatus(e.Status) || e.ExitCode != 0
}

// Transient reports whether the failure looks like a network or server
// hiccup rather than access gating.
func (e *FetchError) Transient() bool {
	if IsBlockedStatus(e.Status) {
		return false
	}
	if e.Status >= 500 {
		return true
	}
	switch e.ExitCode {
	case aria2ExitTimeout, aria2ExitNetwork, aria2ExitNameResolution:
		return true
	}
	return e.Status == 0 && e.ExitCode == 0 && e.Err != nil
}
