package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/fetch"
)

// Strategy names as recorded on completed downloads
const (
	StrategySegmented    = "segmented"
	StrategyContentProbe = "content-probe"
	StrategyBrowser      = "browser"
	StrategyTorrent      = "torrent"
)

// ErrEscalate marks a strategy outcome that hands over to the next strategy
var ErrEscalate = errors.New("escalate to next strategy")

// Escalation says a strategy could not produce the payload but a more
// capable one might.
type Escalation struct {
	Strategy string
	Reason   string
	// Transient is set when the cause looked like a network or server
	// hiccup rather than gating.
	Transient bool
	Err       error
}

func (e *Escalation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Strategy, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Strategy, e.Reason)
}

func (e *Escalation) Unwrap() error { return e.Err }

func (e *Escalation) Is(target error) bool { return target == ErrEscalate }

// Target is the URL a strategy should fetch and the context to fetch it with
type Target struct {
	URL     string
	Referer string
	Cookies []*http.Cookie
}

// Attempt carries one job through the strategy list. Strategies may replace
// Target when they discover a better URL; PageURL stays the page a browser
// should open.
type Attempt struct {
	JobID     string
	PageURL   string
	Target    Target
	Dir       string
	Filename  string
	MaxBytes  int64
	UserAgent string
	Sink      func(strategy string, ev fetch.Event)
}

func (a *Attempt) sink(strategy string) fetch.Sink {
	return func(ev fetch.Event) {
		if a.Sink != nil {
			a.Sink(strategy, ev)
		}
	}
}

func (a *Attempt) request(t Target) fetch.Request {
	referer := t.Referer
	if referer == "" {
		referer = originOf(t.URL)
	}
	return fetch.Request{
		URL:       t.URL,
		Dir:       a.Dir,
		Filename:  a.Filename,
		UserAgent: a.UserAgent,
		Referer:   referer,
		Cookies:   t.Cookies,
		MaxBytes:  a.MaxBytes,
	}
}

// Artifact is a verified file produced by a strategy
type Artifact struct {
	Path     string
	Size     int64
	FinalURL string
	Strategy string
}

// Strategy is one way of turning a URL into a verified file
type Strategy interface {
	Name() string
	Acquire(ctx context.Context, a *Attempt) (*Artifact, error)
}

// fetchVerified runs one fetch and the verification gate, translating
// gating and bad-content outcomes into escalations.
func fetchVerified(ctx context.Context, name string, f fetch.Fetcher, v Verifier, a *Attempt, t Target) (*Artifact, error) {
	res, err := f.Fetch(ctx, a.request(t), a.sink(name))
	if err != nil {
		return nil, classifyFetchError(name, err)
	}
	if res.IsMarkup() {
		return nil, &Escalation{Strategy: name, Reason: "markup"}
	}

	size, err := v.Check(res.Path, a.MaxBytes)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeFileTooSmall) || apperrors.IsCode(err, apperrors.CodeHTMLResponse) {
			os.Remove(res.Path)
			return nil, &Escalation{Strategy: name, Reason: reasonFor(err), Err: err}
		}
		return nil, err
	}

	finalURL := res.FinalURL
	if finalURL == "" {
		finalURL = t.URL
	}
	return &Artifact{Path: res.Path, Size: size, FinalURL: finalURL, Strategy: name}, nil
}

func classifyFetchError(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		switch {
		case fe.Blocked():
			return &Escalation{Strategy: name, Reason: "blocked", Transient: fe.Transient(), Err: err}
		case fe.Transient():
			return &Escalation{Strategy: name, Reason: "unreachable", Transient: true, Err: err}
		default:
			return &Escalation{Strategy: name, Reason: "http_error", Err: err}
		}
	}
	return err
}

func reasonFor(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		switch appErr.Code {
		case apperrors.CodeFileTooSmall:
			return "too_small"
		case apperrors.CodeHTMLResponse:
			return "html"
		}
	}
	return "error"
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}
