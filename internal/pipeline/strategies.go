package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/gatedl/gatedl/internal/browser"
	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/fetch"
	"github.com/gatedl/gatedl/internal/sniff"
)

// Segmented fetches the current target with many connections
type Segmented struct {
	Fetcher  fetch.Fetcher
	Verifier Verifier
}

func (s *Segmented) Name() string { return StrategySegmented }

func (s *Segmented) Acquire(ctx context.Context, a *Attempt) (*Artifact, error) {
	return fetchVerified(ctx, StrategySegmented, s.Fetcher, s.Verifier, a, a.Target)
}

// ContentProbe re-requests the target over a single plain connection. A
// binary body is kept as is; a markup body is searched for the link or
// scripted redirect it is hiding, which is then fetched with the page's
// cookies and address as referer.
type ContentProbe struct {
	Stream   *fetch.StreamFetcher
	Fetcher  fetch.Fetcher
	Verifier Verifier
}

func (s *ContentProbe) Name() string { return StrategyContentProbe }

func (s *ContentProbe) Acquire(ctx context.Context, a *Attempt) (*Artifact, error) {
	res, err := s.Stream.Fetch(ctx, a.request(a.Target), a.sink(StrategyContentProbe))
	if err != nil {
		return nil, classifyFetchError(StrategyContentProbe, err)
	}

	if !res.IsMarkup() {
		size, err := s.Verifier.Check(res.Path, a.MaxBytes)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeSizeExceeded) {
				return nil, err
			}
			return nil, &Escalation{Strategy: StrategyContentProbe, Reason: reasonFor(err), Err: err}
		}
		return &Artifact{Path: res.Path, Size: size, FinalURL: res.FinalURL, Strategy: StrategyContentProbe}, nil
	}

	pageURL := res.FinalURL
	if pageURL == "" {
		pageURL = a.Target.URL
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, &Escalation{Strategy: StrategyContentProbe, Reason: "markup", Err: err}
	}

	next, ok := hiddenTarget(res.Markup, base)
	if !ok {
		return nil, &Escalation{Strategy: StrategyContentProbe, Reason: "markup"}
	}

	target := Target{
		URL:     next,
		Referer: pageURL,
		Cookies: jarCookies(s.Stream.Jar(), next, pageURL),
	}
	art, err := fetchVerified(ctx, StrategyContentProbe, s.Fetcher, s.Verifier, a, target)
	if err != nil {
		return nil, err
	}
	a.Target = target
	return art, nil
}

// hiddenTarget finds the URL a gate page forwards to
func hiddenTarget(markup []byte, base *url.URL) (string, bool) {
	if next, ok := sniff.ExtractRedirect(markup, base); ok {
		return next, true
	}
	for _, link := range sniff.FilenameLinks(markup, base) {
		if sniff.HasFileExtension(link) {
			return link, true
		}
	}
	return "", false
}

func jarCookies(jar http.CookieJar, urls ...string) []*http.Cookie {
	if jar == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []*http.Cookie
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		for _, c := range jar.Cookies(u) {
			if !seen[c.Name] {
				seen[c.Name] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Browser opens the page in a headless browser to discover the payload URL,
// then fetches it with the browser's cookies.
type Browser struct {
	Resolver browser.Resolver
	Fetcher  fetch.Fetcher
	Verifier Verifier
}

func (s *Browser) Name() string { return StrategyBrowser }

func (s *Browser) Acquire(ctx context.Context, a *Attempt) (*Artifact, error) {
	res, err := s.Resolver.Resolve(ctx, a.PageURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, browser.ErrNoDirectURL) {
			return nil, apperrors.JSLocked()
		}
		return nil, apperrors.DownloadError("browser resolution failed").WithCause(err)
	}

	target := Target{URL: res.DirectURL, Referer: res.Referer, Cookies: res.Cookies}
	art, err := fetchVerified(ctx, StrategyBrowser, s.Fetcher, s.Verifier, a, target)
	if err != nil {
		return nil, err
	}
	a.Target = target
	return art, nil
}
