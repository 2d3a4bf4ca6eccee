package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/sniff"
)

// downloadSelectors are tried in order after the page settles
var downloadSelectors = []string{
	`a[download]`,
	`a:has-text("Download")`,
	`button:has-text("Download")`,
	`[id*=download i]`,
	`[class*=download i]`,
}

type Config struct {
	UserAgent  string
	Wait       time.Duration
	BlockHosts []string
	MinBytes   int64
}

// PlaywrightResolver drives headless Chromium. The browser process is started
// on first use and shared between resolutions; each resolution gets its own
// context so cookies never leak between jobs.
type PlaywrightResolver struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewPlaywrightResolver(cfg Config) *PlaywrightResolver {
	if cfg.Wait <= 0 {
		cfg.Wait = 30 * time.Second
	}
	if cfg.BlockHosts == nil {
		cfg.BlockHosts = DefaultBlockHosts
	}
	return &PlaywrightResolver{
		cfg: cfg,
		log: logger.Default().WithComponent("browser"),
	}
}

func (r *PlaywrightResolver) ensureBrowser() (playwright.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil && r.browser.IsConnected() {
		return r.browser, nil
	}
	if r.pw == nil {
		pw, err := playwright.Run()
		if err != nil {
			return nil, fmt.Errorf("failed to start playwright: %w", err)
		}
		r.pw = pw
	}
	b, err := r.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args:     []string{"--disable-dev-shm-usage", "--no-sandbox"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}
	r.browser = b
	return b, nil
}

// Close shuts the shared browser down
func (r *PlaywrightResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			firstErr = err
		}
		r.browser = nil
	}
	if r.pw != nil {
		if err := r.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.pw = nil
	}
	return firstErr
}

func (r *PlaywrightResolver) Resolve(ctx context.Context, pageURL string) (*Resolution, error) {
	browser, err := r.ensureBrowser()
	if err != nil {
		return nil, err
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:       playwright.String(r.cfg.UserAgent),
		AcceptDownloads: playwright.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	defer bctx.Close()

	blocked := r.cfg.BlockHosts
	if err := bctx.Route("**/*", func(route playwright.Route) {
		if hostBlocked(route.Request().URL(), blocked) {
			_ = route.Abort()
			return
		}
		_ = route.Continue()
	}); err != nil {
		return nil, fmt.Errorf("failed to install request filter: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	found := make(chan string, 1)
	offer := func(u string) {
		select {
		case found <- u:
		default:
		}
	}

	page.OnResponse(func(resp playwright.Response) {
		headers := resp.Headers()
		length, _ := strconv.ParseInt(headers["content-length"], 10, 64)
		meta := ResponseMeta{
			URL:                resp.URL(),
			Status:             resp.Status(),
			ContentType:        headers["content-type"],
			ContentDisposition: headers["content-disposition"],
			ContentLength:      length,
			ResourceType:       resp.Request().ResourceType(),
		}
		if IsPayload(meta, r.cfg.MinBytes) {
			offer(meta.URL)
		}
	})
	page.OnDownload(func(d playwright.Download) {
		offer(d.URL())
		// The body is fetched outside the browser
		_ = d.Cancel()
	})

	deadline := time.Now().Add(r.cfg.Wait)
	waitMs := float64(r.cfg.Wait.Milliseconds())

	// A navigation that turns straight into a download aborts Goto with an
	// error even though the payload URL was captured.
	if _, err := page.Goto(pageURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(waitMs),
	}); err != nil {
		r.log.Debug(ctx, "page navigation ended with error", map[string]interface{}{
			"url":   pageURL,
			"error": err.Error(),
		})
	}

	if direct, ok := r.await(ctx, found, remaining(deadline, 2*time.Second)); ok {
		return r.resolution(bctx, page, direct), nil
	}

	for _, sel := range downloadSelectors {
		clickTimeout := remaining(deadline, 5*time.Second)
		if ctx.Err() != nil || clickTimeout <= 0 {
			break
		}
		loc := page.Locator(sel).First()
		if n, err := loc.Count(); err != nil || n == 0 {
			continue
		}
		if err := loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(float64(clickTimeout.Milliseconds()))}); err != nil {
			continue
		}
		if direct, ok := r.await(ctx, found, remaining(deadline, 3*time.Second)); ok {
			return r.resolution(bctx, page, direct), nil
		}
	}

	if direct, ok := r.scanContent(page); ok {
		return r.resolution(bctx, page, direct), nil
	}

	if direct, ok := r.await(ctx, found, time.Until(deadline)); ok {
		return r.resolution(bctx, page, direct), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrNoDirectURL
}

// remaining caps step at what is left before deadline, never below zero
func remaining(deadline time.Time, step time.Duration) time.Duration {
	left := time.Until(deadline)
	if left <= 0 {
		return 0
	}
	if left < step {
		return left
	}
	return step
}

func (r *PlaywrightResolver) await(ctx context.Context, found <-chan string, d time.Duration) (string, bool) {
	if d <= 0 {
		select {
		case u := <-found:
			return u, true
		default:
			return "", false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case u := <-found:
		return u, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// scanContent looks for a scripted redirect or a file link in the rendered DOM
func (r *PlaywrightResolver) scanContent(page playwright.Page) (string, bool) {
	html, err := page.Content()
	if err != nil {
		return "", false
	}
	base, err := url.Parse(page.URL())
	if err != nil {
		return "", false
	}
	if target, ok := sniff.ExtractRedirect([]byte(html), base); ok {
		return target, true
	}
	for _, link := range sniff.FilenameLinks([]byte(html), base) {
		if sniff.HasFileExtension(link) && !hostBlocked(link, r.cfg.BlockHosts) {
			return link, true
		}
	}
	return "", false
}

func (r *PlaywrightResolver) resolution(bctx playwright.BrowserContext, page playwright.Page, direct string) *Resolution {
	res := &Resolution{DirectURL: direct, Referer: page.URL()}
	cookies, err := bctx.Cookies()
	if err != nil {
		return res
	}
	for _, c := range cookies {
		res.Cookies = append(res.Cookies, &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}
	return res
}
