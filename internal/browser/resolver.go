// Package browser resolves obfuscated download pages to a direct file URL by
// driving a headless browser.
package browser

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// ErrNoDirectURL is returned when no plausible payload URL appeared in time.
var ErrNoDirectURL = errors.New("no direct download URL found")

// Resolution is everything needed to fetch the payload outside the browser
type Resolution struct {
	DirectURL string
	Cookies   []*http.Cookie
	Referer   string
}

// Resolver turns a page URL into a direct payload URL
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (*Resolution, error)
}

// Disabled is a Resolver for deployments without a browser
type Disabled struct{}

func (Disabled) Resolve(ctx context.Context, pageURL string) (*Resolution, error) {
	return nil, ErrNoDirectURL
}

// DefaultBlockHosts lists ad and tracking hosts whose requests are aborted.
var DefaultBlockHosts = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googletagmanager.com",
	"google-analytics.com",
	"adservice.google.com",
	"popads.net",
	"popcash.net",
	"propellerads.com",
	"adsterra.com",
	"exoclick.com",
	"juicyads.com",
	"onclickads.net",
	"mgid.com",
	"taboola.com",
	"outbrain.com",
	"hotjar.com",
}

// hostBlocked reports whether rawURL's host is, or is a subdomain of, a blocked host
func hostBlocked(rawURL string, blocked []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, b := range blocked {
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}

// ResponseMeta is the subset of a network response the payload heuristic reads
type ResponseMeta struct {
	URL                string
	Status             int
	ContentType        string
	ContentDisposition string
	ContentLength      int64
	ResourceType       string
}

var binaryTypes = map[string]bool{
	"application/octet-stream":     true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/x-rar-compressed": true,
	"application/vnd.rar":          true,
	"application/x-7z-compressed":  true,
	"application/x-tar":            true,
	"application/gzip":             true,
	"application/x-gzip":           true,
	"application/x-bzip2":          true,
	"application/x-xz":             true,
	"application/x-msdownload":     true,
	"application/x-msi":            true,
	"application/x-iso9660-image":  true,
	"application/pdf":              true,
	"application/epub+zip":         true,

	"application/x-apple-diskimage":           true,
	"application/vnd.android.package-archive": true,
}

// IsPayload decides whether a response looks like the real file rather than
// page furniture: an attachment, a known binary type fetched as a document,
// or any non-markup body at least minBytes long.
func IsPayload(m ResponseMeta, minBytes int64) bool {
	if m.Status < 200 || m.Status >= 300 {
		return false
	}
	if !strings.HasPrefix(m.URL, "http://") && !strings.HasPrefix(m.URL, "https://") {
		return false
	}

	if disp, _, err := mime.ParseMediaType(m.ContentDisposition); err == nil && disp == "attachment" {
		return true
	}

	ct, _, _ := mime.ParseMediaType(m.ContentType)
	ct = strings.ToLower(ct)
	if isPageAsset(ct) {
		return false
	}

	if minBytes > 0 && m.ContentLength >= minBytes {
		return true
	}

	navigational := m.ResourceType == "document" || m.ResourceType == "other" || m.ResourceType == ""
	if navigational && (binaryTypes[ct] || strings.HasPrefix(ct, "video/") || strings.HasPrefix(ct, "audio/")) {
		return true
	}
	return false
}

func isPageAsset(ct string) bool {
	switch {
	case ct == "text/html", ct == "application/xhtml+xml":
		return true
	case strings.HasPrefix(ct, "text/"), strings.Contains(ct, "javascript"), strings.Contains(ct, "json"):
		return true
	case strings.HasPrefix(ct, "image/"), strings.HasPrefix(ct, "font/"):
		return true
	}
	return false
}
