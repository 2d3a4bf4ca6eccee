// Package sniff recognises HTML pages served in place of a file and digs the
// real download location out of them.
package sniff

import (
	"bytes"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HeadSize is how much of a body is inspected when classifying it.
const HeadSize = 8 << 10

var markupPrefixes = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
	[]byte("<head"),
	[]byte("<body"),
	[]byte("<script"),
	[]byte("<meta"),
	[]byte("<title"),
}

var markupMarkers = [][]byte{
	[]byte("<script"),
	[]byte("window.location"),
	[]byte("location.href"),
	[]byte("location.replace("),
	[]byte("http-equiv=\"refresh\""),
	[]byte("http-equiv='refresh'"),
	[]byte("http-equiv=refresh"),
}

// LooksLikeHTML reports whether the leading bytes of a body are a markup
// page rather than binary content.
func LooksLikeHTML(head []byte) bool {
	if len(head) > HeadSize {
		head = head[:HeadSize]
	}
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	head = bytes.TrimLeft(head, " \t\r\n")
	if len(head) == 0 {
		return false
	}
	// Binary payloads carry NUL bytes early; markup never does.
	if bytes.IndexByte(head, 0) >= 0 {
		return false
	}

	lower := bytes.ToLower(head)
	for _, p := range markupPrefixes {
		if bytes.HasPrefix(lower, p) {
			return true
		}
	}
	if bytes.HasPrefix(lower, []byte("<?xml")) && bytes.Contains(lower, []byte("<html")) {
		return true
	}
	if strings.HasPrefix(http.DetectContentType(head), "text/html") {
		return true
	}
	if bytes.HasPrefix(lower, []byte("<")) {
		for _, m := range markupMarkers {
			if bytes.Contains(lower, m) {
				return true
			}
		}
	}
	return false
}

// IsHTMLContentType reports whether a Content-Type header names a markup document
func IsHTMLContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}

var redirectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:window|document|self|top)\.location(?:\.href)?\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)(?:^|[^.\w])location\.href\s*=\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)location\.(?:replace|assign)\(\s*["']([^"']+)["']\s*\)`),
}

// ExtractRedirect finds a client-side redirect (script assignment or meta
// refresh) in body and resolves it against base.
func ExtractRedirect(body []byte, base *url.URL) (string, bool) {
	for _, re := range redirectPatterns {
		if m := re.FindSubmatch(body); m != nil {
			if target, ok := resolve(base, string(m[1])); ok {
				return target, true
			}
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}

	var found string
	doc.Find("meta[http-equiv]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(strings.TrimSpace(equiv), "refresh") {
			return true
		}
		content, _ := s.Attr("content")
		if raw, ok := refreshTarget(content); ok {
			if target, ok := resolve(base, raw); ok {
				found = target
				return false
			}
		}
		return true
	})
	return found, found != ""
}

// refreshTarget pulls the URL out of a meta refresh value like "0; url=/f.zip"
func refreshTarget(content string) (string, bool) {
	_, rest, ok := strings.Cut(content, ";")
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 4 || !strings.EqualFold(rest[:4], "url=") {
		return "", false
	}
	target := strings.Trim(strings.TrimSpace(rest[4:]), `"'`)
	return target, target != ""
}

var fileExtensions = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true, ".tgz": true,
	".bz2": true, ".xz": true, ".zst": true, ".iso": true, ".img": true, ".bin": true,
	".exe": true, ".msi": true, ".dmg": true, ".pkg": true, ".deb": true, ".rpm": true,
	".apk": true, ".appimage": true, ".jar": true,
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true, ".webm": true,
	".mp3": true, ".flac": true, ".wav": true, ".ogg": true, ".m4a": true,
	".pdf": true, ".epub": true, ".cbz": true,
}

// HasFileExtension reports whether a URL path ends in a known payload extension
func HasFileExtension(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return fileExtensions[strings.ToLower(path.Ext(u.Path))]
}

// FilenameLinks lists anchors whose targets look like downloadable files.
// Anchors labelled "download" come first; order is otherwise document order.
func FilenameLinks(body []byte, base *url.URL) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var preferred, rest []string

	doc.Find("a[href]").Each(func(i int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		target, ok := resolve(base, href)
		if !ok || seen[target] {
			return
		}

		_, hasDownloadAttr := a.Attr("download")
		label := strings.ToLower(a.Text())
		isFile := HasFileExtension(target)
		if !isFile && !hasDownloadAttr {
			return
		}

		seen[target] = true
		if hasDownloadAttr || strings.Contains(label, "download") {
			preferred = append(preferred, target)
		} else {
			rest = append(rest, target)
		}
	})

	return append(preferred, rest...)
}

func resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "data:") {
		return "", false
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}
