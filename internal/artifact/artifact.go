// Package artifact derives where a finished download lives on disk and under
// which public path it is served. Everything here is a pure function of the
// token id, job id and filename so the serving layer never needs the
// pipeline.
package artifact

import (
	"errors"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gosimple/slug"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxFilenameBytes = 200
	fallbackName     = "download"
)

var ErrInvalidName = errors.New("invalid artifact name")

// Dir is the job's output directory
func Dir(root, tokenID, jobID string) string {
	return filepath.Join(root, tokenID, jobID)
}

// PublicPath builds /d/<tokenId>/<jobId>/<filename>, prefixed with base when set
func PublicPath(base, tokenID, jobID, filename string) string {
	p := "/d/" + url.PathEscape(tokenID) + "/" + url.PathEscape(jobID) + "/" + url.PathEscape(filename)
	return strings.TrimSuffix(base, "/") + p
}

// Locate returns the on-disk path for a public path's components, refusing
// anything that is not a plain single-segment name.
func Locate(root, tokenID, jobID, filename string) (string, error) {
	for _, part := range []string{tokenID, jobID, filename} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) || strings.ContainsRune(part, 0) {
			return "", ErrInvalidName
		}
	}
	return filepath.Join(root, tokenID, jobID, filename), nil
}

var sanitizer = transform.Chain(
	norm.NFKC,
	runes.Remove(runes.In(unicode.Cc)),
	runes.Remove(runes.In(unicode.Cf)),
	runes.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}),
)

// SanitizeFilename makes name safe to use as a single path segment. It
// returns "" when nothing usable remains.
func SanitizeFilename(name string) string {
	clean, _, err := transform.String(sanitizer, name)
	if err != nil {
		return ""
	}
	clean = strings.TrimSpace(clean)
	clean = strings.Trim(clean, ". ")
	if clean == "" || strings.Trim(clean, "_") == "" {
		return ""
	}
	return truncate(clean, maxFilenameBytes)
}

// truncate shortens name to max bytes on a rune boundary, keeping a short
// extension intact.
func truncate(name string, max int) string {
	if len(name) <= max {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	stem := name[:len(name)-len(ext)]
	limit := max - len(ext)
	for limit > 0 && !utf8.RuneStart(stem[limit]) {
		limit--
	}
	return stem[:limit] + ext
}

// FilenameFromURL picks the artifact name for a submitted URL: the last path
// segment, the dn parameter of a magnet, or a slug of the host.
func FilenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fallbackName
	}

	if u.Scheme == "magnet" {
		if dn := SanitizeFilename(u.Query().Get("dn")); dn != "" {
			return dn
		}
		return fallbackName
	}

	if p, err := url.PathUnescape(u.EscapedPath()); err == nil {
		if base := path.Base(p); base != "/" && base != "." {
			if name := SanitizeFilename(base); name != "" {
				return name
			}
		}
	}

	if host := slug.Make(u.Hostname()); host != "" {
		return host
	}
	return fallbackName
}

// WithExtension adopts ext from alt when name has none
func WithExtension(name, alt string) string {
	if filepath.Ext(name) != "" {
		return name
	}
	ext := filepath.Ext(alt)
	if ext == "" || len(ext) > 16 || strings.ContainsAny(ext, `/\?#`) {
		return name
	}
	return SanitizeFilename(name + ext)
}
