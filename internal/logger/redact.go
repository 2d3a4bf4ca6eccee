package logger

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Redactor scrubs secrets from log messages and fields
type Redactor struct {
	sensitiveKeys []string
	patterns      []*regexp.Regexp
}

// DefaultRedactor hides credentials, cookies and JWTs
func DefaultRedactor() *Redactor {
	return &Redactor{
		sensitiveKeys: []string{"password", "token", "secret", "cookie", "authorization", "api_key"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
			regexp.MustCompile(`(?i)(SID=)[^;\s]+`),
		},
	}
}

// Redact applies value patterns to a free-form string
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllStringFunc(s, func(m string) string {
			if strings.HasPrefix(strings.ToUpper(m), "SID=") {
				return m[:4] + redacted
			}
			return redacted
		})
	}
	return s
}

// RedactFields returns a copy of fields with sensitive keys masked.
// Keys ending in "_id" are identifiers and stay visible.
func (r *Redactor) RedactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if r.isSensitive(k) {
			out[k] = redacted
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = r.Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) isSensitive(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasSuffix(lower, "_id") {
		return false
	}
	for _, s := range r.sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
