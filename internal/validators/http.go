package validators

import (
	"net"
	"net/netip"
	"net/url"
	"path"
	"strings"
)

const maxHostnameLength = 255

// blockedHosts are never fetched regardless of how they resolve
var blockedHosts = map[string]bool{
	"localhost":                true,
	"127.0.0.1":                true,
	"0.0.0.0":                  true,
	"::1":                      true,
	"metadata.google.internal": true,
	"169.254.169.254":          true,
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// HTTPValidator accepts public http(s) URLs. URLs whose path ends in
// .torrent are classified as torrent sources.
type HTTPValidator struct {
	// Resolve looks up a hostname. When nil only literal addresses are
	// checked against the private ranges.
	Resolve func(host string) ([]net.IP, error)
}

func NewHTTPValidator() *HTTPValidator {
	return &HTTPValidator{}
}

// SourceType returns the source type this validator handles
func (v *HTTPValidator) SourceType() SourceType {
	return SourceDirect
}

// CanHandle returns true for http and https URLs
func (v *HTTPValidator) CanHandle(rawURL string) bool {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Validate checks the URL is well formed and does not point at an internal
// address
func (v *HTTPValidator) Validate(rawURL string) ValidationResult {
	result := ValidationResult{SourceType: SourceDirect, URL: rawURL}

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		result.Error = "invalid URL format"
		return result
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		result.Error = "only http and https URLs are accepted"
		return result
	}

	host := strings.ToLower(parsed.Hostname())
	result.Host = host
	if reason := v.hostRejection(host); reason != "" {
		result.Error = reason
		return result
	}

	if strings.EqualFold(path.Ext(parsed.Path), ".torrent") {
		result.SourceType = SourceTorrent
	}
	result.URL = parsed.String()
	result.Valid = true
	return result
}

func (v *HTTPValidator) hostRejection(host string) string {
	if host == "" {
		return "URL has no host"
	}
	if len(host) > maxHostnameLength {
		return "hostname too long"
	}
	if blockedHosts[host] {
		return "host is not allowed"
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isPrivate(addr) {
			return "private addresses are not allowed"
		}
		return ""
	}

	if v.Resolve == nil {
		return ""
	}
	ips, err := v.Resolve(host)
	if err != nil {
		// Unresolvable hosts fail later in the pipeline with a clearer message
		return ""
	}
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok && isPrivate(addr.Unmap()) {
			return "host resolves to a private address"
		}
	}
	return ""
}

func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return true
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
