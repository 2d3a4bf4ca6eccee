package artifact

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPublicPath(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		filename string
		want     string
	}{
		{"plain", "", "f.zip", "/d/tok/job/f.zip"},
		{"base url", "https://dl.example.com/", "f.zip", "https://dl.example.com/d/tok/job/f.zip"},
		{"escaped", "", "my file #1.zip", "/d/tok/job/my%20file%20%231.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PublicPath(tt.base, "tok", "job", tt.filename)
			if got != tt.want {
				t.Errorf("PublicPath() = %q, want %q", got, tt.want)
			}
			for _, part := range []string{"/tok/", "/job/"} {
				if strings.Count(got, part) != 1 {
					t.Errorf("expected exactly one %q in %q", part, got)
				}
			}
		})
	}
}

func TestLocate(t *testing.T) {
	p, err := Locate("/downloads", "tok", "job", "f.zip")
	if err != nil || p != filepath.Join("/downloads", "tok", "job", "f.zip") {
		t.Errorf("Locate() = %q, %v", p, err)
	}

	for _, bad := range [][3]string{
		{"..", "job", "f.zip"},
		{"tok", "job", "../f.zip"},
		{"tok", "job", ""},
		{"tok", `a\b`, "f.zip"},
	} {
		if _, err := Locate("/downloads", bad[0], bad[1], bad[2]); err == nil {
			t.Errorf("Locate(%v) should fail", bad)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"movie.mkv", "movie.mkv"},
		{"a/b\\c.zip", "a_b_c.zip"},
		{"what?.txt", "what_.txt"},
		{"  .hidden. ", "hidden"},
		{"bad\x00name\n.bin", "badname.bin"},
		{"ﬁle.zip", "file.zip"},
		{"..", ""},
		{"///", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeFilename_Truncates(t *testing.T) {
	long := strings.Repeat("é", 150) + ".zip"
	got := SanitizeFilename(long)
	if len(got) > maxFilenameBytes {
		t.Errorf("len = %d, want <= %d", len(got), maxFilenameBytes)
	}
	if !strings.HasSuffix(got, ".zip") {
		t.Errorf("extension lost: %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncation split a rune: %q", got)
	}
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://cdn.example.com/files/f.zip", "f.zip"},
		{"https://cdn.example.com/files/My%20Archive.7z?x=1", "My Archive.7z"},
		{"https://cdn.example.com/", "cdn-example-com"},
		{"https://cdn.example.com", "cdn-example-com"},
		{"magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=Show+S01", "Show S01"},
		{"magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567", "download"},
	}
	for _, tt := range tests {
		if got := FilenameFromURL(tt.raw); got != tt.want {
			t.Errorf("FilenameFromURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestWithExtension(t *testing.T) {
	if got := WithExtension("download", "https://cdn.example.com/f.zip"); got != "download.zip" {
		t.Errorf("WithExtension() = %q", got)
	}
	if got := WithExtension("f.rar", "https://cdn.example.com/f.zip"); got != "f.rar" {
		t.Errorf("existing extension replaced: %q", got)
	}
}
