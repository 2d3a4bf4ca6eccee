package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	apperrors "github.com/gatedl/gatedl/internal/errors"
)

func newStreamFetcher(t *testing.T) *StreamFetcher {
	t.Helper()
	f, err := NewStreamFetcher(0)
	if err != nil {
		t.Fatalf("NewStreamFetcher: %v", err)
	}
	return f
}

func TestStreamFetcher_WritesBinary(t *testing.T) {
	payload := bytes.Repeat([]byte{0x50, 0x4b, 0x03, 0x04, 0x00}, 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") != "https://host.example.com/page" {
			t.Errorf("Referer = %q", r.Header.Get("Referer"))
		}
		if c, err := r.Cookie("sid"); err != nil || c.Value != "abc" {
			t.Errorf("missing sid cookie")
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Write(payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	var log eventLog
	res, err := newStreamFetcher(t).Fetch(context.Background(), Request{
		URL:      server.URL + "/f.zip",
		Dir:      dir,
		Filename: "f.zip",
		Referer:  "https://host.example.com/page",
		Cookies:  []*http.Cookie{{Name: "sid", Value: "abc"}},
	}, log.sink)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if res.IsMarkup() {
		t.Fatal("binary payload classified as markup")
	}
	if res.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", res.Size, len(payload))
	}
	got, _ := os.ReadFile(res.Path)
	if !bytes.Equal(got, payload) {
		t.Error("file contents differ from payload")
	}
	if len(log.events) == 0 || log.events[len(log.events)-1].BytesDone != int64(len(payload)) {
		t.Errorf("final event should report all bytes, got %+v", log.events)
	}
}

func TestStreamFetcher_MarkupIsReturnedNotWritten(t *testing.T) {
	page := `<!DOCTYPE html><html><script>window.location='https://cdn.example.com/f.zip'</script></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Servers that gate downloads often lie about the content type.
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte(page))
	}))
	defer server.Close()

	dir := t.TempDir()
	res, err := newStreamFetcher(t).Fetch(context.Background(), Request{URL: server.URL, Dir: dir, Filename: "f.zip"}, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if !res.IsMarkup() {
		t.Fatal("expected markup result")
	}
	if string(res.Markup) != page {
		t.Errorf("Markup = %q", res.Markup)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("markup must not be written to disk, found %d entries", len(entries))
	}
}

func TestStreamFetcher_BlockedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newStreamFetcher(t).Fetch(context.Background(), Request{URL: server.URL, Dir: t.TempDir(), Filename: "x"}, nil)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if !fe.Blocked() || fe.Status != http.StatusForbidden {
		t.Errorf("FetchError = %+v, want blocked 403", fe)
	}
}

func TestStreamFetcher_BlockedGatePageReturnsMarkup(t *testing.T) {
	page := `<script>window.location='https://cdn.example.com/f.zip'</script>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(page))
	}))
	defer server.Close()

	dir := t.TempDir()
	res, err := newStreamFetcher(t).Fetch(context.Background(), Request{URL: server.URL, Dir: dir, Filename: "f.zip"}, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !res.IsMarkup() || string(res.Markup) != page {
		t.Fatalf("Markup = %q, want the gate page", res.Markup)
	}
	if res.HTTPStatus != http.StatusForbidden {
		t.Errorf("HTTPStatus = %d, want 403", res.HTTPStatus)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("markup must not be written to disk, found %d entries", len(entries))
	}
}

func TestStreamFetcher_ServerErrorPageIsNotMarkup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html><body>upstream down</body></html>"))
	}))
	defer server.Close()

	_, err := newStreamFetcher(t).Fetch(context.Background(), Request{URL: server.URL, Dir: t.TempDir(), Filename: "x"}, nil)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Status != http.StatusBadGateway {
		t.Fatalf("err = %v, want FetchError with HTTP 502", err)
	}
}

func TestStreamFetcher_SizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	_, err := newStreamFetcher(t).Fetch(context.Background(), Request{URL: server.URL, Dir: t.TempDir(), Filename: "x", MaxBytes: 1024}, nil)
	if !apperrors.IsCode(err, apperrors.CodeSizeExceeded) {
		t.Errorf("expected SIZE_EXCEEDED, got %v", err)
	}
}

func TestStreamFetcher_KeepsCookiesAcrossRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gate", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "pass", Value: "1", Path: "/"})
		w.Write([]byte("<html><body>ok</body></html>"))
	})
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("pass"); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte{0x00, 0x01, 0x02})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newStreamFetcher(t)
	dir := t.TempDir()
	if _, err := f.Fetch(context.Background(), Request{URL: server.URL + "/gate", Dir: dir, Filename: "gate"}, nil); err != nil {
		t.Fatalf("gate fetch: %v", err)
	}
	res, err := f.Fetch(context.Background(), Request{URL: server.URL + "/file", Dir: dir, Filename: "file"}, nil)
	if err != nil {
		t.Fatalf("file fetch: %v", err)
	}
	if res.Size != 3 {
		t.Errorf("Size = %d, want 3", res.Size)
	}
}
