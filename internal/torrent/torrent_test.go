package torrent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	apperrors "github.com/gatedl/gatedl/internal/errors"
)

const testHash = "0123456789abcdef0123456789abcdef01234567"

// fakeDaemon imitates the qBittorrent Web API. Each info call advances the
// torrent by one step until it reports completion.
type fakeDaemon struct {
	mu       sync.Mutex
	steps    []Status
	calls    int
	files    []File
	added    map[string]string
	deleted  []string
	logins   int
	expireAt int
}

func (d *fakeDaemon) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			w.Write([]byte("Fails."))
			return
		}
		d.mu.Lock()
		d.logins++
		d.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: "s", Path: "/"})
		w.Write([]byte("Ok."))
	})

	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := r.Cookie("SID"); err != nil {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			d.mu.Lock()
			expire := d.expireAt > 0 && d.calls == d.expireAt && d.logins == 1
			d.mu.Unlock()
			if expire {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/api/v2/torrents/add", authed(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("add: %v", err)
		}
		d.mu.Lock()
		d.added = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			d.added[k] = v[0]
		}
		if _, ok := r.MultipartForm.File["torrents"]; ok {
			d.added["torrents"] = "file"
		}
		d.mu.Unlock()
		w.Write([]byte("Ok."))
	}))
	mux.HandleFunc("/api/v2/torrents/info", authed(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if r.URL.Query().Get("hashes") != testHash {
			t.Errorf("info hashes = %q", r.URL.Query().Get("hashes"))
		}
		i := d.calls
		if i >= len(d.steps) {
			i = len(d.steps) - 1
		}
		d.calls++
		st := d.steps[i]
		st.Hash = testHash
		json.NewEncoder(w).Encode([]Status{st})
	}))
	mux.HandleFunc("/api/v2/torrents/files", authed(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(d.files)
	}))
	mux.HandleFunc("/api/v2/torrents/delete", authed(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		d.mu.Lock()
		d.deleted = append(d.deleted, r.PostForm.Get("hashes")+":"+r.PostForm.Get("deleteFiles"))
		d.mu.Unlock()
	}))
	return mux
}

func newTestAcquirer(t *testing.T, d *fakeDaemon) *Acquirer {
	t.Helper()
	server := httptest.NewServer(d.handler(t))
	t.Cleanup(server.Close)
	return NewAcquirer(NewClient(server.URL, "admin", "secret"), Config{PollInterval: 5 * time.Millisecond})
}

func TestAcquire_LargestFileOfMultiFileTorrent(t *testing.T) {
	d := &fakeDaemon{
		steps: []Status{
			{State: "metaDL", Size: 0},
			{State: "downloading", Size: 3000, Completed: 500, Progress: 0.16, NumSeeds: 12, NumLeechs: 3, UPSpeed: 10},
			{State: "downloading", Size: 3000, Completed: 1800, Progress: 0.6, NumSeeds: 14, NumLeechs: 2},
			{State: "stalledUP", Size: 3000, Completed: 3000, Progress: 1},
		},
		files: []File{
			{Index: 0, Name: "Pack/readme.txt", Size: 200},
			{Index: 1, Name: "Pack/movie.mkv", Size: 2500},
			{Index: 2, Name: "Pack/sample.mkv", Size: 300},
		},
	}
	a := newTestAcquirer(t, d)

	var seen []Progress
	dir := t.TempDir()
	res, err := a.Acquire(context.Background(), &Source{URI: "magnet:?xt=urn:btih:" + testHash, Hash: testHash}, dir, 0, func(p Progress) {
		seen = append(seen, p)
	})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if res.Size != 2500 || res.Filename != "movie.mkv" || res.Files != 3 {
		t.Errorf("result = %+v, want movie.mkv of 2500 bytes among 3 files", res)
	}
	if res.Path != filepath.Join(dir, "Pack", "movie.mkv") {
		t.Errorf("Path = %q", res.Path)
	}

	for i := 1; i < len(seen); i++ {
		if seen[i].DownloadedBytes < seen[i-1].DownloadedBytes {
			t.Errorf("downloaded bytes went backwards: %d -> %d", seen[i-1].DownloadedBytes, seen[i].DownloadedBytes)
		}
	}
	if len(seen) < 3 || seen[1].Torrent.Seeders != 12 || seen[1].Torrent.Peers != 3 {
		t.Errorf("swarm stats not reported: %+v", seen)
	}

	if d.added["urls"] == "" || d.added["seedingTimeLimit"] != "0" || d.added["savepath"] != dir {
		t.Errorf("add form = %v", d.added)
	}
	if len(d.deleted) != 1 || d.deleted[0] != testHash+":false" {
		t.Errorf("finished torrent should be removed without data, got %v", d.deleted)
	}
}

func TestAcquire_FatalDaemonState(t *testing.T) {
	for _, state := range []string{"error", "missingFiles"} {
		t.Run(state, func(t *testing.T) {
			d := &fakeDaemon{steps: []Status{{State: "downloading", Size: 10}, {State: state, Size: 10}}}
			a := newTestAcquirer(t, d)

			_, err := a.Acquire(context.Background(), &Source{URI: "magnet:?xt=urn:btih:" + testHash, Hash: testHash}, t.TempDir(), 0, nil)
			if !apperrors.IsCode(err, apperrors.CodeTorrentError) {
				t.Fatalf("expected TORRENT_ERROR, got %v", err)
			}
			if !strings.Contains(err.Error(), state) {
				t.Errorf("daemon state should be surfaced verbatim: %v", err)
			}
			if apperrors.IsRetryable(err) {
				t.Error("torrent state errors must not be retried")
			}
			if len(d.deleted) != 1 || d.deleted[0] != testHash+":true" {
				t.Errorf("failed torrent should be removed with data, got %v", d.deleted)
			}
		})
	}
}

func TestAcquire_UnusableFilesRemoveTorrent(t *testing.T) {
	tests := []struct {
		name  string
		files []File
	}{
		{"no files", []File{}},
		{"escaping name", []File{{Index: 0, Name: "../../etc/passwd", Size: 100}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDaemon{
				steps: []Status{{State: "uploading", Size: 100, Completed: 100, Progress: 1}},
				files: tt.files,
			}
			a := newTestAcquirer(t, d)

			_, err := a.Acquire(context.Background(), &Source{URI: "magnet:?xt=urn:btih:" + testHash, Hash: testHash}, t.TempDir(), 0, nil)
			if !apperrors.IsCode(err, apperrors.CodeTorrentError) {
				t.Fatalf("expected TORRENT_ERROR, got %v", err)
			}
			if len(d.deleted) != 1 || d.deleted[0] != testHash+":true" {
				t.Errorf("unusable torrent should be removed with data, got %v", d.deleted)
			}
		})
	}
}

func TestAcquire_SizeLimit(t *testing.T) {
	d := &fakeDaemon{steps: []Status{{State: "downloading", Size: 5000}}}
	a := newTestAcquirer(t, d)

	_, err := a.Acquire(context.Background(), &Source{URI: "magnet:?xt=urn:btih:" + testHash, Hash: testHash}, t.TempDir(), 1000, nil)
	if !apperrors.IsCode(err, apperrors.CodeSizeExceeded) {
		t.Fatalf("expected SIZE_EXCEEDED, got %v", err)
	}
	if len(d.deleted) != 1 || d.deleted[0] != testHash+":true" {
		t.Errorf("oversized torrent should be removed with data, got %v", d.deleted)
	}
}

func TestAcquire_CancelRemovesTorrent(t *testing.T) {
	d := &fakeDaemon{steps: []Status{{State: "downloading", Size: 5000, Completed: 1}}}
	a := newTestAcquirer(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Acquire(ctx, &Source{URI: "magnet:?xt=urn:btih:" + testHash, Hash: testHash}, t.TempDir(), 0, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.deleted) == 0 || d.deleted[len(d.deleted)-1] != testHash+":true" {
		t.Errorf("cancelled torrent should be removed with data, got %v", d.deleted)
	}
}

func TestAcquire_Stalled(t *testing.T) {
	d := &fakeDaemon{steps: []Status{{State: "stalledDL", Size: 5000, Completed: 100}}}
	server := httptest.NewServer(d.handler(t))
	defer server.Close()
	a := NewAcquirer(NewClient(server.URL, "admin", "secret"), Config{PollInterval: 5 * time.Millisecond, StallTimeout: 30 * time.Millisecond})

	_, err := a.Acquire(context.Background(), &Source{URI: "magnet:?xt=urn:btih:" + testHash, Hash: testHash}, t.TempDir(), 0, nil)
	if !apperrors.IsCode(err, apperrors.CodeDownloadError) {
		t.Fatalf("expected DOWNLOAD_ERROR, got %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("a stalled swarm should be retryable")
	}
}

func TestClient_RenewsExpiredSession(t *testing.T) {
	d := &fakeDaemon{
		steps:    []Status{{State: "downloading", Size: 10}, {State: "downloading", Size: 10}},
		expireAt: 1,
	}
	server := httptest.NewServer(d.handler(t))
	defer server.Close()
	c := NewClient(server.URL, "admin", "secret")

	for i := 0; i < 2; i++ {
		if _, err := c.Info(context.Background(), testHash); err != nil {
			t.Fatalf("Info() #%d error = %v", i, err)
		}
	}
	if d.logins != 2 {
		t.Errorf("logins = %d, want 2", d.logins)
	}
}

func TestClient_LoginRejected(t *testing.T) {
	d := &fakeDaemon{}
	server := httptest.NewServer(d.handler(t))
	defer server.Close()

	err := NewClient(server.URL, "admin", "wrong").Login(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeDaemonUnavailable) {
		t.Errorf("expected DAEMON_UNAVAILABLE, got %v", err)
	}
}

func TestIsSource(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"magnet:?xt=urn:btih:" + testHash, true},
		{"MAGNET:?xt=urn:btih:" + testHash, true},
		{"https://tracker.example.com/files/show.torrent", true},
		{"https://tracker.example.com/files/show.TORRENT?key=1", true},
		{"https://cdn.example.com/show.zip", false},
		{"https://cdn.example.com/torrent", false},
	}
	for _, tt := range tests {
		if got := IsSource(tt.raw); got != tt.want {
			t.Errorf("IsSource(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseSource_Magnet(t *testing.T) {
	src, err := ParseSource(context.Background(), nil, "magnet:?xt=urn:btih:"+testHash+"&dn=Show")
	if err != nil {
		t.Fatalf("ParseSource() error = %v", err)
	}
	if src.Hash != testHash || src.Name != "Show" || !src.IsMagnet() {
		t.Errorf("source = %+v", src)
	}
}

func TestParseSource_TorrentFile(t *testing.T) {
	info := metainfo.Info{Name: "show.mkv", PieceLength: 16384, Length: 10, Pieces: make([]byte, 20)}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		t.Fatalf("write metainfo: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	src, err := ParseSource(context.Background(), server.Client(), server.URL+"/show.torrent")
	if err != nil {
		t.Fatalf("ParseSource() error = %v", err)
	}
	if want := metainfo.HashBytes(infoBytes).HexString(); src.Hash != want {
		t.Errorf("Hash = %s, want %s", src.Hash, want)
	}
	if src.IsMagnet() || src.Name != "show.mkv" {
		t.Errorf("source = %+v", src)
	}
}

func TestContainedPath(t *testing.T) {
	if _, err := containedPath("/downloads/t/j", "../../etc/passwd"); err == nil {
		t.Error("expected traversal to be rejected")
	}
	p, err := containedPath("/downloads/t/j", "Pack/a.mkv")
	if err != nil || p != filepath.Join("/downloads/t/j", "Pack", "a.mkv") {
		t.Errorf("containedPath() = %q, %v", p, err)
	}
}

func TestLargest_TieKeepsFirst(t *testing.T) {
	f, ok := Largest([]File{{Index: 0, Size: 5}, {Index: 1, Size: 5}})
	if !ok || f.Index != 0 {
		t.Errorf("Largest() = %+v, %v", f, ok)
	}
	if _, ok := Largest(nil); ok {
		t.Error("no files should report false")
	}
}
