package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gatedl/gatedl/internal/auth"
	"github.com/gatedl/gatedl/internal/cache"
	"github.com/gatedl/gatedl/internal/metrics"
	"github.com/gatedl/gatedl/internal/models"
)

type fakeSessions map[string]string

func (f fakeSessions) ValidateSession(token string) (*auth.Claims, error) {
	if token == "stale" {
		return nil, auth.ErrTokenExpired
	}
	id, ok := f[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{TokenID: id}, nil
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func waitClients(t *testing.T, hub *Hub, tokenID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount(tokenID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ClientCount(%s) = %d, want %d", tokenID, hub.ClientCount(tokenID), want)
}

func TestServeWS_RejectsBadSessions(t *testing.T) {
	hub, _ := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, fakeSessions{}).ServeWS))
	defer srv.Close()

	for _, token := range []string{"", "bogus", "stale"} {
		_, resp, err := dial(t, srv, token)
		if err == nil {
			t.Errorf("token %q: dial succeeded, want rejection", token)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: response = %v, want 401", token, resp)
		}
	}
}

func TestHub_RoutesProgressByToken(t *testing.T) {
	hub, _ := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, fakeSessions{
		"jwt-a": "tok-a",
		"jwt-b": "tok-b",
	}).ServeWS))
	defer srv.Close()

	connA, _, err := dial(t, srv, "jwt-a")
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()
	connB, _, err := dial(t, srv, "jwt-b")
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer connB.Close()

	waitClients(t, hub, "tok-a", 1)
	waitClients(t, hub, "tok-b", 1)
	if got := hub.TotalClients(); got != 2 {
		t.Errorf("TotalClients() = %d, want 2", got)
	}

	hub.BroadcastProgress(&models.ProgressSnapshot{
		JobID:           "job-1",
		TokenID:         "tok-a",
		Status:          models.StatusDownloading,
		DownloadedBytes: 512,
	})

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ProgressMessage
	if err := connA.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != messageTypeProgress || msg.Download == nil || msg.Download.JobID != "job-1" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Download.DownloadedBytes != 512 {
		t.Errorf("DownloadedBytes = %d, want 512", msg.Download.DownloadedBytes)
	}

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Error("token b received token a's progress")
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, _ := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, fakeSessions{"jwt": "tok"}).ServeWS))
	defer srv.Close()

	conn, _, err := dial(t, srv, "jwt")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitClients(t, hub, "tok", 1)

	conn.Close()
	waitClients(t, hub, "tok", 0)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub, cancel := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, fakeSessions{"jwt": "tok"}).ServeWS))
	defer srv.Close()

	conn, _, err := dial(t, srv, "jwt")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitClients(t, hub, "tok", 1)

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Errorf("ReadMessage() error = %v, want close frame", err)
	}

	if hub.Register(NewClient(hub, nil, "late")) {
		t.Error("Register() succeeded on a stopped hub")
	}
}

func TestHub_BroadcastIgnoresUnroutable(t *testing.T) {
	hub := NewHub(metrics.New())
	if hub.BroadcastProgress(nil) {
		t.Error("nil snapshot accepted")
	}
	if hub.BroadcastProgress(&models.ProgressSnapshot{JobID: "j"}) {
		t.Error("snapshot without token accepted")
	}
}

func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6380"
	}
	return url
}

func TestRelay_ForwardsPublishedProgress(t *testing.T) {
	client, err := cache.Connect(context.Background(), getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()
	c := cache.New(client)

	hub, _ := startHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewRelay(hub, c).Run(ctx)

	receiver := NewClient(hub, nil, "relay-tok")
	if !hub.Register(receiver) {
		t.Fatal("Register() failed")
	}

	payload, _ := json.Marshal(&models.ProgressSnapshot{JobID: "relay-job", TokenID: "relay-tok"})
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(3 * time.Second)

	// Publish until the relay's subscription is live
	for {
		select {
		case msg := <-receiver.send:
			if msg.Download.JobID != "relay-job" {
				t.Errorf("JobID = %q, want relay-job", msg.Download.JobID)
			}
			return
		case <-ticker.C:
			c.Publish(ctx, cache.ProgressChannel("relay-tok"), payload)
		case <-timeout:
			t.Fatal("relayed progress never arrived")
		}
	}
}
