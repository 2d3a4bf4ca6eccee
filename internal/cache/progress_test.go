package cache

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/gatedl/gatedl/internal/models"
)

func setupTestStore(t *testing.T, ttl time.Duration) *ProgressStore {
	t.Helper()

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6380"
	}

	client, err := Connect(context.Background(), redisURL)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return NewProgressStore(New(client), ttl)
}

func TestProgressKey(t *testing.T) {
	if got := ProgressKey("abc"); got != "download:abc:progress" {
		t.Errorf("ProgressKey() = %q, want download:abc:progress", got)
	}
	if got := ProgressChannel("tok"); got != "download:progress:tok" {
		t.Errorf("ProgressChannel() = %q", got)
	}
}

func TestProgressStore_SetGetDelete(t *testing.T) {
	store := setupTestStore(t, time.Minute)
	ctx := context.Background()

	snap := &models.ProgressSnapshot{
		JobID:           "test-job-progress",
		Status:          models.StatusDownloading,
		TotalBytes:      100,
		DownloadedBytes: 42,
		LastUpdate:      time.Now().UTC(),
	}

	if err := store.Set(ctx, snap); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, snap.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.DownloadedBytes != 42 {
		t.Fatalf("Get() = %+v, want downloaded 42", got)
	}

	ttl := store.cache.Client().TTL(ctx, ProgressKey(snap.JobID)).Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}

	if err := store.Delete(ctx, snap.JobID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err = store.Get(ctx, snap.JobID)
	if err != nil {
		t.Fatalf("Get() after delete error = %v", err)
	}
	if got != nil {
		t.Errorf("expected no snapshot after delete, got %+v", got)
	}
}

func TestProgressStore_PublishesToTokenChannel(t *testing.T) {
	store := setupTestStore(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := store.cache.Subscribe(ctx, ProgressChannel("tok-pub"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	snap := &models.ProgressSnapshot{JobID: "job-pub", TokenID: "tok-pub", Status: models.StatusDownloading, DownloadedBytes: 7}
	if err := store.Set(ctx, snap); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	defer store.Delete(ctx, snap.JobID)

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	var got models.ProgressSnapshot
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.JobID != "job-pub" || got.DownloadedBytes != 7 {
		t.Errorf("published %+v", got)
	}
}
