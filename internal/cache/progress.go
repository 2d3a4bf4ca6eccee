package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gatedl/gatedl/internal/models"
)

const (
	progressKeyPrefix     = "download:"
	progressKeySuffix     = ":progress"
	progressChannelPrefix = "download:progress:"

	DefaultProgressTTL = 300 * time.Second
)

// ProgressKey is the ephemeral key holding a job's live progress
func ProgressKey(jobID string) string {
	return progressKeyPrefix + jobID + progressKeySuffix
}

// ProgressChannel is the pub/sub channel carrying every progress update for one token
func ProgressChannel(tokenID string) string {
	return progressChannelPrefix + tokenID
}

// ProgressPattern matches the progress channel of every token
const ProgressPattern = progressChannelPrefix + "*"

// ProgressStore keeps ephemeral progress snapshots in Redis. Entries expire
// on their own if a worker dies mid-job.
type ProgressStore struct {
	cache *Cache
	ttl   time.Duration
}

func NewProgressStore(c *Cache, ttl time.Duration) *ProgressStore {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &ProgressStore{cache: c, ttl: ttl}
}

// Set writes the snapshot with the store's TTL and fans it out to listeners
// of the owning token.
func (s *ProgressStore) Set(ctx context.Context, snap *models.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	if err := s.cache.Set(ctx, ProgressKey(snap.JobID), data, s.ttl); err != nil {
		return err
	}

	if snap.TokenID != "" {
		return s.cache.Publish(ctx, ProgressChannel(snap.TokenID), data)
	}
	return nil
}

// Get returns the live snapshot, or nil when none exists
func (s *ProgressStore) Get(ctx context.Context, jobID string) (*models.ProgressSnapshot, error) {
	raw, ok, err := s.cache.Get(ctx, ProgressKey(jobID))
	if err != nil || !ok {
		return nil, err
	}

	var snap models.ProgressSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &snap, nil
}

func (s *ProgressStore) Delete(ctx context.Context, jobID string) error {
	return s.cache.Delete(ctx, ProgressKey(jobID))
}

// Announce publishes a terminal snapshot without storing it, so live
// listeners learn the outcome after the key is gone.
func (s *ProgressStore) Announce(ctx context.Context, snap *models.ProgressSnapshot) error {
	if snap.TokenID == "" {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	return s.cache.Publish(ctx, ProgressChannel(snap.TokenID), data)
}
