// Package progress turns the stream of byte counts produced by fetchers and
// the torrent daemon into throttled ephemeral and durable snapshots.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/gatedl/gatedl/internal/db"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/models"
)

// EphemeralStore is the fast TTL-backed store for live snapshots
type EphemeralStore interface {
	Set(ctx context.Context, snap *models.ProgressSnapshot) error
	Delete(ctx context.Context, jobID string) error
	Announce(ctx context.Context, snap *models.ProgressSnapshot) error
}

// DurableStore is the system of record
type DurableStore interface {
	UpdateProgress(ctx context.Context, id string, p db.ProgressUpdate) error
}

// Config controls write cadence
type Config struct {
	EphemeralInterval time.Duration
	DurableInterval   time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type Publisher struct {
	ephemeral         EphemeralStore
	durable           DurableStore
	ephemeralInterval time.Duration
	durableInterval   time.Duration
	now               func() time.Time
	log               *logger.Logger
}

func NewPublisher(ephemeral EphemeralStore, durable DurableStore, cfg Config) *Publisher {
	if cfg.EphemeralInterval <= 0 {
		cfg.EphemeralInterval = time.Second
	}
	if cfg.DurableInterval <= 0 {
		cfg.DurableInterval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Publisher{
		ephemeral:         ephemeral,
		durable:           durable,
		ephemeralInterval: cfg.EphemeralInterval,
		durableInterval:   cfg.DurableInterval,
		now:               cfg.Clock,
		log:               logger.Default().WithComponent("progress"),
	}
}

// Update is one progress observation from an acquisition strategy
type Update struct {
	TotalBytes      int64
	DownloadedBytes int64
	Speed           int64
	ETA             int64
	Connections     int
	Strategy        string
	Torrent         *models.TorrentInfo
}

// Tracker publishes progress for a single job. It is safe for concurrent use.
type Tracker struct {
	p *Publisher

	mu            sync.Mutex
	snap          models.ProgressSnapshot
	lastEphemeral time.Time
	lastDurable   time.Time
	dirty         bool
	done          bool
}

// Begin writes the initial downloading snapshot and returns the job's tracker
func (p *Publisher) Begin(ctx context.Context, jobID, tokenID string) *Tracker {
	t := &Tracker{
		p: p,
		snap: models.ProgressSnapshot{
			JobID:   jobID,
			TokenID: tokenID,
			Status:  models.StatusDownloading,
		},
	}

	t.mu.Lock()
	now := p.now()
	t.snap.LastUpdate = now.UTC()
	t.lastEphemeral = now
	t.writeEphemeral(ctx)
	t.mu.Unlock()
	return t
}

// Update folds u into the snapshot. downloadedBytes never decreases and never
// exceeds a known total. Writes are throttled to the configured cadence.
func (t *Tracker) Update(ctx context.Context, u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}

	s := &t.snap
	if u.DownloadedBytes > s.DownloadedBytes {
		s.DownloadedBytes = u.DownloadedBytes
	}
	if u.TotalBytes > 0 {
		s.TotalBytes = u.TotalBytes
	}
	if s.TotalBytes > 0 && s.DownloadedBytes > s.TotalBytes {
		s.TotalBytes = s.DownloadedBytes
	}

	s.Speed = u.Speed
	switch {
	case u.ETA > 0:
		s.ETA = u.ETA
	case u.Speed > 0 && s.TotalBytes > 0:
		s.ETA = (s.TotalBytes - s.DownloadedBytes) / u.Speed
	default:
		s.ETA = 0
	}
	s.Connections = u.Connections
	if u.Strategy != "" {
		s.Strategy = u.Strategy
	}
	if u.Torrent != nil {
		tor := *u.Torrent
		s.Torrent = &tor
	}

	now := t.p.now()
	s.LastUpdate = now.UTC()
	t.dirty = true

	if now.Sub(t.lastEphemeral) >= t.p.ephemeralInterval {
		t.lastEphemeral = now
		t.writeEphemeral(ctx)
	}
	if now.Sub(t.lastDurable) >= t.p.durableInterval {
		t.lastDurable = now
		t.writeDurable(ctx)
	}
}

// Snapshot returns a copy of the current snapshot
func (t *Tracker) Snapshot() models.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Flush forces the pending snapshot to the durable store
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirty && !t.done {
		t.lastDurable = t.p.now()
		t.writeDurable(ctx)
	}
}

// Finish removes the ephemeral entry and announces completion
func (t *Tracker) Finish(ctx context.Context, size int64, publicURL string) {
	t.terminate(ctx, func(s *models.ProgressSnapshot) {
		s.Status = models.StatusCompleted
		s.TotalBytes = size
		s.DownloadedBytes = size
		s.PublicURL = publicURL
	})
}

// Fail removes the ephemeral entry and announces the failure message
func (t *Tracker) Fail(ctx context.Context, message string) {
	t.terminate(ctx, func(s *models.ProgressSnapshot) {
		s.Status = models.StatusFailed
		s.Error = message
	})
}

func (t *Tracker) terminate(ctx context.Context, apply func(*models.ProgressSnapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}
	t.done = true

	apply(&t.snap)
	t.snap.Speed = 0
	t.snap.ETA = 0
	t.snap.LastUpdate = t.p.now().UTC()

	// Terminal cleanup must run even if the job context was cancelled.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := t.p.ephemeral.Delete(cleanupCtx, t.snap.JobID); err != nil {
		t.p.log.Warn(ctx, "failed to delete progress key", map[string]interface{}{"error": err.Error()})
	}
	snap := t.snap
	if err := t.p.ephemeral.Announce(cleanupCtx, &snap); err != nil {
		t.p.log.Debug(ctx, "failed to announce terminal progress", map[string]interface{}{"error": err.Error()})
	}
}

func (t *Tracker) writeEphemeral(ctx context.Context) {
	snap := t.snap
	if err := t.p.ephemeral.Set(ctx, &snap); err != nil {
		t.p.log.Warn(ctx, "failed to write ephemeral progress", map[string]interface{}{"error": err.Error()})
	}
}

func (t *Tracker) writeDurable(ctx context.Context) {
	t.dirty = false
	err := t.p.durable.UpdateProgress(ctx, t.snap.JobID, db.ProgressUpdate{
		TotalBytes:      t.snap.TotalBytes,
		DownloadedBytes: t.snap.DownloadedBytes,
		Speed:           t.snap.Speed,
		ETA:             t.snap.ETA,
		Torrent:         t.snap.Torrent,
	})
	if err != nil {
		t.p.log.Warn(ctx, "failed to persist progress", map[string]interface{}{"error": err.Error()})
	}
}
