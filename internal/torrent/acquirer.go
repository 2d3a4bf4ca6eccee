package torrent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/models"
)

// Daemon states that end a job
var fatalStates = map[string]bool{
	"error":        true,
	"missingFiles": true,
}

// States in which all wanted pieces are present
var completeStates = map[string]bool{
	"uploading":  true,
	"stalledUP":  true,
	"pausedUP":   true,
	"stoppedUP":  true,
	"queuedUP":   true,
	"forcedUP":   true,
	"checkingUP": true,
}

// Progress is reported once per poll
type Progress struct {
	TotalBytes      int64
	DownloadedBytes int64
	Speed           int64
	ETA             int64
	Torrent         models.TorrentInfo
}

type Sink func(Progress)

// Result names the canonical artifact of a finished torrent
type Result struct {
	Hash     string
	Path     string
	Filename string
	Size     int64
	Files    int
}

type Config struct {
	PollInterval time.Duration
	StallTimeout time.Duration
}

type Acquirer struct {
	daemon Daemon
	cfg    Config
	retry  *apperrors.RetryConfig
	log    *logger.Logger
}

func NewAcquirer(daemon Daemon, cfg Config) *Acquirer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Acquirer{
		daemon: daemon,
		cfg:    cfg,
		retry:  apperrors.DaemonRetryConfig(),
		log:    logger.Default().WithComponent("torrent"),
	}
}

// Acquire adds src, polls until every piece is present and returns the
// largest file. On any failure, cancellation included, the torrent and its
// data are removed from the daemon.
func (a *Acquirer) Acquire(ctx context.Context, src *Source, dir string, maxBytes int64, sink Sink) (*Result, error) {
	if err := apperrors.Retry(ctx, a.retry, func(ctx context.Context) error {
		return a.daemon.Add(ctx, src, dir)
	}); err != nil {
		return nil, err
	}
	a.log.Info(ctx, "torrent added", map[string]interface{}{"hash": src.Hash, "name": src.Name})

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	var (
		lastDone     int64 = -1
		lastProgress       = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			a.discard(ctx, src.Hash)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		st, err := apperrors.RetryWithResult(ctx, a.retry, func(ctx context.Context) (*Status, error) {
			return a.daemon.Info(ctx, src.Hash)
		})
		if err != nil {
			if ctx.Err() != nil {
				a.discard(ctx, src.Hash)
				return nil, ctx.Err()
			}
			return nil, err
		}
		if st == nil {
			// Still fetching metadata
			continue
		}

		if fatalStates[st.State] {
			a.discard(ctx, src.Hash)
			return nil, apperrors.TorrentError(st.State)
		}
		if maxBytes > 0 && st.Size > maxBytes {
			a.discard(ctx, src.Hash)
			return nil, apperrors.SizeExceeded(st.Size, maxBytes)
		}

		done := st.Completed
		if done == 0 && st.Progress > 0 {
			done = int64(st.Progress * float64(st.Size))
		}
		if sink != nil {
			sink(Progress{
				TotalBytes:      st.Size,
				DownloadedBytes: done,
				Speed:           st.DLSpeed,
				ETA:             clampETA(st.ETA),
				Torrent: models.TorrentInfo{
					Hash:        src.Hash,
					Seeders:     st.NumSeeds,
					Peers:       st.NumLeechs,
					UploadSpeed: st.UPSpeed,
				},
			})
		}

		if st.Progress >= 1 || completeStates[st.State] {
			return a.finish(ctx, src, dir)
		}

		if done > lastDone {
			lastDone = done
			lastProgress = time.Now()
		} else if a.cfg.StallTimeout > 0 && time.Since(lastProgress) > a.cfg.StallTimeout {
			a.discard(ctx, src.Hash)
			return nil, apperrors.DownloadError(fmt.Sprintf("torrent stalled for %s", a.cfg.StallTimeout))
		}
	}
}

func (a *Acquirer) finish(ctx context.Context, src *Source, dir string) (*Result, error) {
	files, err := apperrors.RetryWithResult(ctx, a.retry, func(ctx context.Context) ([]File, error) {
		return a.daemon.Files(ctx, src.Hash)
	})
	if err != nil {
		a.discard(ctx, src.Hash)
		return nil, err
	}
	largest, ok := Largest(files)
	if !ok {
		a.discard(ctx, src.Hash)
		return nil, apperrors.TorrentError("torrent has no files")
	}

	path, err := containedPath(dir, largest.Name)
	if err != nil {
		a.discard(ctx, src.Hash)
		return nil, apperrors.TorrentError(err.Error())
	}

	// Drop the torrent so it stops seeding; the data stays on disk.
	if err := a.daemon.Delete(ctx, src.Hash, false); err != nil {
		a.log.Warn(ctx, "failed to remove finished torrent from daemon", map[string]interface{}{
			"hash":  src.Hash,
			"error": err.Error(),
		})
	}

	return &Result{
		Hash:     src.Hash,
		Path:     path,
		Filename: filepath.Base(path),
		Size:     largest.Size,
		Files:    len(files),
	}, nil
}

func (a *Acquirer) discard(ctx context.Context, hash string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.daemon.Delete(cleanupCtx, hash, true); err != nil {
		a.log.Warn(ctx, "failed to remove torrent from daemon", map[string]interface{}{
			"hash":  hash,
			"error": err.Error(),
		})
	}
}

// Largest picks the biggest file; ties go to the earliest index
func Largest(files []File) (File, bool) {
	if len(files) == 0 {
		return File{}, false
	}
	best := files[0]
	for _, f := range files[1:] {
		if f.Size > best.Size {
			best = f
		}
	}
	return best, true
}

// containedPath joins a daemon-reported relative name onto dir, refusing
// names that escape it.
func containedPath(dir, name string) (string, error) {
	p := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file %q escapes the download directory", name)
	}
	return p, nil
}

// qBittorrent reports 8640000 for an unknown ETA
func clampETA(eta int64) int64 {
	if eta < 0 || eta >= 8640000 {
		return 0
	}
	return eta
}
