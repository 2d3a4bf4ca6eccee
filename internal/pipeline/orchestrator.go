// Package pipeline drives a queued download job to a terminal state: it
// probes the source, walks an ordered list of acquisition strategies (or
// hands torrents to the daemon), verifies the artifact and records the
// outcome together with the quota charge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gatedl/gatedl/internal/artifact"
	"github.com/gatedl/gatedl/internal/db"
	"github.com/gatedl/gatedl/internal/download"
	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/fetch"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/metrics"
	"github.com/gatedl/gatedl/internal/models"
	"github.com/gatedl/gatedl/internal/probe"
	"github.com/gatedl/gatedl/internal/progress"
	"github.com/gatedl/gatedl/internal/torrent"
)

// Store is the durable job record the orchestrator owns while a job runs
type Store interface {
	MarkDownloading(ctx context.Context, id string) (*models.Download, error)
	SetRedirectedURL(ctx context.Context, id, redirected string) error
	SetTorrentHash(ctx context.Context, id, hash string) error
	Complete(ctx context.Context, id string, c db.Completion) (bool, error)
	Fail(ctx context.Context, id, message string) error
}

type Prober interface {
	Probe(ctx context.Context, rawURL string) probe.Result
}

type TorrentAcquirer interface {
	Acquire(ctx context.Context, src *torrent.Source, dir string, maxBytes int64, sink torrent.Sink) (*torrent.Result, error)
}

// SourceParser resolves a magnet or .torrent reference to its info hash
type SourceParser func(ctx context.Context, raw string) (*torrent.Source, error)

// Mirror copies finished artifacts to object storage
type Mirror interface {
	Upload(ctx context.Context, key, path string) error
}

type Config struct {
	DownloadsDir     string
	PublicBaseURL    string
	UserAgent        string
	MinRealFileBytes int64
}

// Deps are the collaborators an Orchestrator needs. Torrents, Mirror and
// FreeSpace are optional.
type Deps struct {
	Store        Store
	Publisher    *progress.Publisher
	Prober       Prober
	Strategies   []Strategy
	Torrents     TorrentAcquirer
	ParseTorrent SourceParser
	Mirror       Mirror
	FreeSpace    FreeSpaceFunc
	Metrics      *metrics.Metrics
}

type Orchestrator struct {
	Deps
	cfg      Config
	verifier Verifier
	log      *logger.Logger
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.MinRealFileBytes <= 0 {
		cfg.MinRealFileBytes = DefaultMinRealFileBytes
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	return &Orchestrator{
		Deps:     deps,
		cfg:      cfg,
		verifier: Verifier{MinBytes: cfg.MinRealFileBytes},
		log:      logger.Default().WithComponent("pipeline"),
	}
}

// Process runs job to completion or failure. It is safe to call again for
// a job that already completed: nothing is fetched and no quota is charged.
func (o *Orchestrator) Process(ctx context.Context, job *download.DownloadJob) error {
	ctx = logger.WithJobID(ctx, job.ID)
	started := time.Now()

	if _, err := o.Store.MarkDownloading(ctx, job.ID); err != nil {
		switch {
		case errors.Is(err, db.ErrAlreadyCompleted):
			o.log.Info(ctx, "job already completed, skipping")
			return nil
		case errors.Is(err, db.ErrDownloadNotFound):
			return apperrors.JobNotFound()
		}
		return apperrors.DatabaseError("failed to start download").WithCause(err)
	}

	tracker := o.Publisher.Begin(ctx, job.ID, job.TokenID)
	ws := NewWorkspace(o.cfg.DownloadsDir, job.OutputDir, o.FreeSpace)
	if err := ws.Prepare(); err != nil {
		return o.fail(ctx, job, tracker, ws, "", started, err)
	}

	var (
		art      *Artifact
		filename = job.Filename
		err      error
	)
	if torrent.IsSource(job.URL) && o.Torrents != nil {
		art, filename, err = o.acquireTorrent(ctx, job, tracker, ws)
	} else {
		art, filename, err = o.acquireDirect(ctx, job, tracker, ws)
	}
	if err != nil {
		strategy := ""
		if art != nil {
			strategy = art.Strategy
		}
		return o.fail(ctx, job, tracker, ws, strategy, started, err)
	}

	return o.complete(ctx, job, tracker, ws, art, filename, started)
}

func (o *Orchestrator) acquireDirect(ctx context.Context, job *download.DownloadJob, tracker *progress.Tracker, ws *Workspace) (*Artifact, string, error) {
	target := job.URL
	res := o.Prober.Probe(ctx, job.URL)
	if res.Redirected(job.URL) {
		target = res.FinalURL
		if err := o.Store.SetRedirectedURL(ctx, job.ID, target); err != nil {
			o.log.Warn(ctx, "failed to record redirected URL", map[string]interface{}{"error": err.Error()})
		}
	}
	if res.ContentLength > 0 {
		if job.MaxBytes > 0 && res.ContentLength > job.MaxBytes {
			return nil, "", apperrors.SizeExceeded(res.ContentLength, job.MaxBytes)
		}
		tracker.Update(ctx, progress.Update{TotalBytes: res.ContentLength})
	}
	if err := ws.EnsureSpace(ctx, res.ContentLength); err != nil {
		return nil, "", err
	}

	filename := artifact.WithExtension(job.Filename, target)
	attempt := &Attempt{
		JobID:     job.ID,
		PageURL:   target,
		Target:    Target{URL: target},
		Dir:       ws.Dir,
		Filename:  filename,
		MaxBytes:  job.MaxBytes,
		UserAgent: o.cfg.UserAgent,
		Sink: func(strategy string, ev fetch.Event) {
			if !ev.HasProgress() {
				return
			}
			tracker.Update(ctx, progress.Update{
				TotalBytes:      ev.BytesTotal,
				DownloadedBytes: ev.BytesDone,
				Speed:           ev.Speed,
				ETA:             ev.ETA,
				Connections:     ev.Connections,
				Strategy:        strategy,
			})
		},
	}

	var escalations []*Escalation
	for _, s := range o.Strategies {
		art, err := s.Acquire(ctx, attempt)
		if err == nil {
			o.log.Info(ctx, "strategy produced artifact", map[string]interface{}{
				"strategy": s.Name(),
				"size":     art.Size,
			})
			return art, filename, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		var esc *Escalation
		if !errors.As(err, &esc) {
			return &Artifact{Strategy: s.Name()}, "", err
		}
		escalations = append(escalations, esc)
		o.Metrics.RecordEscalation(s.Name(), esc.Reason)
		o.log.Info(ctx, "escalating", map[string]interface{}{
			"strategy":  s.Name(),
			"reason":    esc.Reason,
			"transient": esc.Transient,
		})
	}
	return nil, "", exhausted(escalations)
}

// exhausted builds the failure once every strategy escalated. When every
// cause looked transient the queue gets a retryable error; otherwise the
// content is treated as blocked.
func exhausted(escalations []*Escalation) error {
	if len(escalations) == 0 {
		return apperrors.DownloadError("no acquisition strategy configured")
	}
	allTransient := true
	reasons := make([]string, 0, len(escalations))
	for _, e := range escalations {
		allTransient = allTransient && e.Transient
		reasons = append(reasons, e.Strategy+": "+e.Reason)
	}
	last := escalations[len(escalations)-1]
	if allTransient {
		return apperrors.DownloadError("source unreachable: " + strings.Join(reasons, ", ")).WithCause(last)
	}
	return apperrors.Blocked("content is blocked or JS-locked: every strategy was refused (" + strings.Join(reasons, ", ") + ")").WithCause(last)
}

func (o *Orchestrator) acquireTorrent(ctx context.Context, job *download.DownloadJob, tracker *progress.Tracker, ws *Workspace) (*Artifact, string, error) {
	parse := o.ParseTorrent
	if parse == nil {
		parse = func(ctx context.Context, raw string) (*torrent.Source, error) {
			return torrent.ParseSource(ctx, nil, raw)
		}
	}
	src, err := parse(ctx, job.URL)
	if err != nil {
		if strings.HasPrefix(strings.ToLower(job.URL), "magnet:") {
			return nil, "", apperrors.TorrentError(err.Error())
		}
		return nil, "", apperrors.DownloadError("failed to load torrent").WithCause(err)
	}
	if err := o.Store.SetTorrentHash(ctx, job.ID, src.Hash); err != nil {
		o.log.Warn(ctx, "failed to record torrent hash", map[string]interface{}{"error": err.Error()})
	}

	res, err := o.Torrents.Acquire(ctx, src, ws.Dir, job.MaxBytes, func(p torrent.Progress) {
		info := p.Torrent
		tracker.Update(ctx, progress.Update{
			TotalBytes:      p.TotalBytes,
			DownloadedBytes: p.DownloadedBytes,
			Speed:           p.Speed,
			ETA:             p.ETA,
			Strategy:        StrategyTorrent,
			Torrent:         &info,
		})
	})
	if err != nil {
		return &Artifact{Strategy: StrategyTorrent}, "", err
	}

	size, err := o.verifier.Check(res.Path, job.MaxBytes)
	if err != nil {
		return &Artifact{Strategy: StrategyTorrent}, "", err
	}

	filename := artifact.SanitizeFilename(res.Filename)
	if filename == "" {
		filename = job.Filename
	}
	return &Artifact{Path: res.Path, Size: size, FinalURL: job.URL, Strategy: StrategyTorrent}, filename, nil
}

func (o *Orchestrator) complete(ctx context.Context, job *download.DownloadJob, tracker *progress.Tracker, ws *Workspace, art *Artifact, filename string, started time.Time) error {
	final, err := ws.Finalize(art.Path, filename)
	if err != nil {
		return o.fail(ctx, job, tracker, ws, art.Strategy, started, err)
	}

	publicURL := artifact.PublicPath(o.cfg.PublicBaseURL, job.TokenID, job.ID, filename)

	// The record and the quota must land even if the job was cancelled at
	// the last moment; the file is already in place.
	storeCtx := context.WithoutCancel(ctx)
	applied, err := apperrors.RetryWithResult(storeCtx, apperrors.DefaultRetryConfig(), func(ctx context.Context) (bool, error) {
		applied, err := o.Store.Complete(ctx, job.ID, db.Completion{
			Filename:  filename,
			Size:      art.Size,
			PublicURL: publicURL,
			Strategy:  art.Strategy,
		})
		if err != nil {
			return false, apperrors.InternalError("failed to record completion").WithCause(err)
		}
		return applied, nil
	})
	if err != nil {
		return o.fail(ctx, job, tracker, ws, art.Strategy, started, err)
	}

	tracker.Finish(ctx, art.Size, publicURL)
	o.Metrics.RecordOutcome(art.Strategy, models.StatusCompleted, time.Since(started))
	if applied {
		o.Metrics.AddBytes(art.Size)
	}
	o.log.Info(ctx, "download completed", map[string]interface{}{
		"token_id":     job.TokenID,
		"strategy":     art.Strategy,
		"size":         art.Size,
		"quota_charge": applied,
	})

	if o.Mirror != nil {
		key := job.TokenID + "/" + job.ID + "/" + filename
		if err := apperrors.Retry(storeCtx, apperrors.StorageRetryConfig(), func(ctx context.Context) error {
			return o.Mirror.Upload(ctx, key, final)
		}); err != nil {
			o.log.Error(ctx, "failed to mirror artifact", err, map[string]interface{}{"key": key})
		}
	}
	return nil
}

// fail records the failure, removes partial files and returns the error the
// queue should see.
func (o *Orchestrator) fail(ctx context.Context, job *download.DownloadJob, tracker *progress.Tracker, ws *Workspace, strategy string, started time.Time, err error) error {
	err = o.classifyInterruption(ctx, err)
	message := apperrors.UserMessage(err)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if rmErr := ws.Discard(); rmErr != nil {
		o.log.Warn(ctx, "failed to remove workspace", map[string]interface{}{"error": rmErr.Error()})
	}
	if dbErr := o.Store.Fail(cleanupCtx, job.ID, message); dbErr != nil {
		o.log.Error(ctx, "failed to record failure", dbErr)
	}
	tracker.Fail(cleanupCtx, message)

	o.Metrics.RecordOutcome(strategy, models.StatusFailed, time.Since(started))
	o.log.Warn(ctx, "download failed", map[string]interface{}{
		"token_id": job.TokenID,
		"strategy": strategy,
		"error":    err.Error(),
	})
	return err
}

// classifyInterruption maps a context ending into an application error
func (o *Orchestrator) classifyInterruption(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	switch {
	case apperrors.IsCode(cause, apperrors.CodeCancelled):
		return apperrors.Cancelled()
	case errors.Is(cause, context.DeadlineExceeded):
		return apperrors.ExternalTimeout("download")
	default:
		return apperrors.DownloadError(fmt.Sprintf("download interrupted: %v", cause))
	}
}
