package download

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gatedl/gatedl/internal/artifact"
	"github.com/gatedl/gatedl/internal/cache"
	"github.com/gatedl/gatedl/internal/db"
	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/models"
	"github.com/gatedl/gatedl/internal/probe"
	"github.com/gatedl/gatedl/internal/validators"
)

// TokenStore reads access tokens
type TokenStore interface {
	GetByID(ctx context.Context, id string) (*models.AccessToken, error)
}

// DownloadStore is the durable side of submission and cancellation
type DownloadStore interface {
	Create(ctx context.Context, d *models.Download) error
	GetForToken(ctx context.Context, tokenID, id string) (*models.Download, error)
	ListByToken(ctx context.Context, tokenID string, limit int) ([]models.Download, error)
	CountActive(ctx context.Context, tokenID string) (int, error)
	Fail(ctx context.Context, id, message string) error
	Requeue(ctx context.Context, id, reason string) error
}

type Prober interface {
	Probe(ctx context.Context, rawURL string) probe.Result
}

// URLChecker rejects unsupported or unsafe source URLs
type URLChecker interface {
	Check(url string) (validators.ValidationResult, error)
}

// ProgressReader returns live snapshots, nil when none exists
type ProgressReader interface {
	Get(ctx context.Context, jobID string) (*models.ProgressSnapshot, error)
}

// Subscriber opens pub/sub subscriptions
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// ServiceConfig holds configuration for the download service
type ServiceConfig struct {
	DownloadsDir string
}

// ServiceDeps are the collaborators a Service needs
type ServiceDeps struct {
	Queue     *Queue
	Tokens    TokenStore
	Downloads DownloadStore
	Prober    Prober
	URLs      URLChecker
	Progress  ProgressReader
	Events    Subscriber
}

// Service accepts submissions on behalf of access tokens and answers
// questions about their downloads
type Service struct {
	ServiceDeps
	cfg ServiceConfig
	now func() time.Time
	log *logger.Logger
}

func NewService(cfg ServiceConfig, deps ServiceDeps) *Service {
	if deps.URLs == nil {
		deps.URLs = validators.DefaultRegistry()
	}
	return &Service{
		ServiceDeps: deps,
		cfg:         cfg,
		now:         time.Now,
		log:         logger.Default().WithComponent("download"),
	}
}

// Submit validates rawURL against the token's limits, records a queued
// download and enqueues it
func (s *Service) Submit(ctx context.Context, tokenID, rawURL string) (*models.Download, error) {
	source, err := s.URLs.Check(rawURL)
	if err != nil {
		return nil, err
	}

	token, err := s.usableToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	remaining := token.RemainingBytes()
	if remaining <= 0 {
		return nil, apperrors.QuotaExceeded("download quota exhausted")
	}

	if token.MaxConcurrentDownloads > 0 {
		active, err := s.Downloads.CountActive(ctx, token.ID)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to count active downloads").WithCause(err)
		}
		if active >= token.MaxConcurrentDownloads {
			return nil, apperrors.ConcurrencyLimit(token.MaxConcurrentDownloads)
		}
	}

	var filename string
	switch source.SourceType {
	case validators.SourceMagnet:
		filename = artifact.SanitizeFilename(source.Name)
		if filename == "" {
			filename = artifact.FilenameFromURL(source.URL)
		}
	case validators.SourceTorrent:
		filename = artifact.FilenameFromURL(source.URL)
	default:
		res := s.Prober.Probe(ctx, source.URL)
		if res.ContentLength > 0 {
			if token.MaxFileSizeBytes > 0 && res.ContentLength > token.MaxFileSizeBytes {
				return nil, apperrors.SizeExceeded(res.ContentLength, token.MaxFileSizeBytes)
			}
			if res.ContentLength > remaining {
				return nil, apperrors.QuotaExceeded("file is larger than the remaining quota")
			}
		}
		filename = artifact.FilenameFromURL(res.FinalURL)
	}

	id := uuid.New().String()
	d := &models.Download{
		ID:         id,
		TokenID:    token.ID,
		SourceURL:  source.URL,
		Filename:   filename,
		MaxBytes:   token.MaxFileSizeBytes,
		OutputPath: artifact.Dir(s.cfg.DownloadsDir, token.ID, id),
		Status:     models.StatusQueued,
	}
	if err := s.Downloads.Create(ctx, d); err != nil {
		return nil, apperrors.DatabaseError("failed to record download").WithCause(err)
	}

	job := &DownloadJob{
		ID:        d.ID,
		TokenID:   d.TokenID,
		URL:       d.SourceURL,
		Filename:  d.Filename,
		MaxBytes:  d.MaxBytes,
		OutputDir: d.OutputPath,
	}
	if err := s.Queue.Enqueue(ctx, job); err != nil {
		s.Downloads.Fail(context.WithoutCancel(ctx), d.ID, "failed to queue download")
		return nil, apperrors.InternalError("failed to queue download").WithCause(err)
	}

	s.log.Info(ctx, "download submitted", map[string]interface{}{
		"job_id":   d.ID,
		"token_id": d.TokenID,
		"source":   string(source.SourceType),
		"filename": d.Filename,
	})
	return d, nil
}

func (s *Service) usableToken(ctx context.Context, tokenID string) (*models.AccessToken, error) {
	token, err := s.Tokens.GetByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, db.ErrTokenNotFound) {
			return nil, apperrors.Unauthorized("unknown access token")
		}
		return nil, apperrors.DatabaseError("failed to load access token").WithCause(err)
	}
	if !token.IsUsable(s.now()) {
		status := token.Status
		if status == models.TokenActive {
			status = models.TokenExpired
		}
		return nil, apperrors.TokenInactive(status)
	}
	return token, nil
}

// Get returns one of the token's downloads with live progress folded in
func (s *Service) Get(ctx context.Context, tokenID, jobID string) (*models.Download, error) {
	d, err := s.Downloads.GetForToken(ctx, tokenID, jobID)
	if err != nil {
		if errors.Is(err, db.ErrDownloadNotFound) {
			return nil, apperrors.JobNotFound()
		}
		return nil, apperrors.DatabaseError("failed to load download").WithCause(err)
	}
	s.overlay(ctx, d)
	return d, nil
}

// List returns the token's most recent downloads with live progress
func (s *Service) List(ctx context.Context, tokenID string, limit int) ([]models.Download, error) {
	downloads, err := s.Downloads.ListByToken(ctx, tokenID, limit)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to list downloads").WithCause(err)
	}
	for i := range downloads {
		s.overlay(ctx, &downloads[i])
	}
	return downloads, nil
}

// overlay copies the live snapshot over the durable counters. The durable
// record wins once it is terminal.
func (s *Service) overlay(ctx context.Context, d *models.Download) {
	if s.Progress == nil || d.IsTerminal() {
		return
	}
	snap, err := s.Progress.Get(ctx, d.ID)
	if err != nil || snap == nil {
		return
	}
	if snap.TotalBytes > d.TotalBytes {
		d.TotalBytes = snap.TotalBytes
	}
	if snap.DownloadedBytes > d.DownloadedBytes {
		d.DownloadedBytes = snap.DownloadedBytes
	}
	d.Speed = snap.Speed
	d.ETA = snap.ETA
	if snap.Torrent != nil {
		d.Torrent = snap.Torrent
	}
}

// Cancel stops a queued or running download. A queued job is failed here;
// a running one is interrupted by its worker, which records the failure
// and removes partial files.
func (s *Service) Cancel(ctx context.Context, tokenID, jobID string) error {
	d, err := s.Downloads.GetForToken(ctx, tokenID, jobID)
	if err != nil {
		if errors.Is(err, db.ErrDownloadNotFound) {
			return apperrors.JobNotFound()
		}
		return apperrors.DatabaseError("failed to load download").WithCause(err)
	}
	if d.IsTerminal() {
		return apperrors.Conflict("download already " + d.Status)
	}

	if err := s.Queue.Cancel(ctx, jobID); err != nil {
		return apperrors.InternalError("failed to cancel download").WithCause(err)
	}
	if d.Status == models.StatusQueued {
		if err := s.Downloads.Fail(ctx, jobID, apperrors.Cancelled().Message); err != nil {
			return apperrors.DatabaseError("failed to record cancellation").WithCause(err)
		}
	}

	s.log.Info(ctx, "download cancelled", map[string]interface{}{
		"job_id":   jobID,
		"token_id": tokenID,
		"status":   d.Status,
	})
	return nil
}

// RecordRetry is the worker pool's retry hook: the durable record goes back
// to queued with the reason for the failed attempt
func (s *Service) RecordRetry(ctx context.Context, job *DownloadJob, err error, delay time.Duration) {
	if rqErr := s.Downloads.Requeue(context.WithoutCancel(ctx), job.ID, apperrors.UserMessage(err)); rqErr != nil {
		s.log.Error(ctx, "failed to requeue download record", rqErr)
	}
}

// QueueLength returns the number of waiting jobs, delayed retries included
func (s *Service) QueueLength(ctx context.Context) (int64, error) {
	return s.Queue.QueueLength(ctx)
}

// SubscribeProgress streams every progress snapshot published for tokenID
func (s *Service) SubscribeProgress(ctx context.Context, tokenID string) *ProgressSubscription {
	pubsub := s.Events.Subscribe(ctx, cache.ProgressChannel(tokenID))
	return &ProgressSubscription{
		pubsub: pubsub,
		ch:     pubsub.Channel(),
	}
}
