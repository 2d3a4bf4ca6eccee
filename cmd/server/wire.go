package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/gatedl/gatedl/internal/auth"
	"github.com/gatedl/gatedl/internal/browser"
	"github.com/gatedl/gatedl/internal/cache"
	"github.com/gatedl/gatedl/internal/config"
	"github.com/gatedl/gatedl/internal/db"
	"github.com/gatedl/gatedl/internal/download"
	"github.com/gatedl/gatedl/internal/fetch"
	"github.com/gatedl/gatedl/internal/metrics"
	"github.com/gatedl/gatedl/internal/pipeline"
	"github.com/gatedl/gatedl/internal/probe"
	"github.com/gatedl/gatedl/internal/progress"
	"github.com/gatedl/gatedl/internal/storage"
	"github.com/gatedl/gatedl/internal/torrent"
	"github.com/gatedl/gatedl/internal/validators"
)

// core holds the collaborators shared by every subcommand that touches jobs
type core struct {
	cfg       *config.Config
	db        *db.DB
	redis     *redis.Client
	cache     *cache.Cache
	progress  *cache.ProgressStore
	tokens    *db.AccessTokenRepository
	downloads *db.DownloadRepository
	queue     *download.Queue
	service   *download.Service
	metrics   *metrics.Metrics
}

func openCore(ctx context.Context, cfg *config.Config) (*core, error) {
	database, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	rdb, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	c := cache.New(rdb)
	progressStore := cache.NewProgressStore(c, cfg.ProgressTTL)
	tokens := db.NewAccessTokenRepository(database)
	downloads := db.NewDownloadRepository(database)
	queue := download.NewQueue(rdb)

	service := download.NewService(download.ServiceConfig{
		DownloadsDir: cfg.DownloadsDir,
	}, download.ServiceDeps{
		Queue:     queue,
		Tokens:    tokens,
		Downloads: downloads,
		Prober:    probe.New(cfg.UserAgent, cfg.ProbeTimeout),
		URLs:      validators.DefaultRegistry(),
		Progress:  progressStore,
		Events:    c,
	})

	return &core{
		cfg:       cfg,
		db:        database,
		redis:     rdb,
		cache:     c,
		progress:  progressStore,
		tokens:    tokens,
		downloads: downloads,
		queue:     queue,
		service:   service,
		metrics:   metrics.Default(),
	}, nil
}

func (c *core) Close() {
	c.redis.Close()
	c.db.Close()
}

func openDB(cfg *config.Config) (*db.DB, error) {
	database, err := db.New(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return database, nil
}

func (c *core) authService() *auth.Service {
	return auth.NewService(c.tokens, c.cfg.JWTSecret)
}

// acquisition is the worker side: the orchestrator plus the resources it
// has to release on shutdown
type acquisition struct {
	orchestrator *pipeline.Orchestrator
	daemon       *torrent.Client
	mirror       storage.Mirror
	closers      []func() error
}

func (a *acquisition) Close() {
	for _, closeFn := range a.closers {
		closeFn()
	}
}

func (c *core) buildAcquisition(ctx context.Context) (*acquisition, error) {
	cfg := c.cfg
	verifier := pipeline.Verifier{MinBytes: cfg.MinRealFileBytes}

	segmented := fetch.NewSegmentedFetcher(fetch.Aria2Config{
		Path:           cfg.Aria2cPath,
		Segments:       cfg.FetchSegments,
		MinSplit:       cfg.FetchMinSplit,
		MaxTries:       cfg.FetchMaxTries,
		RetryWait:      cfg.FetchRetryWait,
		Timeout:        cfg.FetchTimeout,
		ConnectTimeout: cfg.FetchConnectTimeout,
	})

	acq := &acquisition{}
	strategies := []pipeline.Strategy{
		&pipeline.Segmented{Fetcher: segmented, Verifier: verifier},
	}

	if cfg.ContentProbeEnabled {
		stream, err := fetch.NewStreamFetcher(secondsOf(cfg.FetchConnectTimeout))
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, &pipeline.ContentProbe{Stream: stream, Fetcher: segmented, Verifier: verifier})
	}

	if cfg.BrowserEnabled {
		resolver := browser.NewPlaywrightResolver(browser.Config{
			UserAgent:  cfg.UserAgent,
			Wait:       cfg.BrowserWait,
			BlockHosts: cfg.BrowserBlockHosts,
			MinBytes:   cfg.MinRealFileBytes,
		})
		acq.closers = append(acq.closers, resolver.Close)
		strategies = append(strategies, &pipeline.Browser{Resolver: resolver, Fetcher: segmented, Verifier: verifier})
	}

	mirror, err := storage.FromConfig(ctx, cfg)
	if err != nil {
		acq.Close()
		return nil, fmt.Errorf("configuring artifact mirror: %w", err)
	}

	deps := pipeline.Deps{
		Store: c.downloads,
		Publisher: progress.NewPublisher(c.progress, c.downloads, progress.Config{
			EphemeralInterval: cfg.ProgressEphemeralInterval,
			DurableInterval:   cfg.ProgressDurableInterval,
		}),
		Prober:     probe.New(cfg.UserAgent, cfg.ProbeTimeout),
		Strategies: strategies,
		FreeSpace:  pipeline.DiskFree,
		Metrics:    c.metrics,
	}
	if mirror != nil {
		acq.mirror = mirror
		deps.Mirror = mirror
	}

	if cfg.QbtURL != "" {
		acq.daemon = torrent.NewClient(cfg.QbtURL, cfg.QbtUsername, cfg.QbtPassword)
		deps.Torrents = torrent.NewAcquirer(acq.daemon, torrent.Config{
			PollInterval: cfg.TorrentPollInterval,
			StallTimeout: cfg.TorrentStallTimeout,
		})
		client := &http.Client{Timeout: cfg.ProbeTimeout}
		deps.ParseTorrent = func(ctx context.Context, raw string) (*torrent.Source, error) {
			return torrent.ParseSource(ctx, client, raw)
		}
	}

	acq.orchestrator = pipeline.NewOrchestrator(pipeline.Config{
		DownloadsDir:     cfg.DownloadsDir,
		PublicBaseURL:    cfg.PublicBaseURL,
		UserAgent:        cfg.UserAgent,
		MinRealFileBytes: cfg.MinRealFileBytes,
	}, deps)

	return acq, nil
}

func (c *core) workerPool(acq *acquisition) *download.WorkerPool {
	return download.NewWorkerPool(c.queue, acq.orchestrator.Process, &download.WorkerPoolConfig{
		WorkerCount: c.cfg.WorkerCount,
		MaxAttempts: c.cfg.JobMaxAttempts,
		Backoff:     c.cfg.JobBackoff,
		JobTimeout:  c.cfg.JobTimeout,
		RateLimit:   c.cfg.JobRateLimit,
		OnRetry:     c.service.RecordRetry,
		Metrics:     c.metrics,
	})
}
