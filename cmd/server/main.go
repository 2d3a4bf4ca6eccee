package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/gatedl/gatedl/internal/api"
	"github.com/gatedl/gatedl/internal/auth"
	"github.com/gatedl/gatedl/internal/config"
	"github.com/gatedl/gatedl/internal/health"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/websocket"
)

var version = "dev"

const (
	shutdownTimeout     = 30 * time.Second
	queueSampleInterval = 5 * time.Second
)

func main() {
	app := cli.App{
		Name:    "gatedl",
		Usage:   "token-gated download acquisition service",
		Version: version,
		Before: func(c *cli.Context) error {
			cfg := config.Load()
			logger.SetDefault(logger.New(&logger.Config{
				Output: os.Stdout,
				Level:  logger.ParseLevel(cfg.LogLevel),
			}))
			return nil
		},
		Commands: []*cli.Command{{
			Name:  "serve",
			Usage: "run the portal API, the progress websocket and the worker pool",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "no-workers",
					Usage: "serve HTTP only and leave jobs to separate worker processes",
				},
			},
			Action: withCore(serve),
		}, {
			Name:   "worker",
			Usage:  "run the worker pool without the HTTP server",
			Action: withCore(work),
		}, {
			Name:  "migrate",
			Usage: "create or update the database schema",
			Action: func(c *cli.Context) error {
				database, err := openDB(config.Load())
				if err != nil {
					return err
				}
				defer database.Close()
				return database.Migrate()
			},
		}, {
			Name:  "token",
			Usage: "manage access tokens",
			Subcommands: []*cli.Command{{
				Name:    "create",
				Aliases: []string{"add"},
				Usage:   "issue a new access token and print its secret",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "password",
						Usage:    "the password paired with the token",
						EnvVars:  []string{"TOKEN_PASSWORD"},
						Required: true,
					},
					&cli.StringFlag{
						Name:  "max-file-size",
						Usage: "largest single file, e.g. 2GiB",
						Value: "2GiB",
					},
					&cli.StringFlag{
						Name:  "quota",
						Usage: "total bytes the token may download",
						Value: "10GiB",
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "simultaneous active downloads",
						Value: 2,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "how long the token stays valid",
						Value: 7 * 24 * time.Hour,
					},
				},
				Action: withCore(createToken),
			}, {
				Name:   "list",
				Usage:  "list access tokens with their quota usage",
				Action: withCore(listTokens),
			}, {
				Name:  "revoke",
				Usage: "revoke an access token by id",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "the token id", Required: true},
				},
				Action: withCore(func(c *core, ctx *cli.Context) error {
					return c.tokens.Revoke(ctx.Context, ctx.String("id"))
				}),
			}},
		}, {
			Name:  "enqueue",
			Usage: "submit a download on behalf of a token without going through HTTP",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "token-id", Usage: "the access token id", Required: true},
				&cli.StringFlag{Name: "url", Usage: "http(s) URL or magnet link", Required: true},
			},
			Action: withCore(func(c *core, ctx *cli.Context) error {
				d, err := c.service.Submit(ctx.Context, ctx.String("token-id"), ctx.String("url"))
				if err != nil {
					return err
				}
				fmt.Printf("queued %s as %s\n", d.ID, d.Filename)
				return nil
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error(context.Background(), "command failed", err)
		os.Exit(1)
	}
}

func withCore(f func(*core, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx.Context = sigCtx

		c, err := openCore(sigCtx, config.Load())
		if err != nil {
			return err
		}
		defer c.Close()
		return f(c, ctx)
	}
}

func serve(c *core, ctx *cli.Context) error {
	cfg := c.cfg
	log := logger.Default().WithComponent("server")

	if err := c.db.Migrate(); err != nil {
		return err
	}

	acq, err := c.buildAcquisition(ctx.Context)
	if err != nil {
		return err
	}
	defer acq.Close()

	checkerCfg := &health.CheckerConfig{
		DB:           c.db.DB,
		Redis:        c.redis,
		DiskPath:     cfg.DownloadsDir,
		MinFreeBytes: uint64(cfg.MinFreeDiskBytes),
		Version:      version,
	}
	if acq.mirror != nil {
		checkerCfg.StorageCheck = acq.mirror.Ping
	}
	if acq.daemon != nil {
		checkerCfg.DaemonCheck = func(ctx context.Context) error {
			_, err := acq.daemon.Version(ctx)
			return err
		}
	}

	hub := websocket.NewHub(c.metrics)
	authService := c.authService()
	router := api.NewRouter(api.Deps{
		AuthService:     authService,
		Downloads:       c.service,
		Tokens:          c.tokens,
		Health:          health.NewHandler(health.NewChecker(checkerCfg)),
		Metrics:         c.metrics,
		WebSocket:       websocket.NewHandler(hub, authService),
		DownloadsDir:    cfg.DownloadsDir,
		SubmitPerMinute: cfg.SubmitPerMinute,
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx.Context)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return websocket.NewRelay(hub, c.cache).Run(gctx)
	})
	g.Go(func() error {
		sampleQueue(gctx, c)
		return nil
	})

	if !ctx.Bool("no-workers") {
		pool := c.workerPool(acq)
		pool.Start()
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return pool.Stop(stopCtx)
		})
	}

	g.Go(func() error {
		log.Info(gctx, "starting server", map[string]interface{}{
			"addr":    cfg.ServerAddr,
			"version": version,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func work(c *core, ctx *cli.Context) error {
	acq, err := c.buildAcquisition(ctx.Context)
	if err != nil {
		return err
	}
	defer acq.Close()

	pool := c.workerPool(acq)
	pool.Start()

	<-ctx.Context.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// sampleQueue keeps the queue length gauge current
func sampleQueue(ctx context.Context, c *core) {
	ticker := time.NewTicker(queueSampleInterval)
	defer ticker.Stop()
	for {
		if n, err := c.service.QueueLength(ctx); err == nil {
			c.metrics.SetQueueLength(n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func createToken(c *core, ctx *cli.Context) error {
	maxFile, err := humanize.ParseBytes(ctx.String("max-file-size"))
	if err != nil {
		return fmt.Errorf("parsing --max-file-size: %w", err)
	}
	quota, err := humanize.ParseBytes(ctx.String("quota"))
	if err != nil {
		return fmt.Errorf("parsing --quota: %w", err)
	}

	t, err := auth.NewAccessToken(ctx.String("password"), auth.Limits{
		MaxFileSizeBytes:       int64(maxFile),
		TotalQuotaBytes:        int64(quota),
		MaxConcurrentDownloads: ctx.Int("concurrency"),
		TTL:                    ctx.Duration("ttl"),
	})
	if err != nil {
		return err
	}
	if err := c.tokens.Create(ctx.Context, t); err != nil {
		return err
	}

	fmt.Printf("id:      %s\ntoken:   %s\nexpires: %s\n", t.ID, t.Token, t.ExpiresAt.Format(time.RFC3339))
	return nil
}

func listTokens(c *core, ctx *cli.Context) error {
	tokens, err := c.tokens.List(ctx.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOKEN\tSTATUS\tUSED\tQUOTA\tMAX FILE\tEXPIRES")
	for i := range tokens {
		s := tokens[i].Summary()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.TokenPrefix, s.Status,
			humanize.IBytes(uint64(s.UsedBytes)),
			humanize.IBytes(uint64(s.TotalQuotaBytes)),
			humanize.IBytes(uint64(s.MaxFileSizeBytes)),
			humanize.Time(s.ExpiresAt),
		)
	}
	return w.Flush()
}

func secondsOf(n int) time.Duration {
	return time.Duration(n) * time.Second
}
