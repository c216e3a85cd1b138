// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/aggregator"
	"github.com/JakeFAU/comics-crawler/internal/api"
	"github.com/JakeFAU/comics-crawler/internal/blacklist"
	"github.com/JakeFAU/comics-crawler/internal/catalogue"
	"github.com/JakeFAU/comics-crawler/internal/clock/system"
	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/config"
	"github.com/JakeFAU/comics-crawler/internal/downloader"
	collyfetcher "github.com/JakeFAU/comics-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/comics-crawler/internal/hash/sha256"
	"github.com/JakeFAU/comics-crawler/internal/id/uuid"
	"github.com/JakeFAU/comics-crawler/internal/metrics"
	"github.com/JakeFAU/comics-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/comics-crawler/internal/policy/robots"
	memorypublisher "github.com/JakeFAU/comics-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/comics-crawler/internal/publisher/pubsub"
	gcsstore "github.com/JakeFAU/comics-crawler/internal/storage/gcs"
	localstore "github.com/JakeFAU/comics-crawler/internal/storage/local"
	memorystore "github.com/JakeFAU/comics-crawler/internal/storage/memory"
	"github.com/JakeFAU/comics-crawler/internal/storage/postgres"
)

// ErrNoDatabase is returned by Migrate when no DSN is configured.
var ErrNoDatabase = errors.New("db.dsn is not set")

// App holds the shared, long-lived services of one CLI invocation.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Repository comics.Repository
	Blobs      comics.BlobStore
	Publisher  comics.Publisher
	Catalogue  *catalogue.Catalogue
	Downloader *downloader.Downloader
	Aggregator *aggregator.Aggregator

	postgres *postgres.Repository
	closers  []func() error
}

// New builds every service from cfg. It fails fast when a configured backend
// cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{Config: cfg, Logger: logger}
	logger.Info("initializing application services")

	if err := a.initRepository(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	bl, err := blacklist.Load(cfg.Blacklist.Checksums, cfg.Blacklist.File)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load blacklist: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RateLimit.RequestsPerSecond,
		DefaultBurst: cfg.HTTP.RateLimit.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTPTimeout(),
		MaxBodySize: cfg.MaxBodyBytes(),
		Retry: collyfetcher.NewRetryPolicy(
			cfg.HTTP.MaxRetries+1,
			time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
		),
		Limiter: limiter,
		Robots:  robots.New(cfg.HTTP.RespectRobots, cfg.HTTP.UserAgent, nil, logger.Named("robots")),
		Blocker: blocker(cfg.HTTP.BlockAfterForbidden),
	})
	clock := system.New()

	a.Catalogue, err = catalogue.New(cfg.Comics, a.Repository, fetcher, clock, logger.Named("catalogue"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load catalogue: %w", err)
	}
	a.Downloader = downloader.New(
		a.Repository,
		a.Blobs,
		fetcher,
		sha256.New(),
		bl,
		a.Publisher,
		clock,
		uuid.New(),
		downloader.Config{
			MaxImageBytes: cfg.Downloader.MaxImageBytes,
			Topic:         cfg.PubSub.TopicName,
		},
		logger.Named("downloader"),
	)
	a.Aggregator = aggregator.New(a.Catalogue, a.Repository, a.Downloader, aggregator.Config{
		Concurrency: cfg.Aggregator.Concurrency,
		QueueDepth:  cfg.Aggregator.QueueDepth,
		UnitTimeout: cfg.UnitTimeout(),
	}, logger.Named("aggregator"))

	logger.Info("application services initialized",
		zap.Int("comics", len(cfg.Comics)),
		zap.Int("blacklisted", bl.Len()),
	)
	return a, nil
}

// blocker keeps a disabled Blocker from becoming a non-nil interface holding nil.
func blocker(threshold int) collyfetcher.HostBlocker {
	if b := ratelimit.NewBlocker(threshold); b != nil {
		return b
	}
	return nil
}

func (a *App) initRepository(ctx context.Context) error {
	if a.Config.DB.DSN == "" {
		a.Logger.Info("using in-memory repository; nothing survives this run")
		a.Repository = memorystore.NewRepository()
		return nil
	}
	repo, err := postgres.New(ctx, postgres.Config{
		DSN:             a.Config.DB.DSN,
		MaxConns:        a.Config.DB.MaxConns,
		MinConns:        a.Config.DB.MinConns,
		MaxConnLifetime: time.Duration(a.Config.DB.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	a.Logger.Info("connected to postgres")
	a.postgres = repo
	a.Repository = repo
	a.closers = append(a.closers, func() error {
		repo.Close()
		return nil
	})
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	s := a.Config.Storage
	switch s.Backend {
	case config.BackendMemory:
		a.Blobs = memorystore.NewBlobStore()
	case config.BackendLocal:
		store, err := localstore.New(localstore.Config{BaseDir: s.BaseDir})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.Blobs = store
	case config.BackendGCS:
		store, err := gcsstore.Connect(ctx, gcsstore.Config{Bucket: s.Bucket, Prefix: s.Prefix})
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.Blobs = store
		a.closers = append(a.closers, store.Close)
	default:
		return fmt.Errorf("unknown storage backend %q", s.Backend)
	}
	a.Logger.Info("blob storage ready", zap.String("backend", s.Backend))
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.Config.PubSub.ProjectID == "" {
		a.Publisher = memorypublisher.New()
		return nil
	}
	pub, err := pubsubpublisher.Connect(ctx, a.Config.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub: %w", err)
	}
	a.Logger.Info("publishing release notifications", zap.String("topic", a.Config.PubSub.TopicName))
	a.Publisher = pub
	a.closers = append(a.closers, pub.Close)
	return nil
}

// GetLogger returns the shared logger.
func (a *App) GetLogger() *zap.Logger {
	return a.Logger
}

// Entries returns the parsed catalogue.
func (a *App) Entries() []catalogue.Entry {
	return a.Catalogue.Entries()
}

// Run crawls one batch.
func (a *App) Run(ctx context.Context, req aggregator.Request) (aggregator.Summary, error) {
	return a.Aggregator.Run(ctx, req)
}

// Migrate creates the database schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.postgres == nil {
		return ErrNoDatabase
	}
	if err := a.postgres.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ServeOps runs the ops server until ctx is done. It returns at once when the
// server is disabled.
func (a *App) ServeOps(ctx context.Context) error {
	if a.Config.Server.Port <= 0 {
		return nil
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(a.Config.Server.Port))
	if err != nil {
		return fmt.Errorf("listen ops: %w", err)
	}
	var ready api.Pinger
	if a.postgres != nil {
		ready = a.postgres
	}
	a.Logger.Info("ops server listening", zap.String("addr", ln.Addr().String()))
	return api.NewServer(ready, a.Catalogue, a.Repository, a.Logger.Named("api")).Serve(ctx, ln)
}

// Close shuts down services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}
