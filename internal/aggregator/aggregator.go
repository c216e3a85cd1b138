// Package aggregator walks comics and dates, crawling each (comic, date) unit
// and ingesting what it finds. A failed unit is logged and counted; it never
// stops the others.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/crawler"
	"github.com/JakeFAU/comics-crawler/internal/downloader"
	"github.com/JakeFAU/comics-crawler/internal/queue/memory"
)

// Configuration errors. They are the only errors Run returns.
var (
	ErrUnknownComic     = comics.ErrUnknownComic
	ErrInvalidDateRange = errors.New("invalid date range")
)

// Catalogue resolves comics and builds one crawler per comic.
type Catalogue interface {
	// Comics returns the named comics, or every active comic when slugs is
	// empty. Unknown slugs fail with ErrUnknownComic.
	Comics(ctx context.Context, slugs []string) ([]comics.Comic, error)
	NewCrawler(comic comics.Comic) (*crawler.Crawler, error)
}

// ComicStore persists catalogue entries before they are crawled.
type ComicStore interface {
	SaveComic(ctx context.Context, comic comics.Comic) error
}

// Ingester stores a crawl result.
type Ingester interface {
	Ingest(ctx context.Context, release *comics.CrawlerRelease, policy downloader.Policy) (comics.Release, error)
}

// Config controls parallelism and per-unit limits.
type Config struct {
	// Concurrency is the number of comics crawled at once.
	Concurrency int
	// QueueDepth bounds the comics waiting for a worker.
	QueueDepth int
	// UnitTimeout bounds one (comic, date) unit; zero means no limit.
	UnitTimeout time.Duration
}

// Request selects the comics and dates to crawl. Nil dates mean each comic's
// current date; a nil From with a set To crawls only To.
type Request struct {
	Slugs []string
	From  *civil.Date
	To    *civil.Date
}

// Summary counts unit outcomes of a run.
type Summary struct {
	Comics     int
	Units      int
	Created    int
	Empty      int
	Skipped    int
	Failed     int
	Unexpected int
}

func (s *Summary) add(o Summary) {
	s.Comics += o.Comics
	s.Units += o.Units
	s.Created += o.Created
	s.Empty += o.Empty
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Unexpected += o.Unexpected
}

// Aggregator runs crawl batches.
type Aggregator struct {
	catalogue Catalogue
	store     ComicStore
	ingester  Ingester
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Aggregator. store may be nil when comics are already persisted.
func New(catalogue Catalogue, store ComicStore, ingester Ingester, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		catalogue: catalogue,
		store:     store,
		ingester:  ingester,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run crawls every requested unit. It returns an error only for invalid
// requests; unit failures are reported through the Summary and the log.
func (a *Aggregator) Run(ctx context.Context, req Request) (Summary, error) {
	if req.From != nil && req.To != nil && req.From.After(*req.To) {
		return Summary{}, fmt.Errorf("%w: %s is after %s", ErrInvalidDateRange, req.From, req.To)
	}
	list, err := a.catalogue.Comics(ctx, req.Slugs)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve comics: %w", err)
	}
	a.logger.Info("crawl started", zap.Int("comics", len(list)), zap.Int("workers", a.cfg.Concurrency))

	queue := memory.NewQueue[comics.Comic](a.cfg.QueueDepth)
	var (
		mu      sync.Mutex
		summary Summary
		wg      sync.WaitGroup
	)
	workers := min(a.cfg.Concurrency, len(list))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				comic, err := queue.Dequeue(ctx)
				if err != nil {
					return
				}
				result := a.runComic(ctx, comic, req)
				mu.Lock()
				summary.add(result)
				mu.Unlock()
			}
		}()
	}

	for _, comic := range list {
		if err := queue.Enqueue(ctx, comic); err != nil {
			a.logger.Warn("crawl interrupted before all comics were queued", zap.Error(err))
			break
		}
	}
	queue.Close()
	wg.Wait()

	a.logger.Info("crawl finished",
		zap.Int("comics", summary.Comics),
		zap.Int("units", summary.Units),
		zap.Int("created", summary.Created),
		zap.Int("empty", summary.Empty),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("unexpected", summary.Unexpected),
	)
	return summary, nil
}
