package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/crawler"
	"github.com/JakeFAU/comics-crawler/internal/downloader"
	"github.com/JakeFAU/comics-crawler/internal/metrics"
)

// runComic crawls the requested dates of one comic in increasing order.
func (a *Aggregator) runComic(ctx context.Context, comic comics.Comic, req Request) Summary {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := a.logger.With(zap.String("comic", comic.Slug))
	summary := Summary{Comics: 1}

	if a.store != nil {
		if err := a.store.SaveComic(ctx, comic); err != nil {
			logger.Error("failed to save comic", zap.Error(err))
			summary.Failed++
			return summary
		}
	}
	c, err := a.catalogue.NewCrawler(comic)
	if err != nil {
		logger.Error("failed to build crawler", zap.Error(err))
		summary.Failed++
		return summary
	}
	defer c.Close()

	from, to := a.dateRange(c, comic, req)
	if from.After(to) {
		logger.Info("no dates to crawl", zap.Stringer("from", from), zap.Stringer("to", to))
		return summary
	}
	logger.Debug("crawling dates", zap.Stringer("from", from), zap.Stringer("to", to))

	for date := from; !date.After(to); date = date.AddDays(1) {
		if ctx.Err() != nil {
			logger.Info("crawl canceled", zap.Stringer("next_date", date))
			break
		}
		summary.Units++
		switch a.runUnit(ctx, c, comic, date) {
		case metrics.OutcomeCreated:
			summary.Created++
		case metrics.OutcomeEmpty:
			summary.Empty++
		case metrics.OutcomeSkipped:
			summary.Skipped++
		case metrics.OutcomeFailed:
			summary.Failed++
		default:
			summary.Unexpected++
		}
	}
	return summary
}

// dateRange resolves both endpoints through the crawler and narrows them to
// the comic's own publication span.
func (a *Aggregator) dateRange(c *crawler.Crawler, comic comics.Comic, req Request) (civil.Date, civil.Date) {
	requestedFrom := req.From
	if requestedFrom == nil {
		requestedFrom = req.To
	}
	from := c.ResolveTargetDate(requestedFrom)
	to := c.ResolveTargetDate(req.To)
	if comic.StartDate != nil && from.Before(*comic.StartDate) {
		from = *comic.StartDate
	}
	if comic.EndDate != nil && to.After(*comic.EndDate) {
		to = *comic.EndDate
	}
	return from, to
}

// runUnit crawls and ingests one date. The unit runs to completion even when
// ctx is canceled, bounded by the unit timeout.
func (a *Aggregator) runUnit(ctx context.Context, c *crawler.Crawler, comic comics.Comic, date civil.Date) (outcome string) {
	id := comics.NewIdentifier(comic.Slug, date)
	logger := a.logger.With(zap.Stringer("identifier", id))
	started := time.Now()

	unitCtx := context.WithoutCancel(ctx)
	if a.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(unitCtx, a.cfg.UnitTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = metrics.OutcomeUnexpected
			logger.Error("unit panicked", zap.Any("panic", r), zap.Stack("stack"))
			metrics.ObserveUnit(outcome, "panic", time.Since(started))
		}
	}()

	release, err := c.Crawl(unitCtx, date)
	if err == nil && release != nil {
		source := c.Source()
		var stored comics.Release
		stored, err = a.ingester.Ingest(unitCtx, release, downloader.Policy{
			HasRerunReleases:       source.HasRerunReleases,
			MultipleReleasesPerDay: source.MultipleReleasesPerDay,
		})
		if err == nil {
			logger.Info("release stored", zap.String("release_id", stored.ID), zap.Int("images", len(stored.Images)))
		}
	}

	outcome = classify(release, err)
	switch outcome {
	case metrics.OutcomeCreated:
	case metrics.OutcomeEmpty:
		logger.Debug("nothing published")
	case metrics.OutcomeSkipped:
		logger.Info("unit skipped", zap.String("reason", kindOf(err)), zap.String("detail", err.Error()))
	case metrics.OutcomeFailed:
		logger.Error("unit failed", zap.String("kind", kindOf(err)), zap.Error(err))
	default:
		logger.Error("unit failed unexpectedly", zap.Error(err), zap.Stack("stack"))
	}
	metrics.ObserveUnit(outcome, kindOf(err), time.Since(started))
	return outcome
}

func classify(release *comics.CrawlerRelease, err error) string {
	switch {
	case err == nil && release == nil:
		return metrics.OutcomeEmpty
	case err == nil:
		return metrics.OutcomeCreated
	case comics.IsExpected(err):
		return metrics.OutcomeSkipped
	case comics.IsKnown(err):
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeUnexpected
	}
}

// kindOf returns a metric-friendly error kind label.
func kindOf(err error) string {
	if err == nil {
		return "none"
	}
	var unitErr *comics.UnitError
	if !errors.As(err, &unitErr) {
		return "unexpected"
	}
	return fmt.Sprintf("%s_%s", unitErr.Stage, strings.ReplaceAll(unitErr.Kind.Error(), " ", "_"))
}
