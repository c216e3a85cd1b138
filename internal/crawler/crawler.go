package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/fetch"
)

// ReleaseChecker answers whether a release is already stored.
type ReleaseChecker interface {
	ReleaseExists(ctx context.Context, slug string, date civil.Date) (bool, error)
}

// Crawler drives one comic's recipe. Create one per comic per batch run; its
// fetch session caches documents across the dates it crawls.
type Crawler struct {
	comic    comics.Comic
	source   Source
	recipe   Recipe
	releases ReleaseChecker
	clock    comics.Clock
	session  *fetch.Session
	logger   *zap.Logger
}

// New constructs a Crawler.
func New(
	comic comics.Comic,
	source Source,
	recipe Recipe,
	releases ReleaseChecker,
	fetcher comics.Fetcher,
	clock comics.Clock,
	logger *zap.Logger,
) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	headers := http.Header{}
	for key, values := range source.Headers {
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	source.Headers = headers
	return &Crawler{
		comic:    comic,
		source:   source,
		recipe:   recipe,
		releases: releases,
		clock:    clock,
		session:  fetch.NewSession(fetcher, source.Headers),
		logger:   logger.With(zap.String("comic", comic.Slug)),
	}
}

// Comic returns the comic being crawled.
func (c *Crawler) Comic() comics.Comic {
	return c.comic
}

// Source returns the crawl policy.
func (c *Crawler) Source() Source {
	return c.source
}

// CurrentDate is today's date in the source's zone.
func (c *Crawler) CurrentDate() civil.Date {
	return civil.DateOf(c.clock.Now().In(c.source.location()))
}

// HistoryWindowStart is the earliest date the recipe can crawl.
func (c *Crawler) HistoryWindowStart() civil.Date {
	today := c.CurrentDate()
	switch {
	case c.source.HistoryCapableDate != nil:
		if c.source.HistoryCapableDate.After(today) {
			return today
		}
		return *c.source.HistoryCapableDate
	case c.source.HistoryCapableDays > 0:
		return today.AddDays(-c.source.HistoryCapableDays)
	default:
		return today
	}
}

// ResolveTargetDate clamps requested into the crawlable window. A nil request
// means today. Adjustments are logged, never rejected.
func (c *Crawler) ResolveTargetDate(requested *civil.Date) civil.Date {
	today := c.CurrentDate()
	if requested == nil {
		return today
	}
	start := c.HistoryWindowStart()
	switch {
	case requested.Before(start):
		c.logger.Info("adjusting date to start of history window",
			zap.Stringer("requested", requested), zap.Stringer("date", start))
		return start
	case requested.After(today):
		c.logger.Info("adjusting date to current date in source zone",
			zap.Stringer("requested", requested), zap.Stringer("date", today))
		return today
	default:
		return *requested
	}
}

// Crawl asks the recipe for the release published on date. It returns nil
// when the source published nothing.
func (c *Crawler) Crawl(ctx context.Context, date civil.Date) (*comics.CrawlerRelease, error) {
	id := comics.NewIdentifier(c.comic.Slug, date)

	if date.Before(c.HistoryWindowStart()) || date.After(c.CurrentDate()) {
		return nil, comics.CrawlError(comics.ErrNotHistoryCapable, id,
			fmt.Errorf("crawlable window is %s to %s", c.HistoryWindowStart(), c.CurrentDate()))
	}

	if !c.source.MultipleReleasesPerDay {
		exists, err := c.releases.ReleaseExists(ctx, c.comic.Slug, date)
		if err != nil {
			return nil, fmt.Errorf("check existing release %s: %w", id, err)
		}
		if exists {
			return nil, comics.CrawlError(comics.ErrReleaseAlreadyExists, id, nil)
		}
	}

	if !c.source.PublishesOn(date.In(c.source.location()).Weekday()) {
		c.logger.Debug("crawling outside the usual schedule", zap.Stringer("date", date))
	}

	images, err := c.recipe.Crawl(ctx, c.session, date)
	if err != nil {
		return nil, classify(id, err)
	}
	if len(images) == 0 {
		return nil, nil
	}

	out := make([]comics.CrawlerImage, 0, len(images))
	for _, img := range images {
		img = img.Normalize()
		if img.URL == "" {
			return nil, comics.CrawlError(comics.ErrImageURLNotFound, id, errors.New("recipe returned an image without url"))
		}
		img.Headers = c.mergeHeaders(img.Headers)
		out = append(out, img)
	}
	return &comics.CrawlerRelease{Comic: c.comic, PubDate: date, Images: out}, nil
}

// Close drops the session's cached documents.
func (c *Crawler) Close() {
	c.session.Close()
}

// mergeHeaders layers image headers over the source defaults.
func (c *Crawler) mergeHeaders(image http.Header) http.Header {
	merged := c.source.Headers.Clone()
	for key, values := range image {
		merged[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return merged
}

func classify(id comics.Identifier, err error) error {
	var httpErr *fetch.HTTPError
	switch {
	case errors.As(err, &httpErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return comics.CrawlError(comics.ErrHTTP, id, err)
	case comics.IsKnown(err):
		return err
	default:
		return comics.CrawlError(comics.ErrImageURLNotFound, id, err)
	}
}
