// Package catalogue turns configured comic entries into comics and crawlers.
package catalogue

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/config"
	"github.com/JakeFAU/comics-crawler/internal/crawler"
	"github.com/JakeFAU/comics-crawler/internal/recipes"
)

// Entry is one parsed catalogue entry.
type Entry struct {
	Comic  comics.Comic
	Source crawler.Source
	Recipe crawler.Recipe
}

// Catalogue holds the configured comics in configuration order.
type Catalogue struct {
	entries  []Entry
	bySlug   map[string]int
	releases crawler.ReleaseChecker
	fetcher  comics.Fetcher
	clock    comics.Clock
	logger   *zap.Logger
}

// New parses the configured entries.
func New(
	entries []config.ComicConfig,
	releases crawler.ReleaseChecker,
	fetcher comics.Fetcher,
	clock comics.Clock,
	logger *zap.Logger,
) (*Catalogue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalogue{
		entries:  make([]Entry, 0, len(entries)),
		bySlug:   make(map[string]int, len(entries)),
		releases: releases,
		fetcher:  fetcher,
		clock:    clock,
		logger:   logger,
	}
	for _, cfg := range entries {
		if _, dup := c.bySlug[cfg.Slug]; dup {
			return nil, fmt.Errorf("comic %q: duplicate slug", cfg.Slug)
		}
		entry, err := parse(cfg)
		if err != nil {
			return nil, fmt.Errorf("comic %q: %w", cfg.Slug, err)
		}
		c.bySlug[cfg.Slug] = len(c.entries)
		c.entries = append(c.entries, entry)
	}
	return c, nil
}

func parse(cfg config.ComicConfig) (Entry, error) {
	start, err := config.ParseDate(cfg.StartDate)
	if err != nil {
		return Entry{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := config.ParseDate(cfg.EndDate)
	if err != nil {
		return Entry{}, fmt.Errorf("end_date: %w", err)
	}
	historyDate, err := config.ParseDate(cfg.HistoryCapableDate)
	if err != nil {
		return Entry{}, fmt.Errorf("history_capable_date: %w", err)
	}
	schedule, err := config.ParseWeekdays(cfg.Schedule)
	if err != nil {
		return Entry{}, err
	}
	loc := time.UTC
	if cfg.TimeZone != "" {
		if loc, err = time.LoadLocation(cfg.TimeZone); err != nil {
			return Entry{}, fmt.Errorf("time_zone: %w", err)
		}
	}
	recipe, err := recipes.New(cfg.Recipe, loc)
	if err != nil {
		return Entry{}, err
	}
	headers := http.Header{}
	for key, value := range cfg.Headers {
		headers.Set(key, value)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Slug
	}
	return Entry{
		Comic: comics.Comic{
			Slug:         cfg.Slug,
			Name:         name,
			Language:     cfg.Language,
			URL:          cfg.URL,
			RightsHolder: cfg.RightsHolder,
			Active:       cfg.IsActive(),
			StartDate:    start,
			EndDate:      end,
		},
		Source: crawler.Source{
			Location:               loc,
			Schedule:               schedule,
			TimeOfDay:              cfg.TimeOfDay,
			HistoryCapableDate:     historyDate,
			HistoryCapableDays:     cfg.HistoryCapableDays,
			HasRerunReleases:       cfg.HasRerunReleases,
			MultipleReleasesPerDay: cfg.MultipleReleasesPerDay,
			Headers:                headers,
		},
		Recipe: recipe,
	}, nil
}

// Entries returns every entry in configuration order.
func (c *Catalogue) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Comics returns the named comics in the order given, or every active comic
// when slugs is empty. Inactive comics are returned when named.
func (c *Catalogue) Comics(_ context.Context, slugs []string) ([]comics.Comic, error) {
	if len(slugs) == 0 {
		var out []comics.Comic
		for _, e := range c.entries {
			if e.Comic.Active {
				out = append(out, e.Comic)
			}
		}
		return out, nil
	}
	var (
		out     []comics.Comic
		missing []string
		seen    = make(map[string]struct{}, len(slugs))
	)
	for _, slug := range slugs {
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		i, ok := c.bySlug[slug]
		if !ok {
			missing = append(missing, slug)
			continue
		}
		out = append(out, c.entries[i].Comic)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", comics.ErrUnknownComic, strings.Join(missing, ", "))
	}
	return out, nil
}

// NewCrawler builds a fresh crawler for comic. Each call gets its own fetch
// session.
func (c *Catalogue) NewCrawler(comic comics.Comic) (*crawler.Crawler, error) {
	i, ok := c.bySlug[comic.Slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", comics.ErrUnknownComic, comic.Slug)
	}
	e := c.entries[i]
	return crawler.New(e.Comic, e.Source, e.Recipe, c.releases, c.fetcher, c.clock, c.logger.Named("crawler")), nil
}
