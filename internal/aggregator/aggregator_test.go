package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/comics-crawler/internal/clock/system"
	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/crawler"
	"github.com/JakeFAU/comics-crawler/internal/downloader"
	"github.com/JakeFAU/comics-crawler/internal/fetch"
	"github.com/JakeFAU/comics-crawler/internal/hash/sha256"
	"github.com/JakeFAU/comics-crawler/internal/id/uuid"
	memstore "github.com/JakeFAU/comics-crawler/internal/storage/memory"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func day(d int) civil.Date {
	return civil.Date{Year: 2024, Month: 3, Day: d}
}

func ptr(d civil.Date) *civil.Date {
	return &d
}

// pngFetcher serves a distinct one-pixel PNG for every URL.
type pngFetcher struct{}

func (pngFetcher) Fetch(_ context.Context, req comics.FetchRequest) (comics.FetchResponse, error) {
	sum := crc32.ChecksumIEEE([]byte(req.URL))
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: uint8(sum>>24) | 1})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return comics.FetchResponse{}, err
	}
	return comics.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: buf.Bytes()}, nil
}

// dailyRecipe publishes one image per date and records the dates it was asked for.
type dailyRecipe struct {
	slug  string
	mu    sync.Mutex
	dates []civil.Date
}

func (r *dailyRecipe) Crawl(_ context.Context, _ *fetch.Session, d civil.Date) ([]comics.CrawlerImage, error) {
	r.mu.Lock()
	r.dates = append(r.dates, d)
	r.mu.Unlock()
	return []comics.CrawlerImage{{URL: fmt.Sprintf("https://img.example.com/%s/%s.png", r.slug, d)}}, nil
}

func (r *dailyRecipe) seen() []civil.Date {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]civil.Date(nil), r.dates...)
}

type fakeCatalogue struct {
	comics  []comics.Comic
	recipes map[string]crawler.Recipe
	source  crawler.Source
	repo    *memstore.Repository
}

func (f *fakeCatalogue) Comics(_ context.Context, slugs []string) ([]comics.Comic, error) {
	if len(slugs) == 0 {
		var active []comics.Comic
		for _, c := range f.comics {
			if c.Active {
				active = append(active, c)
			}
		}
		return active, nil
	}
	var out []comics.Comic
	for _, slug := range slugs {
		found := false
		for _, c := range f.comics {
			if c.Slug == slug {
				out = append(out, c)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownComic, slug)
		}
	}
	return out, nil
}

func (f *fakeCatalogue) NewCrawler(c comics.Comic) (*crawler.Crawler, error) {
	recipe, ok := f.recipes[c.Slug]
	if !ok {
		return nil, errors.New("no recipe")
	}
	return crawler.New(c, f.source, recipe, f.repo, pngFetcher{}, system.Fixed{At: now}, zap.NewNop()), nil
}

type env struct {
	repo      *memstore.Repository
	catalogue *fakeCatalogue
	agg       *Aggregator
	logs      *observer.ObservedLogs
}

func newEnv(t *testing.T, recipes map[string]crawler.Recipe, list ...comics.Comic) *env {
	t.Helper()
	repo := memstore.NewRepository()
	cat := &fakeCatalogue{
		comics:  list,
		recipes: recipes,
		source:  crawler.Source{HistoryCapableDays: 10},
		repo:    repo,
	}
	dl := downloader.New(repo, memstore.NewBlobStore(), pngFetcher{}, sha256.New(), nil, nil,
		system.Fixed{At: now}, uuid.New(), downloader.Config{}, nil)
	core, logs := observer.New(zap.DebugLevel)
	agg := New(cat, repo, dl, Config{Concurrency: 2, UnitTimeout: 5 * time.Second}, zap.New(core))
	return &env{repo: repo, catalogue: cat, agg: agg, logs: logs}
}

func active(slug string) comics.Comic {
	return comics.Comic{Slug: slug, Name: slug, Active: true}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	recipe := &dailyRecipe{slug: "xkcd"}
	e := newEnv(t, map[string]crawler.Recipe{"xkcd": recipe}, active("xkcd"))
	req := Request{From: ptr(day(7)), To: ptr(day(9))}

	first, err := e.agg.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, Summary{Comics: 1, Units: 3, Created: 3}, first)
	require.Equal(t, []civil.Date{day(7), day(8), day(9)}, recipe.seen())

	second, err := e.agg.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, Summary{Comics: 1, Units: 3, Skipped: 3}, second)
	require.Len(t, recipe.seen(), 3, "existing releases are skipped before the recipe runs")

	releases, err := e.repo.ListReleases(context.Background(), "xkcd")
	require.NoError(t, err)
	require.Len(t, releases, 3)
	require.Equal(t, 3, e.repo.ImageCount("xkcd"))

	_, saved := e.repo.Comic("xkcd")
	require.True(t, saved)
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()

	healthy := &dailyRecipe{slug: "healthy"}
	panicky := crawler.RecipeFunc(func(_ context.Context, _ *fetch.Session, d civil.Date) ([]comics.CrawlerImage, error) {
		if d == day(8) {
			panic("selector exploded")
		}
		return []comics.CrawlerImage{{URL: "https://img.example.com/panicky/" + d.String() + ".png"}}, nil
	})
	offline := crawler.RecipeFunc(func(ctx context.Context, s *fetch.Session, _ civil.Date) ([]comics.CrawlerImage, error) {
		return nil, &fetch.HTTPError{URL: "https://offline.example.com/", Err: errors.New("connection refused")}
	})
	broken := crawler.RecipeFunc(func(context.Context, *fetch.Session, civil.Date) ([]comics.CrawlerImage, error) {
		return nil, fmt.Errorf("%q: %w", "#comic img", fetch.ErrNoMatch)
	})
	e := newEnv(t, map[string]crawler.Recipe{
		"healthy": healthy,
		"panicky": panicky,
		"offline": offline,
		"broken":  broken,
	}, active("healthy"), active("panicky"), active("offline"), active("broken"))

	summary, err := e.agg.Run(context.Background(), Request{From: ptr(day(7)), To: ptr(day(9))})
	require.NoError(t, err)
	require.Equal(t, Summary{Comics: 4, Units: 12, Created: 5, Failed: 6, Unexpected: 1}, summary)

	releases, err := e.repo.ListReleases(context.Background(), "healthy")
	require.NoError(t, err)
	require.Len(t, releases, 3)
	panickyReleases, err := e.repo.ListReleases(context.Background(), "panicky")
	require.NoError(t, err)
	require.Len(t, panickyReleases, 2)

	panics := e.logs.FilterMessage("unit panicked").All()
	require.Len(t, panics, 1)
	require.Equal(t, zap.ErrorLevel, panics[0].Level)
	failed := e.logs.FilterMessage("unit failed").All()
	require.Len(t, failed, 6)
}

func TestRunLogsExpectedOutcomesAtInfo(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[string]crawler.Recipe{"xkcd": &dailyRecipe{slug: "xkcd"}}, active("xkcd"))
	req := Request{From: ptr(day(9)), To: ptr(day(9))}
	_, err := e.agg.Run(context.Background(), req)
	require.NoError(t, err)
	_, err = e.agg.Run(context.Background(), req)
	require.NoError(t, err)

	skipped := e.logs.FilterMessage("unit skipped").All()
	require.Len(t, skipped, 1)
	require.Equal(t, zap.InfoLevel, skipped[0].Level)
	require.Equal(t, "crawl_release_already_exists", skipped[0].ContextMap()["reason"])
}

func TestRunValidatesRequest(t *testing.T) {
	t.Parallel()

	recipe := &dailyRecipe{slug: "xkcd"}
	e := newEnv(t, map[string]crawler.Recipe{"xkcd": recipe}, active("xkcd"))

	_, err := e.agg.Run(context.Background(), Request{From: ptr(day(9)), To: ptr(day(7))})
	require.ErrorIs(t, err, ErrInvalidDateRange)

	_, err = e.agg.Run(context.Background(), Request{Slugs: []string{"xkcd", "nope"}})
	require.ErrorIs(t, err, ErrUnknownComic)
	require.Empty(t, recipe.seen())
}

func TestRunClampsRangePerComic(t *testing.T) {
	t.Parallel()

	late := &dailyRecipe{slug: "late"}
	ended := &dailyRecipe{slug: "ended"}
	endedComic := active("ended")
	endedComic.EndDate = ptr(day(2))
	startedComic := active("late")
	startedComic.StartDate = ptr(day(8))
	e := newEnv(t, map[string]crawler.Recipe{"late": late, "ended": ended}, startedComic, endedComic)

	// The source window reaches back to February 29th; the request end is clamped to today.
	summary, err := e.agg.Run(context.Background(), Request{From: ptr(day(5)), To: ptr(day(20))})
	require.NoError(t, err)
	require.Equal(t, []civil.Date{day(8), day(9), day(10)}, late.seen())
	require.Empty(t, ended.seen())
	require.Equal(t, 3, summary.Units)
}

func TestRunDefaultsToToday(t *testing.T) {
	t.Parallel()

	recipe := &dailyRecipe{slug: "xkcd"}
	inactive := &dailyRecipe{slug: "retired"}
	retired := active("retired")
	retired.Active = false
	e := newEnv(t, map[string]crawler.Recipe{"xkcd": recipe, "retired": inactive}, active("xkcd"), retired)

	summary, err := e.agg.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, Summary{Comics: 1, Units: 1, Created: 1}, summary)
	require.Equal(t, []civil.Date{day(10)}, recipe.seen())
	require.Empty(t, inactive.seen())

	// Inactive comics still run when named.
	_, err = e.agg.Run(context.Background(), Request{Slugs: []string{"retired"}, To: ptr(day(9))})
	require.NoError(t, err)
	require.Equal(t, []civil.Date{day(9)}, inactive.seen())
}

func TestRunStopsBetweenUnitsWhenCanceled(t *testing.T) {
	t.Parallel()

	recipe := &dailyRecipe{slug: "xkcd"}
	e := newEnv(t, map[string]crawler.Recipe{"xkcd": recipe}, active("xkcd"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := e.agg.Run(ctx, Request{From: ptr(day(1)), To: ptr(day(9))})
	require.NoError(t, err)
	require.Zero(t, summary.Units)
	require.Empty(t, recipe.seen())
}

func TestRunEmptyResult(t *testing.T) {
	t.Parallel()

	quiet := crawler.RecipeFunc(func(context.Context, *fetch.Session, civil.Date) ([]comics.CrawlerImage, error) {
		return nil, nil
	})
	e := newEnv(t, map[string]crawler.Recipe{"quiet": quiet}, active("quiet"))

	summary, err := e.agg.Run(context.Background(), Request{From: ptr(day(9)), To: ptr(day(10))})
	require.NoError(t, err)
	require.Equal(t, Summary{Comics: 1, Units: 2, Empty: 2}, summary)
}
