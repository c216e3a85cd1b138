// Package app_test contains unit tests for the app package.
package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/aggregator"
	"github.com/JakeFAU/comics-crawler/internal/app"
	"github.com/JakeFAU/comics-crawler/internal/config"
	memorypublisher "github.com/JakeFAU/comics-crawler/internal/publisher/memory"
	"github.com/JakeFAU/comics-crawler/internal/recipes"
	localstore "github.com/JakeFAU/comics-crawler/internal/storage/local"
	memorystore "github.com/JakeFAU/comics-crawler/internal/storage/memory"
)

func baseConfig() config.Config {
	return config.Config{
		HTTP:       config.HTTPConfig{TimeoutSeconds: 5, MaxRetries: 0, UserAgent: "comics-test"},
		Aggregator: config.AggregatorConfig{Concurrency: 2, QueueDepth: 4, UnitTimeoutSeconds: 10},
		Downloader: config.DownloaderConfig{MaxImageBytes: 1 << 20},
		Storage:    config.StorageConfig{Backend: config.BackendMemory},
		PubSub:     config.PubSubConfig{TopicName: "comics-releases"},
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// comicServer serves an xkcd-style document and the image it points at.
func comicServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := pngBytes(t)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info.0.json":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"img":        srv.URL + "/comics/strip.png",
				"safe_title": "Strip",
				"alt":        "hover text",
			})
		case "/comics/strip.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewApp_MemoryBackends(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memorystore.Repository{}, a.Repository)
	assert.IsType(t, &memorystore.BlobStore{}, a.Blobs)
	assert.IsType(t, &memorypublisher.Publisher{}, a.Publisher)
	assert.NotNil(t, a.Catalogue)
	assert.NotNil(t, a.Downloader)
	assert.NotNil(t, a.Aggregator)
	assert.ErrorIs(t, a.Migrate(context.Background()), app.ErrNoDatabase)
	assert.NoError(t, a.ServeOps(context.Background()))
}

func TestNewApp_ConfigErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		mutate        func(*config.Config)
		expectedError string
	}{
		{
			name:          "unknown storage backend",
			mutate:        func(c *config.Config) { c.Storage.Backend = "s3" },
			expectedError: "unknown storage backend",
		},
		{
			name:          "local storage without directory",
			mutate:        func(c *config.Config) { c.Storage.Backend = config.BackendLocal },
			expectedError: "init local storage",
		},
		{
			name:          "bad postgres dsn",
			mutate:        func(c *config.Config) { c.DB.DSN = "postgres://%zz" },
			expectedError: "init repository",
		},
		{
			name:          "missing blacklist file",
			mutate:        func(c *config.Config) { c.Blacklist.File = filepath.Join(os.TempDir(), "does-not-exist.txt") },
			expectedError: "load blacklist",
		},
		{
			name: "bad catalogue entry",
			mutate: func(c *config.Config) {
				c.Comics = []config.ComicConfig{{Slug: "x", Recipe: recipes.Definition{Kind: "carrier-pigeon", URL: "u"}}}
			},
			expectedError: "load catalogue",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(&cfg)
			_, err := app.New(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expectedError)
		})
	}
}

func TestApp_CrawlEndToEnd(t *testing.T) {
	t.Parallel()

	srv := comicServer(t)
	cfg := baseConfig()
	cfg.Storage = config.StorageConfig{Backend: config.BackendLocal, BaseDir: t.TempDir()}
	cfg.Comics = []config.ComicConfig{{
		Slug:   "strip",
		Name:   "Strip",
		URL:    srv.URL,
		Recipe: recipes.Definition{Kind: recipes.KindJSON, URL: srv.URL + "/info.0.json"},
	}}

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.IsType(t, &localstore.BlobStore{}, a.Blobs)

	summary, err := a.Aggregator.Run(context.Background(), aggregator.Request{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created, "summary %+v", summary)

	releases, err := a.Repository.ListReleases(context.Background(), "strip")
	require.NoError(t, err)
	require.Len(t, releases, 1)
	img := releases[0].Images[0]
	require.Equal(t, "Strip", img.Title)
	require.Equal(t, "hover text", img.Text)
	require.Equal(t, 3, img.Width)
	require.Equal(t, 2, img.Height)
	require.True(t, strings.HasPrefix(img.File, "file://"+cfg.Storage.BaseDir), img.File)
	_, err = os.Stat(strings.TrimPrefix(img.File, "file://"))
	require.NoError(t, err)

	pub, ok := a.Publisher.(*memorypublisher.Publisher)
	require.True(t, ok)
	require.Len(t, pub.Topic("comics-releases"), 1)

	again, err := a.Aggregator.Run(context.Background(), aggregator.Request{})
	require.NoError(t, err)
	require.Equal(t, 1, again.Skipped, "summary %+v", again)
	require.Len(t, pub.Topic("comics-releases"), 1)
}

func TestApp_CrawlRespectsRobots(t *testing.T) {
	t.Parallel()

	var comicHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		comicHits.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := baseConfig()
	cfg.HTTP.RespectRobots = true
	cfg.Comics = []config.ComicConfig{{
		Slug:   "strip",
		Recipe: recipes.Definition{Kind: recipes.KindJSON, URL: srv.URL + "/info.0.json"},
	}}

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	summary, err := a.Aggregator.Run(context.Background(), aggregator.Request{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed, "summary %+v", summary)
	require.Zero(t, comicHits.Load())
}
