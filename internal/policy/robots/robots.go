// Package robots enforces robots.txt directives per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBytes = 1 << 20

// Policy reports whether a URL may be fetched.
type Policy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Enforcer fetches and caches robots.txt once per host.
type Enforcer struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	cache     sync.Map
}

// New returns an Enforcer when respect is set and an allow-all policy otherwise.
// A nil client gets a 10 second default.
func New(respect bool, userAgent string, client *http.Client, logger *zap.Logger) Policy {
	if !respect {
		return allowAll{}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{client: client, userAgent: userAgent, logger: logger}
}

// Allowed implements Policy. An unreachable robots.txt allows access.
func (e *Enforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := e.load(ctx, parsed)
	if err != nil {
		e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	path := parsed.EscapedPath()
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	if data.TestAgent(path, e.userAgent) {
		return true
	}
	e.logger.Info("robots.txt disallows url", zap.String("url", rawURL))
	return false
}

func (e *Enforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if cached, ok := e.cache.Load(key); ok {
		data, ok := cached.(*robotstxt.RobotsData)
		if !ok {
			return nil, fmt.Errorf("robots cache type mismatch: %T", cached)
		}
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	e.cache.Store(key, data)
	return data, nil
}

type allowAll struct{}

func (allowAll) Allowed(context.Context, string) bool { return true }
