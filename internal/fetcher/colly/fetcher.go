// Package collyfetcher implements comics.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/metrics"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 20 * 1024 * 1024
)

// Errors returned before any request is sent.
var (
	ErrDisallowedByRobots = errors.New("disallowed by robots.txt")
	ErrHostBlocked        = errors.New("host blocked after repeated 403 responses")
)

// Limiter throttles requests per destination.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, url string) bool
}

// HostBlocker stops fetching from hosts that keep answering 403.
type HostBlocker interface {
	IsBlocked(host string) bool
	MarkForbidden(host string) bool
}

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	Retry       *RetryPolicy
	Limiter     Limiter
	Robots      RobotsPolicy
	Blocker     HostBlocker
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Fetcher implements comics.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	// Clones share the base collector's HTTP backend, so the client is
	// configured here and never touched per request.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes an HTTP GET, retrying transient failures per the configured policy.
func (f *Fetcher) Fetch(ctx context.Context, request comics.FetchRequest) (comics.FetchResponse, error) {
	host := hostOf(request.URL)
	if f.cfg.Blocker != nil && f.cfg.Blocker.IsBlocked(host) {
		metrics.ObserveFetchDenied("blocked")
		return comics.FetchResponse{}, fmt.Errorf("%w: %s", ErrHostBlocked, host)
	}
	if f.cfg.Robots != nil && !f.cfg.Robots.Allowed(ctx, request.URL) {
		metrics.ObserveFetchDenied("robots")
		return comics.FetchResponse{}, fmt.Errorf("%w: %s", ErrDisallowedByRobots, request.URL)
	}
	for attempt := 0; ; attempt++ {
		if f.cfg.Limiter != nil {
			if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
				return comics.FetchResponse{}, err
			}
		}
		resp, err := f.fetchOnce(ctx, request)
		if err == nil {
			return resp, nil
		}
		f.markForbidden(host, err)
		if f.cfg.Retry == nil || !f.cfg.Retry.ShouldRetry(err, attempt+1) {
			return comics.FetchResponse{}, err
		}
		timer := time.NewTimer(f.cfg.Retry.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return comics.FetchResponse{}, fmt.Errorf("retry wait canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request comics.FetchRequest) (comics.FetchResponse, error) {
	var (
		result   comics.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return comics.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request comics.FetchRequest,
	start time.Time,
	result *comics.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.MaxBodySize = f.cfg.MaxBodySize
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request comics.FetchRequest,
	start time.Time,
	result *comics.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = comics.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = &StatusError{URL: request.URL, StatusCode: r.StatusCode}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) markForbidden(host string, err error) {
	var statusErr *StatusError
	if f.cfg.Blocker == nil || !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		return
	}
	f.cfg.Blocker.MarkForbidden(host)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// copyHeaders applies request headers; they replace collector defaults such as User-Agent.
func (f *Fetcher) copyHeaders(request comics.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// IsTransient reports failures worth retrying: timeouts, 5xx and 429.
func IsTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError ||
			statusErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
