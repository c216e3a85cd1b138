package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/policy/ratelimit"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", Timeout: time.Second, MaxBodySize: 1024})
	collector := f.buildCollector(comics.FetchRequest{URL: "https://example.com"}, time.Unix(0, 0),
		&comics.FetchResponse{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if collector.MaxBodySize != 1024 {
		t.Fatalf("expected max body size 1024, got %d", collector.MaxBodySize)
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := comics.FetchRequest{
		URL:     "https://example.com/strip.png",
		Headers: http.Header{"Referer": {"https://example.com/"}, "User-Agent": {"Mozilla/5.0"}},
	}
	var result comics.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{"User-Agent": {"colly"}}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("Referer") != "https://example.com/" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}
	if got := collyReq.Headers.Values("User-Agent"); len(got) != 1 || got[0] != "Mozilla/5.0" {
		t.Fatalf("expected request header to replace default, got %v", got)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"image/png"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/strip.png")},
	})
	if result.StatusCode != http.StatusOK || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	var statusErr *StatusError
	if !errors.As(fetchErr, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status error, got %v", fetchErr)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Comic") != "yes" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("<html>strip</html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "comics-test", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), comics.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"X-Comic": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>strip</html>", string(resp.Body))

	// Same URL twice must not be rejected as already visited.
	_, err = f.Fetch(context.Background(), comics.FetchRequest{URL: srv.URL})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	f := New(Config{
		Timeout: time.Second,
		Retry:   NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
		Limiter: limiter,
	})
	resp, err := f.Fetch(context.Background(), comics.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))
	require.EqualValues(t, 3, calls.Load())
	require.EqualValues(t, 3, limiter.calls.Load())
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, Retry: NewRetryPolicy(3, time.Millisecond, time.Millisecond)})
	_, err := f.Fetch(context.Background(), comics.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchConcurrentCallsShareFetcher(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "comics-test", Timeout: time.Second, MaxBodySize: 1024})
	const workers, calls = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*calls)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				path := fmt.Sprintf("/strip/%d/%d", w, i)
				resp, err := f.Fetch(context.Background(), comics.FetchRequest{URL: srv.URL + path})
				if err != nil {
					errs <- err
					continue
				}
				if string(resp.Body) != path {
					errs <- fmt.Errorf("got body %q for %s", resp.Body, path)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestFetchHonorsRobotsPolicy(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, Robots: denyAll{}})
	_, err := f.Fetch(context.Background(), comics.FetchRequest{URL: srv.URL + "/strip"})
	require.ErrorIs(t, err, ErrDisallowedByRobots)
	require.Zero(t, calls.Load())
}

func TestFetchBlocksHostAfterRepeatedForbidden(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, Blocker: ratelimit.NewBlocker(2)})
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), comics.FetchRequest{URL: srv.URL})
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
	}
	_, err := f.Fetch(context.Background(), comics.FetchRequest{URL: srv.URL + "/other"})
	require.ErrorIs(t, err, ErrHostBlocked)
	require.EqualValues(t, 2, calls.Load())
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(comics.FetchRequest{}, collyReq)
	if len(*collyReq.Headers) != 0 {
		t.Fatalf("expected no headers to be copied, got %+v", *collyReq.Headers)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

type countingLimiter struct {
	calls atomic.Int32
}

type denyAll struct{}

func (denyAll) Allowed(context.Context, string) bool { return false }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls.Add(1)
	return nil
}
