// Package fetch gives crawl recipes declarative access to the feeds, pages and
// JSON documents a source publishes. Everything is fetched lazily and cached
// per Session, so crawling many dates of one comic fetches each URL once.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/JakeFAU/comics-crawler/internal/comics"
)

// HTTPError marks a transport or status failure while fetching a document.
// StatusCode is zero when no response arrived.
type HTTPError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *HTTPError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Session caches parsed documents for one comic's crawl run.
type Session struct {
	fetcher comics.Fetcher
	headers http.Header

	mu    sync.Mutex
	pages map[string]*Page
	feeds map[string]*Feed
	docs  map[string]*jsonDoc
}

// jsonDoc holds the raw body of a JSON document once it has loaded.
type jsonDoc struct {
	mu   sync.Mutex
	body []byte
}

// NewSession creates a session that sends headers with every request.
func NewSession(fetcher comics.Fetcher, headers http.Header) *Session {
	return &Session{
		fetcher: fetcher,
		headers: headers.Clone(),
		pages:   make(map[string]*Page),
		feeds:   make(map[string]*Feed),
		docs:    make(map[string]*jsonDoc),
	}
}

// Headers returns a copy of the session's default request headers.
func (s *Session) Headers() http.Header {
	return s.headers.Clone()
}

// Get fetches rawURL without caching. Failures are returned as *HTTPError.
func (s *Session) Get(ctx context.Context, rawURL string) (comics.FetchResponse, error) {
	resp, err := s.fetcher.Fetch(ctx, comics.FetchRequest{URL: rawURL, Headers: s.headers.Clone()})
	if err != nil {
		return comics.FetchResponse{}, &HTTPError{URL: rawURL, StatusCode: statusOf(err), Err: err}
	}
	return resp, nil
}

// Bytes fetches rawURL without caching and returns the body.
func (s *Session) Bytes(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := s.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func statusOf(err error) int {
	var coded interface{ HTTPStatus() int }
	if errors.As(err, &coded) {
		return coded.HTTPStatus()
	}
	return 0
}

// JSON decodes the document at rawURL into v. The body is fetched once per
// session; a failed fetch is not cached.
func (s *Session) JSON(ctx context.Context, rawURL string, v any) error {
	s.mu.Lock()
	doc, ok := s.docs[rawURL]
	if !ok {
		doc = &jsonDoc{}
		s.docs[rawURL] = doc
	}
	s.mu.Unlock()

	doc.mu.Lock()
	defer doc.mu.Unlock()
	if doc.body == nil {
		resp, err := s.Get(ctx, rawURL)
		if err != nil {
			return err
		}
		doc.body = resp.Body
	}
	if err := json.Unmarshal(doc.body, v); err != nil {
		return fmt.Errorf("decode json from %s: %w", rawURL, err)
	}
	return nil
}

// Page returns the cached page handle for rawURL. Nothing is fetched until it is queried.
func (s *Session) Page(rawURL string) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[rawURL]; ok {
		return p
	}
	p := &Page{session: s, url: rawURL}
	s.pages[rawURL] = p
	return p
}

// Feed returns the cached feed handle for rawURL. Nothing is fetched until it is queried.
func (s *Session) Feed(rawURL string) *Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.feeds[rawURL]; ok {
		return f
	}
	f := &Feed{session: s, url: rawURL}
	s.feeds[rawURL] = f
	return f
}

// Close drops every cached document.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = make(map[string]*Page)
	s.feeds = make(map[string]*Feed)
	s.docs = make(map[string]*jsonDoc)
}
