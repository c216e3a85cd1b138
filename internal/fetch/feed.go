package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/mmcdole/gofeed"
)

// Feed is a lazily fetched RSS or Atom feed.
type Feed struct {
	session *Session
	url     string

	mu      sync.Mutex
	entries []Entry
	loaded  bool
}

// Entry is one feed item.
type Entry struct {
	*gofeed.Item
	base *url.URL
}

// URL returns the feed address.
func (f *Feed) URL() string {
	return f.url
}

// All fetches and parses the feed on first use and returns every entry.
func (f *Feed) All(ctx context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return f.entries, nil
	}
	resp, err := f.session.Get(ctx, f.url)
	if err != nil {
		return nil, err
	}
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", f.url, err)
	}
	base, _ := url.Parse(f.url)
	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entries = append(entries, Entry{Item: item, base: base})
	}
	f.entries = entries
	f.loaded = true
	return f.entries, nil
}

// ForDate returns the entries published (or, lacking that, updated) on date in loc.
func (f *Feed) ForDate(ctx context.Context, date civil.Date, loc *time.Location) ([]Entry, error) {
	all, err := f.All(ctx)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	var out []Entry
	for _, e := range all {
		ts, ok := e.Timestamp()
		if !ok {
			continue
		}
		if civil.DateOf(ts.In(loc)) == date {
			out = append(out, e)
		}
	}
	return out, nil
}

// Timestamp returns the published time, falling back to the updated time.
func (e Entry) Timestamp() (time.Time, bool) {
	switch {
	case e.PublishedParsed != nil:
		return *e.PublishedParsed, true
	case e.UpdatedParsed != nil:
		return *e.UpdatedParsed, true
	default:
		return time.Time{}, false
	}
}

// HasTag reports whether the entry carries tag as a category, ignoring case.
func (e Entry) HasTag(tag string) bool {
	for _, c := range e.Categories {
		if strings.EqualFold(strings.TrimSpace(c), tag) {
			return true
		}
	}
	return false
}

// HTML parses the entry content (falling back to its description) for selector lookups.
func (e Entry) HTML() (Node, error) {
	body := e.Content
	if strings.TrimSpace(body) == "" {
		body = e.Description
	}
	base := e.base
	if e.Link != "" {
		if link, err := url.Parse(e.Link); err == nil {
			if base != nil {
				link = base.ResolveReference(link)
			}
			base = link
		}
	}
	return NewNode(body, base)
}
