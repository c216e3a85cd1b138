package comics

import (
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Comic is a tracked external publication source.
type Comic struct {
	Slug         string      `json:"slug"`
	Name         string      `json:"name"`
	Language     string      `json:"language"`
	URL          string      `json:"url"`
	RightsHolder string      `json:"rights_holder,omitempty"`
	Active       bool        `json:"active"`
	StartDate    *civil.Date `json:"start_date,omitempty"`
	EndDate      *civil.Date `json:"end_date,omitempty"`
}

// Covers reports whether date lies within the comic's own publication span.
func (c Comic) Covers(date civil.Date) bool {
	if c.StartDate != nil && date.Before(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && date.After(*c.EndDate) {
		return false
	}
	return true
}

// Image is one deduplicated, content-addressed artifact.
type Image struct {
	ID        string    `json:"id"`
	ComicSlug string    `json:"comic"`
	Checksum  string    `json:"checksum"`
	File      string    `json:"file"`
	Format    string    `json:"format"`
	Height    int       `json:"height"`
	Width     int       `json:"width"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Release is one dated publication event bundling one or more images.
type Release struct {
	ID        string     `json:"id"`
	ComicSlug string     `json:"comic"`
	PubDate   civil.Date `json:"pub_date"`
	FetchedAt time.Time  `json:"fetched_at"`
	Images    []Image    `json:"images"`
}

// CrawlerImage is a discovered candidate image that has not been stored yet.
type CrawlerImage struct {
	URL     string
	Title   string
	Text    string
	Headers http.Header
}

// Normalize trims title and text.
func (ci CrawlerImage) Normalize() CrawlerImage {
	ci.URL = strings.TrimSpace(ci.URL)
	ci.Title = strings.TrimSpace(ci.Title)
	ci.Text = strings.TrimSpace(ci.Text)
	return ci
}

// CrawlerRelease is what a crawler found for one comic on one date.
type CrawlerRelease struct {
	Comic   Comic
	PubDate civil.Date
	Images  []CrawlerImage
}

// Identifier returns the work-unit identifier of the release.
func (r CrawlerRelease) Identifier() Identifier {
	return NewIdentifier(r.Comic.Slug, r.PubDate)
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
