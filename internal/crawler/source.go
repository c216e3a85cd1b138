package crawler

import (
	"net/http"
	"time"

	"cloud.google.com/go/civil"
)

// Source is the crawl policy of one comic.
type Source struct {
	// Location is the zone the source publishes in; nil means UTC.
	Location *time.Location
	// Schedule lists the weekdays the source usually publishes on. It is
	// informational and never blocks a crawl.
	Schedule []time.Weekday
	// TimeOfDay is when the source usually publishes, e.g. "06:00".
	TimeOfDay string
	// HistoryCapableDate is the earliest date the recipe can crawl.
	HistoryCapableDate *civil.Date
	// HistoryCapableDays is how many days back from today the recipe can
	// crawl. Ignored when HistoryCapableDate is set.
	HistoryCapableDays int
	// HasRerunReleases means old images may be republished as new releases.
	HasRerunReleases bool
	// MultipleReleasesPerDay allows more than one release per date.
	MultipleReleasesPerDay bool
	// Headers are sent with every request, e.g. a browser User-Agent.
	Headers http.Header
}

func (s Source) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// PublishesOn reports whether weekday is part of the schedule. An empty
// schedule means every day.
func (s Source) PublishesOn(weekday time.Weekday) bool {
	if len(s.Schedule) == 0 {
		return true
	}
	for _, d := range s.Schedule {
		if d == weekday {
			return true
		}
	}
	return false
}
