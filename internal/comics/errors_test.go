package comics

import (
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"
)

func TestUnitErrorMatchesKindAndCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	id := NewIdentifier("xkcd", civil.Date{Year: 2024, Month: 3, Day: 1})
	err := fmt.Errorf("crawl: %w", CrawlError(ErrHTTP, id, cause))

	require.ErrorIs(t, err, ErrHTTP)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrCorruptImage)
	require.Equal(t, "xkcd/2024-03-01 crawl: http error: connection reset", errors.Unwrap(err).Error())

	got, ok := IdentifierOf(err)
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestIsExpected(t *testing.T) {
	t.Parallel()

	id := NewIdentifier("xkcd", civil.Date{Year: 2024, Month: 3, Day: 1})
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"release exists", CrawlError(ErrReleaseAlreadyExists, id, nil), true},
		{"image exists", DownloadError(ErrImageAlreadyExists, id, nil), true},
		{"blacklisted", DownloadError(ErrImageBlacklisted, id, nil), true},
		{"outside window", CrawlError(ErrNotHistoryCapable, id, nil), true},
		{"http", DownloadError(ErrHTTP, id, errors.New("503")), false},
		{"corrupt", DownloadError(ErrCorruptImage, id, nil), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsExpected(tc.err))
		})
	}
	require.False(t, IsKnown(errors.New("boom")))
	require.True(t, IsKnown(DownloadError(ErrCorruptImage, id, nil)))
}

func TestIdentifierString(t *testing.T) {
	t.Parallel()

	id := NewIdentifier("dilbert", civil.Date{Year: 2023, Month: 12, Day: 24})
	require.Equal(t, "dilbert/2023-12-24", id.String())
	require.Equal(t, "dilbert/2023-12-24/ab12cd", id.WithChecksum("ab12cdef99").String())
}

func TestComicCovers(t *testing.T) {
	t.Parallel()

	start := civil.Date{Year: 2020, Month: 1, Day: 1}
	end := civil.Date{Year: 2020, Month: 12, Day: 31}
	c := Comic{Slug: "x", StartDate: &start, EndDate: &end}
	require.True(t, c.Covers(civil.Date{Year: 2020, Month: 6, Day: 1}))
	require.False(t, c.Covers(civil.Date{Year: 2019, Month: 12, Day: 31}))
	require.False(t, c.Covers(civil.Date{Year: 2021, Month: 1, Day: 1}))
	require.True(t, Comic{}.Covers(start))
}
