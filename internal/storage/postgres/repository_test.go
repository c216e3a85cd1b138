package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/comics-crawler/internal/comics"
)

var imageColumns = []string{"id", "comic", "checksum", "file", "format", "height", "width", "title", "text", "fetched_at"}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewWithPool(mock)
	require.NoError(t, err)
	return mock, repo
}

func TestSaveComicUpserts(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	start := civil.Date{Year: 1978, Month: 6, Day: 19}
	mock.ExpectExec("INSERT INTO comics").
		WithArgs("garfield", "Garfield", "en", "https://www.gocomics.com/garfield", "Jim Davis", true,
			start.In(time.UTC), nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.SaveComic(context.Background(), comics.Comic{
		Slug:         "garfield",
		Name:         "Garfield",
		Language:     "en",
		URL:          "https://www.gocomics.com/garfield",
		RightsHolder: "Jim Davis",
		Active:       true,
		StartDate:    &start,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, repo.SaveComic(context.Background(), comics.Comic{}))
}

func TestReleaseExists(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	date := civil.Date{Year: 2024, Month: 3, Day: 4}
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("xkcd", date.In(time.UTC)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.ReleaseExists(context.Background(), "xkcd", date)
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindImage(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	fetched := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, comic, checksum").
		WithArgs("xkcd", "abc").
		WillReturnRows(pgxmock.NewRows(imageColumns).
			AddRow("img-1", "xkcd", "abc", "gs://b/xkcd/ab/abc.png", "png", 10, 20, "t", "x", fetched))
	mock.ExpectQuery("SELECT id, comic, checksum").
		WithArgs("xkcd", "missing").
		WillReturnRows(pgxmock.NewRows(imageColumns))

	img, found, err := repo.FindImage(context.Background(), "xkcd", "abc")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, comics.Image{
		ID: "img-1", ComicSlug: "xkcd", Checksum: "abc", File: "gs://b/xkcd/ab/abc.png", Format: "png",
		Height: 10, Width: 20, Title: "t", Text: "x", FetchedAt: fetched,
	}, img)

	_, found, err = repo.FindImage(context.Background(), "xkcd", "missing")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxCommitsReleaseWithImages(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	ctx := context.Background()
	date := civil.Date{Year: 2024, Month: 3, Day: 4}
	now := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)
	fresh := comics.Image{ID: "img-new", ComicSlug: "xkcd", Checksum: "new", File: "f", Format: "png", Height: 1, Width: 1, FetchedAt: now}
	raced := comics.Image{ID: "img-mine", ComicSlug: "xkcd", Checksum: "raced", File: "f2", Format: "gif", Height: 2, Width: 2, FetchedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("xkcd").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO images").
		WithArgs(fresh.ID, fresh.ComicSlug, fresh.Checksum, fresh.File, fresh.Format,
			fresh.Height, fresh.Width, fresh.Title, fresh.Text, fresh.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO images").
		WithArgs(raced.ID, raced.ComicSlug, raced.Checksum, raced.File, raced.Format,
			raced.Height, raced.Width, raced.Title, raced.Text, raced.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id, comic, checksum").WithArgs("xkcd", "raced").
		WillReturnRows(pgxmock.NewRows(imageColumns).
			AddRow("img-theirs", "xkcd", "raced", "f2", "gif", 2, 2, "", "", now))
	mock.ExpectExec("INSERT INTO releases").WithArgs("rel-1", "xkcd", date.In(time.UTC), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO release_images").WithArgs("rel-1", 0, "img-new").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO release_images").WithArgs("rel-1", 1, "img-theirs").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.WithinTx(ctx, "xkcd", func(tx comics.Tx) error {
		first, created, err := tx.CreateImage(ctx, fresh)
		require.NoError(t, err)
		require.True(t, created)

		second, created, err := tx.CreateImage(ctx, raced)
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, "img-theirs", second.ID)

		_, err = tx.CreateRelease(ctx, comics.Release{
			ID: "rel-1", ComicSlug: "xkcd", PubDate: date, FetchedAt: now,
			Images: []comics.Image{first, second},
		})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("xkcd").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	err := repo.WithinTx(context.Background(), "xkcd", func(comics.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReleasesGroupsImages(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	d1 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	at := time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC)
	cols := append([]string{"r_id", "pub_date", "r_fetched_at"}, imageColumns...)
	mock.ExpectQuery("SELECT r.id").WithArgs("xkcd").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("rel-1", d1, at, "img-1", "xkcd", "a", "f", "png", 1, 1, "", "", at).
			AddRow("rel-1", d1, at, "img-2", "xkcd", "b", "f", "png", 1, 1, "", "", at).
			AddRow("rel-2", d2, at, "img-1", "xkcd", "a", "f", "png", 1, 1, "", "", at))

	releases, err := repo.ListReleases(context.Background(), "xkcd")
	require.NoError(t, err)
	require.Len(t, releases, 2)
	require.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 4}, releases[0].PubDate)
	require.Len(t, releases[0].Images, 2)
	require.Equal(t, "img-1", releases[1].Images[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS comics").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
