// Package postgres provides the Postgres-backed comics repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/comics-crawler/internal/comics"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// pool is satisfied by *pgxpool.Pool and pgxmock pools.
type pool interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Repository implements comics.Repository on Postgres.
type Repository struct {
	pool pool
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repository{pool: p}, nil
}

// NewWithPool constructs a repository from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Repository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: p}, nil
}

// Close releases the underlying pool resources.
func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const upsertComicSQL = `
INSERT INTO comics (slug, name, language, url, rights_holder, active, start_date, end_date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (slug) DO UPDATE SET
	name = EXCLUDED.name,
	language = EXCLUDED.language,
	url = EXCLUDED.url,
	rights_holder = EXCLUDED.rights_holder,
	active = EXCLUDED.active,
	start_date = EXCLUDED.start_date,
	end_date = EXCLUDED.end_date`

// SaveComic inserts or updates a comic row.
func (r *Repository) SaveComic(ctx context.Context, c comics.Comic) error {
	if c.Slug == "" {
		return fmt.Errorf("comic slug is required")
	}
	_, err := r.pool.Exec(ctx, upsertComicSQL,
		c.Slug, c.Name, c.Language, c.URL, c.RightsHolder, c.Active,
		dateArg(c.StartDate), dateArg(c.EndDate),
	)
	if err != nil {
		return fmt.Errorf("upsert comic %s: %w", c.Slug, err)
	}
	return nil
}

// ReleaseExists reports whether a release is stored for slug on date.
func (r *Repository) ReleaseExists(ctx context.Context, slug string, date civil.Date) (bool, error) {
	return releaseExists(ctx, r.pool, slug, date)
}

// FindImage looks an image up by comic and checksum.
func (r *Repository) FindImage(ctx context.Context, slug, checksum string) (comics.Image, bool, error) {
	return findImage(ctx, r.pool, slug, checksum)
}

const listReleasesSQL = `
SELECT r.id, r.pub_date, r.fetched_at,
	i.id, i.comic, i.checksum, i.file, i.format, i.height, i.width, i.title, i.text, i.fetched_at
FROM releases r
JOIN release_images ri ON ri.release_id = r.id
JOIN images i ON i.id = ri.image_id
WHERE r.comic = $1
ORDER BY r.pub_date, r.fetched_at, r.id, ri.position`

// ListReleases returns the releases of slug with their images, oldest first.
func (r *Repository) ListReleases(ctx context.Context, slug string) ([]comics.Release, error) {
	rows, err := r.pool.Query(ctx, listReleasesSQL, slug)
	if err != nil {
		return nil, fmt.Errorf("list releases %s: %w", slug, err)
	}
	defer rows.Close()

	var out []comics.Release
	for rows.Next() {
		var (
			releaseID string
			pubDate   time.Time
			fetchedAt time.Time
			img       comics.Image
		)
		if err := rows.Scan(
			&releaseID, &pubDate, &fetchedAt,
			&img.ID, &img.ComicSlug, &img.Checksum, &img.File, &img.Format,
			&img.Height, &img.Width, &img.Title, &img.Text, &img.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].ID != releaseID {
			out = append(out, comics.Release{
				ID:        releaseID,
				ComicSlug: slug,
				PubDate:   civil.DateOf(pubDate),
				FetchedAt: fetchedAt,
			})
		}
		last := &out[len(out)-1]
		last.Images = append(last.Images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list releases %s: %w", slug, err)
	}
	return out, nil
}

// WithinTx runs fn in a transaction holding the comic's advisory lock, so
// writers for one comic are serialized.
func (r *Repository) WithinTx(ctx context.Context, slug string, fn func(tx comics.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", slug); err != nil {
		return fmt.Errorf("lock comic %s: %w", slug, err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// pgTx implements comics.Tx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ReleaseExists(ctx context.Context, slug string, date civil.Date) (bool, error) {
	return releaseExists(ctx, t.tx, slug, date)
}

func (t *pgTx) FindImage(ctx context.Context, slug, checksum string) (comics.Image, bool, error) {
	return findImage(ctx, t.tx, slug, checksum)
}

const insertImageSQL = `
INSERT INTO images (id, comic, checksum, file, format, height, width, title, text, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (comic, checksum) DO NOTHING`

// CreateImage inserts img. When another run stored the same checksum first,
// the stored row is returned with created=false.
func (t *pgTx) CreateImage(ctx context.Context, img comics.Image) (comics.Image, bool, error) {
	tag, err := t.tx.Exec(ctx, insertImageSQL,
		img.ID, img.ComicSlug, img.Checksum, img.File, img.Format,
		img.Height, img.Width, img.Title, img.Text, img.FetchedAt,
	)
	if err != nil {
		return comics.Image{}, false, fmt.Errorf("insert image: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return img, true, nil
	}
	stored, found, err := findImage(ctx, t.tx, img.ComicSlug, img.Checksum)
	if err != nil {
		return comics.Image{}, false, err
	}
	if !found {
		return comics.Image{}, false, fmt.Errorf("image %s/%s conflicted but is not visible", img.ComicSlug, img.Checksum)
	}
	return stored, false, nil
}

// CreateRelease inserts the release and its ordered image links.
func (t *pgTx) CreateRelease(ctx context.Context, rel comics.Release) (comics.Release, error) {
	if len(rel.Images) == 0 {
		return comics.Release{}, errors.New("release needs at least one image")
	}
	if _, err := t.tx.Exec(ctx,
		"INSERT INTO releases (id, comic, pub_date, fetched_at) VALUES ($1, $2, $3, $4)",
		rel.ID, rel.ComicSlug, rel.PubDate.In(time.UTC), rel.FetchedAt,
	); err != nil {
		return comics.Release{}, fmt.Errorf("insert release: %w", err)
	}
	for i, img := range rel.Images {
		if _, err := t.tx.Exec(ctx,
			"INSERT INTO release_images (release_id, position, image_id) VALUES ($1, $2, $3)",
			rel.ID, i, img.ID,
		); err != nil {
			return comics.Release{}, fmt.Errorf("link image %d: %w", i, err)
		}
	}
	return rel, nil
}

func releaseExists(ctx context.Context, q querier, slug string, date civil.Date) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM releases WHERE comic = $1 AND pub_date = $2)",
		slug, date.In(time.UTC),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check release %s/%s: %w", slug, date, err)
	}
	return exists, nil
}

const findImageSQL = `
SELECT id, comic, checksum, file, format, height, width, title, text, fetched_at
FROM images WHERE comic = $1 AND checksum = $2`

func findImage(ctx context.Context, q querier, slug, checksum string) (comics.Image, bool, error) {
	var img comics.Image
	err := q.QueryRow(ctx, findImageSQL, slug, checksum).Scan(
		&img.ID, &img.ComicSlug, &img.Checksum, &img.File, &img.Format,
		&img.Height, &img.Width, &img.Title, &img.Text, &img.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return comics.Image{}, false, nil
	}
	if err != nil {
		return comics.Image{}, false, fmt.Errorf("find image %s/%s: %w", slug, checksum, err)
	}
	return img, true, nil
}

func dateArg(d *civil.Date) any {
	if d == nil {
		return nil
	}
	return d.In(time.UTC)
}
