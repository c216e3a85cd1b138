package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/civil"

	"github.com/JakeFAU/comics-crawler/internal/comics"
)

// Repository implements comics.Repository in memory. Transactions buffer
// their writes and apply them on commit; one transaction per comic runs at a
// time.
type Repository struct {
	mu       sync.RWMutex
	comics   map[string]comics.Comic
	images   map[string]map[string]comics.Image
	releases map[string][]comics.Release

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		comics:   make(map[string]comics.Comic),
		images:   make(map[string]map[string]comics.Image),
		releases: make(map[string][]comics.Release),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SaveComic inserts or replaces a comic.
func (r *Repository) SaveComic(_ context.Context, comic comics.Comic) error {
	if comic.Slug == "" {
		return errors.New("comic slug is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comics[comic.Slug] = comic
	return nil
}

// Comic returns a stored comic.
func (r *Repository) Comic(slug string) (comics.Comic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.comics[slug]
	return c, ok
}

// ReleaseExists reports whether a release is stored for slug on date.
func (r *Repository) ReleaseExists(_ context.Context, slug string, date civil.Date) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.releaseExistsLocked(slug, date), nil
}

// FindImage looks an image up by its checksum.
func (r *Repository) FindImage(_ context.Context, slug, checksum string) (comics.Image, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[slug][checksum]
	return img, ok, nil
}

// ListReleases returns the releases of slug ordered by date.
func (r *Repository) ListReleases(_ context.Context, slug string) ([]comics.Release, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]comics.Release, 0, len(r.releases[slug]))
	for _, rel := range r.releases[slug] {
		rel.Images = append([]comics.Image(nil), rel.Images...)
		out = append(out, rel)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PubDate.Before(out[j].PubDate)
	})
	return out, nil
}

// ImageCount returns how many images are stored for slug.
func (r *Repository) ImageCount(slug string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.images[slug])
}

// WithinTx runs fn as the only writer for slug and commits its writes when
// fn returns nil.
func (r *Repository) WithinTx(ctx context.Context, slug string, fn func(tx comics.Tx) error) error {
	lock := r.lockFor(slug)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &memTx{repo: r, images: make(map[string]comics.Image)}
	if err := fn(tx); err != nil {
		return err
	}
	r.commit(tx)
	return nil
}

func (r *Repository) lockFor(slug string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[slug]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[slug] = lock
	}
	return lock
}

func (r *Repository) commit(tx *memTx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, img := range tx.images {
		if r.images[img.ComicSlug] == nil {
			r.images[img.ComicSlug] = make(map[string]comics.Image)
		}
		r.images[img.ComicSlug][img.Checksum] = img
	}
	for _, rel := range tx.releases {
		r.releases[rel.ComicSlug] = append(r.releases[rel.ComicSlug], rel)
	}
}

func (r *Repository) releaseExistsLocked(slug string, date civil.Date) bool {
	for _, rel := range r.releases[slug] {
		if rel.PubDate == date {
			return true
		}
	}
	return false
}

// memTx buffers writes until commit.
type memTx struct {
	repo     *Repository
	images   map[string]comics.Image
	releases []comics.Release
}

func imageKey(slug, checksum string) string {
	return slug + "/" + checksum
}

func (t *memTx) ReleaseExists(ctx context.Context, slug string, date civil.Date) (bool, error) {
	for _, rel := range t.releases {
		if rel.ComicSlug == slug && rel.PubDate == date {
			return true, nil
		}
	}
	return t.repo.ReleaseExists(ctx, slug, date)
}

func (t *memTx) FindImage(ctx context.Context, slug, checksum string) (comics.Image, bool, error) {
	if img, ok := t.images[imageKey(slug, checksum)]; ok {
		return img, true, nil
	}
	return t.repo.FindImage(ctx, slug, checksum)
}

func (t *memTx) CreateImage(ctx context.Context, img comics.Image) (comics.Image, bool, error) {
	if img.ComicSlug == "" || img.Checksum == "" {
		return comics.Image{}, false, errors.New("image comic and checksum are required")
	}
	existing, found, err := t.FindImage(ctx, img.ComicSlug, img.Checksum)
	if err != nil {
		return comics.Image{}, false, err
	}
	if found {
		return existing, false, nil
	}
	t.images[imageKey(img.ComicSlug, img.Checksum)] = img
	return img, true, nil
}

func (t *memTx) CreateRelease(_ context.Context, rel comics.Release) (comics.Release, error) {
	if len(rel.Images) == 0 {
		return comics.Release{}, errors.New("release needs at least one image")
	}
	rel.Images = append([]comics.Image(nil), rel.Images...)
	t.releases = append(t.releases, rel)
	return rel, nil
}
