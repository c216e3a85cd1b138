package comics

import (
	"context"
	"io"
	"time"

	"cloud.google.com/go/civil"
)

// Repository persists comics, releases and images.
type Repository interface {
	SaveComic(ctx context.Context, comic Comic) error
	ReleaseExists(ctx context.Context, slug string, date civil.Date) (bool, error)
	FindImage(ctx context.Context, slug string, checksum string) (Image, bool, error)
	ListReleases(ctx context.Context, slug string) ([]Release, error)
	// WithinTx runs fn in one transaction that is the only writer for slug
	// until it returns. The transaction commits when fn returns nil.
	WithinTx(ctx context.Context, slug string, fn func(tx Tx) error) error
}

// Tx is the transactional view handed to Repository.WithinTx callbacks.
type Tx interface {
	ReleaseExists(ctx context.Context, slug string, date civil.Date) (bool, error)
	FindImage(ctx context.Context, slug string, checksum string) (Image, bool, error)
	// CreateImage inserts img unless (comic, checksum) already exists, in
	// which case the stored row is returned with created=false.
	CreateImage(ctx context.Context, img Image) (stored Image, created bool, err error)
	CreateRelease(ctx context.Context, release Release) (Release, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes release notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher computes content checksums.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Blacklist reports checksums of known-bad placeholder images.
type Blacklist interface {
	Contains(checksum string) bool
}
