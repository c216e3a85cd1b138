// Package downloader turns a crawl result into stored, deduplicated images and
// one release. A release and the images it introduces are committed together
// or not at all.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/comics-crawler/internal/comics"
	"github.com/JakeFAU/comics-crawler/internal/metrics"
)

// NotificationType tags release notifications.
const NotificationType = "release.created"

// Config controls Downloader behavior.
type Config struct {
	// MaxImageBytes rejects larger bodies as corrupt; zero disables the check.
	MaxImageBytes int64
	// MaxPixels rejects images whose declared area is larger, before decoding.
	// Zero means DefaultMaxPixels and a negative value disables the check.
	MaxPixels int64
	// Topic receives a notification per created release; empty disables it.
	Topic string
}

// Policy carries the source flags that decide how duplicates are treated.
type Policy struct {
	HasRerunReleases       bool
	MultipleReleasesPerDay bool
}

// Notification is published after a release is committed.
type Notification struct {
	Type      string    `json:"type"`
	ReleaseID string    `json:"release_id"`
	Comic     string    `json:"comic"`
	PubDate   string    `json:"pub_date"`
	Images    []string  `json:"images"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Attributes are attached to the Pub/Sub message for subscription filters.
func (n Notification) Attributes() map[string]string {
	return map[string]string{"type": n.Type, "comic": n.Comic}
}

// Downloader fetches, validates and stores release images.
type Downloader struct {
	repo      comics.Repository
	blobs     comics.BlobStore
	fetcher   comics.Fetcher
	hasher    comics.Hasher
	blacklist comics.Blacklist
	publisher comics.Publisher
	clock     comics.Clock
	ids       comics.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Downloader. blacklist and publisher may be nil.
func New(
	repo comics.Repository,
	blobs comics.BlobStore,
	fetcher comics.Fetcher,
	hasher comics.Hasher,
	blacklist comics.Blacklist,
	publisher comics.Publisher,
	clock comics.Clock,
	ids comics.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPixels == 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	return &Downloader{
		repo:      repo,
		blobs:     blobs,
		fetcher:   fetcher,
		hasher:    hasher,
		blacklist: blacklist,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// staged is an image ready to be linked to the release.
type staged struct {
	image    comics.Image
	existing bool
}

// Ingest stores the images of release and creates the Release row.
func (d *Downloader) Ingest(ctx context.Context, release *comics.CrawlerRelease, policy Policy) (comics.Release, error) {
	if release == nil || len(release.Images) == 0 {
		return comics.Release{}, errors.New("release has no images")
	}
	slug := release.Comic.Slug
	id := release.Identifier()
	logger := d.logger.With(zap.Stringer("identifier", id))

	images := make([]staged, 0, len(release.Images))
	for _, candidate := range release.Images {
		img, err := d.stage(ctx, id, slug, candidate, policy)
		if err != nil {
			return comics.Release{}, err
		}
		images = append(images, img)
	}

	var created comics.Release
	err := d.repo.WithinTx(ctx, slug, func(tx comics.Tx) error {
		if !policy.MultipleReleasesPerDay {
			exists, err := tx.ReleaseExists(ctx, slug, release.PubDate)
			if err != nil {
				return fmt.Errorf("check release: %w", err)
			}
			if exists {
				return comics.CrawlError(comics.ErrReleaseAlreadyExists, id, errors.New("stored by a concurrent run"))
			}
		}
		linked := make([]comics.Image, 0, len(images))
		inTx := make(map[string]comics.Image, len(images))
		for _, s := range images {
			if s.existing {
				linked = append(linked, s.image)
				continue
			}
			// The same image twice in one release is linked twice, stored once.
			if stored, ok := inTx[s.image.Checksum]; ok {
				linked = append(linked, stored)
				continue
			}
			stored, inserted, err := tx.CreateImage(ctx, s.image)
			if err != nil {
				return fmt.Errorf("create image %s: %w", s.image.Checksum, err)
			}
			if !inserted && !policy.HasRerunReleases {
				return comics.DownloadError(comics.ErrImageAlreadyExists, id.WithChecksum(s.image.Checksum),
					errors.New("stored by a concurrent run"))
			}
			inTx[stored.Checksum] = stored
			linked = append(linked, stored)
		}
		releaseID, err := d.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate release id: %w", err)
		}
		created, err = tx.CreateRelease(ctx, comics.Release{
			ID:        releaseID,
			ComicSlug: slug,
			PubDate:   release.PubDate,
			FetchedAt: d.clock.Now().UTC(),
			Images:    linked,
		})
		if err != nil {
			return fmt.Errorf("create release: %w", err)
		}
		return nil
	})
	if err != nil {
		return comics.Release{}, err
	}

	for _, s := range images {
		metrics.ObserveImage(!s.existing)
	}
	logger.Info("release created",
		zap.String("release_id", created.ID),
		zap.Int("images", len(created.Images)),
	)
	d.notify(ctx, created, logger)
	return created, nil
}

// stage fetches and validates one candidate. New images are written to the
// blob store before the transaction opens.
func (d *Downloader) stage(
	ctx context.Context,
	id comics.Identifier,
	slug string,
	candidate comics.CrawlerImage,
	policy Policy,
) (staged, error) {
	resp, err := d.fetcher.Fetch(ctx, comics.FetchRequest{URL: candidate.URL, Headers: candidate.Headers})
	if err != nil {
		return staged{}, comics.DownloadError(comics.ErrHTTP, id, err)
	}
	metrics.ObserveFetch(metrics.SanitizeSite(candidate.URL), len(resp.Body))

	checksum, err := d.hasher.Hash(resp.Body)
	if err != nil {
		return staged{}, fmt.Errorf("hash %s: %w", candidate.URL, err)
	}
	id = id.WithChecksum(checksum)
	logger := d.logger.With(zap.Stringer("identifier", id), zap.String("url", candidate.URL))

	if d.blacklist != nil && d.blacklist.Contains(checksum) {
		return staged{}, comics.DownloadError(comics.ErrImageBlacklisted, id, nil)
	}

	existing, found, err := d.repo.FindImage(ctx, slug, checksum)
	if err != nil {
		return staged{}, fmt.Errorf("find image %s: %w", id, err)
	}
	if found {
		if !policy.HasRerunReleases {
			return staged{}, comics.DownloadError(comics.ErrImageAlreadyExists, id, nil)
		}
		logger.Debug("reusing stored image for rerun")
		return staged{image: existing, existing: true}, nil
	}

	if d.cfg.MaxImageBytes > 0 && int64(len(resp.Body)) > d.cfg.MaxImageBytes {
		return staged{}, comics.DownloadError(comics.ErrCorruptImage, id,
			fmt.Errorf("body is %d bytes, limit %d", len(resp.Body), d.cfg.MaxImageBytes))
	}
	decoded, err := Decode(resp.Body, d.cfg.MaxPixels)
	if err != nil {
		kind := comics.ErrCorruptImage
		if errors.Is(err, comics.ErrUnsupportedImageType) {
			kind = comics.ErrUnsupportedImageType
		}
		return staged{}, comics.DownloadError(kind, id, err)
	}

	uri, err := d.blobs.PutObject(ctx, BlobPath(slug, checksum, decoded.Extension), decoded.ContentType(), bytes.NewReader(resp.Body))
	if err != nil {
		return staged{}, fmt.Errorf("store image %s: %w", id, err)
	}
	imageID, err := d.ids.NewID()
	if err != nil {
		return staged{}, fmt.Errorf("generate image id: %w", err)
	}
	logger.Debug("image stored", zap.String("uri", uri), zap.String("format", decoded.Format))
	return staged{image: comics.Image{
		ID:        imageID,
		ComicSlug: slug,
		Checksum:  checksum,
		File:      uri,
		Format:    decoded.Format,
		Height:    decoded.Height,
		Width:     decoded.Width,
		Title:     candidate.Title,
		Text:      candidate.Text,
		FetchedAt: d.clock.Now().UTC(),
	}}, nil
}

func (d *Downloader) notify(ctx context.Context, release comics.Release, logger *zap.Logger) {
	if d.publisher == nil || d.cfg.Topic == "" {
		return
	}
	checksums := make([]string, 0, len(release.Images))
	for _, img := range release.Images {
		checksums = append(checksums, img.Checksum)
	}
	msgID, err := d.publisher.Publish(ctx, d.cfg.Topic, Notification{
		Type:      NotificationType,
		ReleaseID: release.ID,
		Comic:     release.ComicSlug,
		PubDate:   release.PubDate.String(),
		Images:    checksums,
		FetchedAt: release.FetchedAt,
	})
	metrics.ObservePublish(err == nil)
	if err != nil {
		logger.Warn("release notification failed", zap.Error(err))
		return
	}
	logger.Debug("release notification published", zap.String("message_id", msgID))
}
