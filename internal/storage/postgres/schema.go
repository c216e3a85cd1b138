package postgres

import (
	"context"
	"fmt"
)

// Schema creates the tables the repository needs. Images are unique per
// (comic, checksum); one release per (comic, pub_date) is enforced in code
// because some comics publish several releases a day.
const Schema = `
CREATE TABLE IF NOT EXISTS comics (
	slug          TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	language      TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL DEFAULT '',
	rights_holder TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	start_date    DATE,
	end_date      DATE
);

CREATE TABLE IF NOT EXISTS images (
	id         UUID PRIMARY KEY,
	comic      TEXT NOT NULL REFERENCES comics (slug),
	checksum   TEXT NOT NULL,
	file       TEXT NOT NULL,
	format     TEXT NOT NULL,
	height     INTEGER NOT NULL,
	width      INTEGER NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMPTZ NOT NULL,
	UNIQUE (comic, checksum)
);

CREATE TABLE IF NOT EXISTS releases (
	id         UUID PRIMARY KEY,
	comic      TEXT NOT NULL REFERENCES comics (slug),
	pub_date   DATE NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS releases_comic_pub_date_idx ON releases (comic, pub_date);

CREATE TABLE IF NOT EXISTS release_images (
	release_id UUID NOT NULL REFERENCES releases (id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	image_id   UUID NOT NULL REFERENCES images (id),
	PRIMARY KEY (release_id, position)
);`

// Migrate applies Schema. It is safe to run repeatedly.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
