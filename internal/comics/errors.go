package comics

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrHTTP                 = errors.New("http error")
	ErrImageURLNotFound     = errors.New("image url not found")
	ErrNotHistoryCapable    = errors.New("not history capable")
	ErrReleaseAlreadyExists = errors.New("release already exists")
	ErrUnsupportedImageType = errors.New("unsupported image type")
	ErrCorruptImage         = errors.New("corrupt image")
	ErrImageAlreadyExists   = errors.New("image already exists")
	ErrImageBlacklisted     = errors.New("image blacklisted")
)

// ErrUnknownComic is returned when a requested slug is not in the catalogue.
var ErrUnknownComic = errors.New("unknown comic")

// Stage names the pipeline step that failed.
type Stage string

// Pipeline stages.
const (
	StageCrawl    Stage = "crawl"
	StageDownload Stage = "download"
)

// UnitError is a failure of one (comic, date) work unit.
type UnitError struct {
	Stage      Stage
	Kind       error
	Identifier Identifier
	Err        error
}

func (e *UnitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Identifier, e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Identifier, e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *UnitError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CrawlError builds a crawl-stage failure.
func CrawlError(kind error, id Identifier, cause error) error {
	return &UnitError{Stage: StageCrawl, Kind: kind, Identifier: id, Err: cause}
}

// DownloadError builds a download-stage failure.
func DownloadError(kind error, id Identifier, cause error) error {
	return &UnitError{Stage: StageDownload, Kind: kind, Identifier: id, Err: cause}
}

// IsExpected reports steady-state outcomes that re-runs produce routinely.
func IsExpected(err error) bool {
	return errors.Is(err, ErrReleaseAlreadyExists) ||
		errors.Is(err, ErrImageAlreadyExists) ||
		errors.Is(err, ErrNotHistoryCapable) ||
		errors.Is(err, ErrImageBlacklisted)
}

// IsKnown reports whether err belongs to the taxonomy at all.
func IsKnown(err error) bool {
	var unitErr *UnitError
	return errors.As(err, &unitErr)
}

// IdentifierOf extracts the work-unit identifier carried by err.
func IdentifierOf(err error) (Identifier, bool) {
	var unitErr *UnitError
	if errors.As(err, &unitErr) {
		return unitErr.Identifier, true
	}
	return Identifier{}, false
}
