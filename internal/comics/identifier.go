package comics

import (
	"fmt"

	"cloud.google.com/go/civil"
)

// Identifier correlates log lines to one (comic, date) work unit.
type Identifier struct {
	Slug     string
	Date     civil.Date
	Checksum string
}

// NewIdentifier builds an identifier for a comic and date.
func NewIdentifier(slug string, date civil.Date) Identifier {
	return Identifier{Slug: slug, Date: date}
}

// WithChecksum returns a copy that also names the image content.
func (id Identifier) WithChecksum(checksum string) Identifier {
	id.Checksum = checksum
	return id
}

func (id Identifier) String() string {
	if id.Checksum == "" {
		return fmt.Sprintf("%s/%s", id.Slug, id.Date)
	}
	short := id.Checksum
	if len(short) > 6 {
		short = short[:6]
	}
	return fmt.Sprintf("%s/%s/%s", id.Slug, id.Date, short)
}
