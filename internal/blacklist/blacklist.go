// Package blacklist holds checksums of images that sources serve in place of a
// real strip: "comic not available" placeholders, error banners and similar.
package blacklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/JakeFAU/comics-crawler/internal/hash/sha256"
)

// Blacklist is an immutable set of content checksums.
type Blacklist struct {
	checksums map[string]struct{}
}

// New builds a blacklist from checksums; blank and malformed values are rejected.
func New(checksums []string) (*Blacklist, error) {
	b := &Blacklist{checksums: make(map[string]struct{}, len(checksums))}
	for _, raw := range checksums {
		if err := b.add(raw); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Load builds a blacklist from checksums plus the lines of path, if set.
// Lines may carry a trailing comment after '#'.
func Load(checksums []string, path string) (*Blacklist, error) {
	b, err := New(checksums)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return b, nil
	}
	f, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open blacklist: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	if err := b.read(f); err != nil {
		return nil, fmt.Errorf("read blacklist %s: %w", path, err)
	}
	return b, nil
}

func (b *Blacklist) read(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if err := b.add(text); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

func (b *Blacklist) add(raw string) error {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return nil
	}
	if !sha256.Valid(value) {
		return fmt.Errorf("invalid checksum %q", raw)
	}
	b.checksums[value] = struct{}{}
	return nil
}

// Contains reports whether checksum is blacklisted.
func (b *Blacklist) Contains(checksum string) bool {
	if b == nil {
		return false
	}
	_, ok := b.checksums[strings.ToLower(checksum)]
	return ok
}

// Len returns the number of checksums.
func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.checksums)
}
