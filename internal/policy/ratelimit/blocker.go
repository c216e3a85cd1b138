package ratelimit

import (
	"strings"
	"sync"
)

// Blocker stops traffic to hosts after a number of 403 responses.
type Blocker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

// NewBlocker returns a Blocker that trips after threshold 403s per host.
// A non-positive threshold returns nil, which never blocks.
func NewBlocker(threshold int) *Blocker {
	if threshold <= 0 {
		return nil
	}
	return &Blocker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

// IsBlocked reports whether host has been blocked.
func (b *Blocker) IsBlocked(host string) bool {
	if b == nil || host == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[strings.ToLower(host)]
	return ok
}

// MarkForbidden counts a 403 from host and returns true once it is blocked.
func (b *Blocker) MarkForbidden(host string) bool {
	if b == nil || host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blocked[key]; ok {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}
