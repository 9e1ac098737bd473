// Package blacklist tracks excluded (channel, model) pairs — the
// Blacklist component. Cool-off duration and shape depend on the error
// kind that triggered the entry (§7): most entries expire on their own,
// but an auth failure blacklists permanently until the key is
// re-validated and the entry is explicitly Removed.
package blacklist

import (
	"sync"
	"time"

	"github.com/ferro-labs/ai-gateway/internal/routeerr"
)

const (
	rateLimitCoolOff = 60 * time.Second
	serverErrorBase  = 30 * time.Second
	serverErrorMax   = 5 * time.Minute
)

type entry struct {
	expiresAt       time.Time
	consecutiveHits int
	permanent       bool
}

// List is the mutex-guarded set of currently blacklisted (channel, model)
// pairs, keyed by "channelID/modelID".
type List struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *List {
	return &List{entries: make(map[string]*entry)}
}

func key(channelID, modelID string) string {
	return channelID + "/" + modelID
}

// Add blacklists (channelID, modelID) for a cool-off whose shape depends on
// kind, per the §7 error-kind table:
//
//   - AuthInvalid blacklists permanently; only Remove (after the scheduler
//     re-validates the key) lifts it.
//   - RateLimited is a flat 60s cool-off.
//   - UpstreamTimeout/UpstreamServerError double from 30s per consecutive
//     trip against this pair, capped at 5 minutes.
//   - every other kind (RequestMalformed, CapabilityMismatch, ...) is not
//     retryable and never blacklists — Add is a no-op for it, since the
//     dispatcher already won't retry a different target for a request
//     that's malformed regardless of which channel serves it.
func (l *List) Add(channelID, modelID string, kind routeerr.Kind) {
	switch kind {
	case routeerr.AuthInvalid, routeerr.RateLimited, routeerr.UpstreamTimeout, routeerr.UpstreamServerError:
	default:
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(channelID, modelID)
	e, ok := l.entries[k]
	if !ok {
		e = &entry{}
		l.entries[k] = e
	}
	e.consecutiveHits++

	switch kind {
	case routeerr.AuthInvalid:
		e.permanent = true
	case routeerr.RateLimited:
		e.permanent = false
		e.expiresAt = time.Now().Add(rateLimitCoolOff)
	case routeerr.UpstreamTimeout, routeerr.UpstreamServerError:
		d := serverErrorBase
		for i := 1; i < e.consecutiveHits; i++ {
			d *= 2
			if d >= serverErrorMax {
				d = serverErrorMax
				break
			}
		}
		e.permanent = false
		e.expiresAt = time.Now().Add(d)
	}
}

// IsBlacklisted reports whether (channelID, modelID) is currently excluded.
// A permanent entry is always excluded; an expired non-permanent entry is
// treated as absent, lazily removed on the next Sweep.
func (l *List) IsBlacklisted(channelID, modelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key(channelID, modelID)]
	if !ok {
		return false
	}
	if e.permanent {
		return true
	}
	return time.Now().Before(e.expiresAt)
}

// Remove clears any blacklist entry for (channelID, modelID), used when an
// operator manually re-enables a channel or the scheduler re-validates a key.
func (l *List) Remove(channelID, modelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key(channelID, modelID))
}

// Sweep deletes expired, non-permanent entries, reclaiming memory for pairs
// that are no longer relevant. Safe to call periodically from the
// scheduler. Permanent entries are left for Remove to clear explicitly.
func (l *List) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for k, e := range l.entries {
		if e.permanent {
			continue
		}
		if now.After(e.expiresAt) {
			delete(l.entries, k)
		}
	}
}

// Len returns the number of tracked entries, expired or not.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
