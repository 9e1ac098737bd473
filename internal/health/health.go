// Package health tracks rolling per-channel success/latency statistics and
// per-(channel, key) credential validity — the Health/Key State component.
package health

import (
	"sync"
	"time"
)

// State is the rolling health snapshot for one channel.
type State struct {
	SuccessCount  int
	RequestCount  int
	LatencyEWMAms float64
	LastErrorKind string
}

// Score derives a [0,1] health score from success rate x freshness, per
// spec.md's "health score in [0,1] derived from rate x freshness".
// Freshness decays toward 0.5 as the sample count stays low, so a channel
// with too few observations doesn't get an extreme score either way.
func (s State) Score() float64 {
	if s.RequestCount == 0 {
		return 1.0
	}
	rate := float64(s.SuccessCount) / float64(s.RequestCount)
	freshness := float64(s.RequestCount)
	if freshness > 20 {
		freshness = 20
	}
	freshness /= 20
	return rate*freshness + 0.5*(1-freshness)
}

// KeyState is the per-(channel, key fingerprint) credential validity record.
type KeyState struct {
	Valid               bool
	ConsecutiveFailures int
	NextValidation      time.Time
}

const maxBackoff = 24 * time.Hour

// NextBackoff doubles the current interval starting at 1 minute, capped at
// 24h, matching the "exponential backoff capped at 24h" invariant.
func NextBackoff(consecutiveFailures int) time.Duration {
	d := time.Minute
	for i := 0; i < consecutiveFailures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Tracker is the mutex-guarded store of per-channel State and per-key
// KeyState, updated by the dispatcher post-call and by scheduler tasks.
type Tracker struct {
	mu       sync.RWMutex
	channels map[string]*State
	keys     map[string]*KeyState // keyed channelID+"/"+keyFingerprint
}

func NewTracker() *Tracker {
	return &Tracker{
		channels: make(map[string]*State),
		keys:     make(map[string]*KeyState),
	}
}

func (t *Tracker) Get(channelID string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.channels[channelID]; ok {
		return *s
	}
	return State{}
}

// RecordSuccess folds a successful dispatch's latency into the EWMA.
func (t *Tracker) RecordSuccess(channelID string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(channelID)
	s.RequestCount++
	s.SuccessCount++
	s.LatencyEWMAms = ewma(s.LatencyEWMAms, float64(latency.Milliseconds()), s.RequestCount)
}

// RecordFailure folds a failed dispatch into the counters.
func (t *Tracker) RecordFailure(channelID, errorKind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(channelID)
	s.RequestCount++
	s.LastErrorKind = errorKind
}

func (t *Tracker) stateFor(channelID string) *State {
	s, ok := t.channels[channelID]
	if !ok {
		s = &State{}
		t.channels[channelID] = s
	}
	return s
}

// ewma applies a simple exponential moving average with alpha scaled by
// how many samples have been seen, so the first sample sets the baseline
// exactly rather than blending with a zero-valued average.
func ewma(prev, sample float64, count int) float64 {
	if count <= 1 {
		return sample
	}
	const alpha = 0.2
	return alpha*sample + (1-alpha)*prev
}

func keyOf(channelID, keyFingerprint string) string {
	return channelID + "/" + keyFingerprint
}

// ChannelIDs returns every channel with recorded state, for scheduler tasks
// that sweep the whole tracker (health persistence, periodic re-scoring).
func (t *Tracker) ChannelIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.channels))
	for id := range t.channels {
		ids = append(ids, id)
	}
	return ids
}

// KeyRef identifies one tracked (channel, key fingerprint) pair.
type KeyRef struct {
	ChannelID      string
	KeyFingerprint string
}

// DueForValidation returns every invalid key whose backoff has elapsed as
// of now, for the key-validation scheduler task to re-probe.
func (t *Tracker) DueForValidation(now time.Time) []KeyRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var due []KeyRef
	for k, ks := range t.keys {
		if ks.Valid || now.Before(ks.NextValidation) {
			continue
		}
		channelID, fingerprint, ok := splitKeyOf(k)
		if !ok {
			continue
		}
		due = append(due, KeyRef{ChannelID: channelID, KeyFingerprint: fingerprint})
	}
	return due
}

func splitKeyOf(k string) (channelID, fingerprint string, ok bool) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '/' {
			return k[:i], k[i+1:], true
		}
	}
	return "", "", false
}

func (t *Tracker) GetKeyState(channelID, keyFingerprint string) KeyState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ks, ok := t.keys[keyOf(channelID, keyFingerprint)]; ok {
		return *ks
	}
	return KeyState{Valid: true}
}

// MarkKeyInvalid records a credential failure and schedules the next
// re-validation attempt with exponential backoff.
func (t *Tracker) MarkKeyInvalid(channelID, keyFingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(channelID, keyFingerprint)
	ks, ok := t.keys[k]
	if !ok {
		ks = &KeyState{Valid: true}
		t.keys[k] = ks
	}
	ks.Valid = false
	ks.ConsecutiveFailures++
	ks.NextValidation = time.Now().Add(NextBackoff(ks.ConsecutiveFailures))
}

// MarkKeyValid clears the failure streak after a successful validation.
func (t *Tracker) MarkKeyValid(channelID, keyFingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[keyOf(channelID, keyFingerprint)] = &KeyState{Valid: true}
}
