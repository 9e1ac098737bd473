// Package persist writes the best-effort JSON snapshot cache described in
// spec.md §6: per-key model snapshots, channel-to-key mappings, merged
// pricing, and recent health/key-validation results. Every file is safe to
// delete — a missing or corrupt file just means the scheduler's next run
// repopulates it — so read failures are reported but never fatal, the same
// tolerant-read stance internal/modelregistry's embedded catalog fallback
// takes.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const schemaVersion = 1

// Store writes and reads the cache/ directory tree rooted at Dir.
type Store struct {
	Dir string
}

func New(dir string) *Store {
	return &Store{Dir: dir}
}

var unsafePathChar = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitize collapses any character outside the safe set into "_", so a
// channel ID or key fingerprint can never escape its cache subdirectory.
func sanitize(s string) string {
	return unsafePathChar.ReplaceAllString(s, "_")
}

// envelope wraps every persisted payload with a schema version so future
// readers can tell an old file apart from a corrupt one.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *Store) writeJSON(relPath string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("persist: marshal payload: %w", err)
	}
	env := envelope{SchemaVersion: schemaVersion, UpdatedAt: time.Now(), Payload: body}
	full, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal envelope: %w", err)
	}

	path := filepath.Join(s.Dir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persist: mkdir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, full, 0o644); err != nil {
		return fmt.Errorf("persist: write: %w", err)
	}
	return os.Rename(tmp, path)
}

// readJSON loads relPath and unmarshals its payload into out. A missing
// file is reported via os.IsNotExist-compatible error, not panicked on —
// callers treat it the same as an empty cache.
func (s *Store) readJSON(relPath string, out any) error {
	path := filepath.Join(s.Dir, relPath)
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("persist: corrupt envelope %s: %w", relPath, err)
	}
	if env.Payload == nil {
		return nil
	}
	return json.Unmarshal(env.Payload, out)
}

// APIKeySnapshot is the persisted form of one channel/key model snapshot.
type APIKeySnapshot struct {
	ChannelID      string   `json:"channel_id"`
	KeyFingerprint string   `json:"key_fingerprint"`
	ModelIDs       []string `json:"model_ids"`
	UserTier       string   `json:"user_tier,omitempty"`
}

func apiKeyPath(channelID, keyFingerprint string) string {
	return filepath.Join("api_keys", fmt.Sprintf("%s_%s.json", sanitize(channelID), sanitize(keyFingerprint)))
}

func (s *Store) WriteAPIKeySnapshot(snap APIKeySnapshot) error {
	return s.writeJSON(apiKeyPath(snap.ChannelID, snap.KeyFingerprint), snap)
}

func (s *Store) ReadAPIKeySnapshot(channelID, keyFingerprint string) (APIKeySnapshot, error) {
	var snap APIKeySnapshot
	err := s.readJSON(apiKeyPath(channelID, keyFingerprint), &snap)
	return snap, err
}

// ChannelMapping records which key fingerprints have a snapshot for a channel.
type ChannelMapping struct {
	ChannelID       string   `json:"channel_id"`
	KeyFingerprints []string `json:"key_fingerprints"`
}

func mappingPath(channelID string) string {
	return filepath.Join("mappings", sanitize(channelID)+"_mapping.json")
}

func (s *Store) WriteChannelMapping(m ChannelMapping) error {
	return s.writeJSON(mappingPath(m.ChannelID), m)
}

func (s *Store) ReadChannelMapping(channelID string) (ChannelMapping, error) {
	var m ChannelMapping
	err := s.readJSON(mappingPath(channelID), &m)
	return m, err
}

// PricingEntry is one merged (channel, model) pricing record.
type PricingEntry struct {
	ChannelID           string   `json:"channel_id"`
	ModelID             string   `json:"model_id"`
	InputPricePerToken  *float64 `json:"input_price_per_token,omitempty"`
	OutputPricePerToken *float64 `json:"output_price_per_token,omitempty"`
	IsFree              bool     `json:"is_free"`
}

func pricingPath(channelID string) string {
	return filepath.Join("pricing", sanitize(channelID)+".json")
}

func (s *Store) WritePricing(channelID string, entries []PricingEntry) error {
	return s.writeJSON(pricingPath(channelID), entries)
}

func (s *Store) ReadPricing(channelID string) ([]PricingEntry, error) {
	var entries []PricingEntry
	err := s.readJSON(pricingPath(channelID), &entries)
	return entries, err
}

// HealthSnapshot is the persisted rollup of one channel's health and key
// validation state, written periodically so a restart doesn't lose recent
// failure history and immediately re-trust a channel the health scheduler
// task had just blacklisted.
type HealthSnapshot struct {
	ChannelID           string    `json:"channel_id"`
	SuccessCount        int       `json:"success_count"`
	RequestCount        int       `json:"request_count"`
	LatencyEWMAms       float64   `json:"latency_ewma_ms"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	KeyValid            bool      `json:"key_valid"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextValidation      time.Time `json:"next_validation"`
}

func healthPath(channelID string) string {
	return filepath.Join("health", sanitize(channelID)+".json")
}

func (s *Store) WriteHealth(snap HealthSnapshot) error {
	return s.writeJSON(healthPath(snap.ChannelID), snap)
}

func (s *Store) ReadHealth(channelID string) (HealthSnapshot, error) {
	var snap HealthSnapshot
	err := s.readJSON(healthPath(channelID), &snap)
	return snap, err
}
