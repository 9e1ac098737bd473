// Package registry holds the immutable set of Providers and the mutable
// set of Channels parsed from configuration — the Channel Registry
// component of the routing engine.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// AuthMode identifies how a provider expects credentials to be attached.
type AuthMode string

const (
	AuthBearer        AuthMode = "bearer"
	AuthAPIKeyHeader  AuthMode = "api_key_header"
	AuthVendorSpecific AuthMode = "vendor_specific"
)

// AdapterKind selects the request/response translation behaviour used by
// the dispatcher for a provider.
type AdapterKind string

const (
	AdapterOpenAICompatible AdapterKind = "openai_compatible"
	AdapterAnthropic        AdapterKind = "anthropic"
	AdapterOpenRouter       AdapterKind = "openrouter"
	AdapterSiliconFlow      AdapterKind = "siliconflow"
	AdapterBedrock          AdapterKind = "bedrock"
)

// Provider is a configuration record describing an upstream vendor family.
type Provider struct {
	Name        string
	BaseURLs    []string // fallback-ordered list; BaseURLs[0] is primary
	AuthMode    AuthMode
	Adapter     AdapterKind
	LocalProvider bool // loopback/edge runner family (ollama, lmstudio, ...)
}

func (p *Provider) BaseURL() string {
	if len(p.BaseURLs) == 0 {
		return ""
	}
	return p.BaseURLs[0]
}

// Channel is one (provider, model-hint, credential) routable endpoint.
type Channel struct {
	ID                string
	Provider          string
	DeclaredModel     string // may be "auto"
	secret            string // never serialised, never logged
	BaseURLOverride   string
	EnabledFlag       bool
	Priority          int
	Tags              []string
	ConfiguredModels  []string
	ModelAliases      map[string]string
	Overrides         map[string]any // per-model or channel-wide ModelInfo overrides, keyed "*" or model id

	// mutable runtime derived state — not part of the loaded config.
	mu         sync.RWMutex
	runtimeDisabled bool
}

// NewChannel constructs a Channel, keeping the credential out of any field
// that would be trivially logged (struct literal construction elsewhere
// must go through this or set Secret explicitly).
func NewChannel(id, provider, declaredModel, secret string) *Channel {
	return &Channel{
		ID:            id,
		Provider:      provider,
		DeclaredModel: declaredModel,
		secret:        secret,
		EnabledFlag:   true,
	}
}

// Secret returns the channel credential. Callers must not log it.
func (c *Channel) Secret() string { return c.secret }

// SetSecret updates the credential (e.g. after config hot-reload).
func (c *Channel) SetSecret(secret string) { c.secret = secret }

// Enabled reports whether the channel may be used for routing: the
// configured flag must be set, it must not have been runtime-disabled, and
// it must carry a non-empty credential (a channel with an empty credential
// is always treated as disabled, per the registry invariant).
func (c *Channel) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledFlag && !c.runtimeDisabled && c.secret != ""
}

// SetRuntimeDisabled flips the admin/health-driven disable flag, independent
// of the configured EnabledFlag.
func (c *Channel) SetRuntimeDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runtimeDisabled = disabled
}

// KeyFingerprint returns the 8 hex character fingerprint used to partition
// model snapshots and as the only externally visible identifier for a
// credential. The raw secret never appears in a fingerprint, cache key, or
// log line.
func KeyFingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}

// Registry is the read-mostly store of Providers and Channels.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	channels  map[string]*Channel
}

func New() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		channels:  make(map[string]*Channel),
	}
}

func (r *Registry) RegisterProvider(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name] = p
}

func (r *Registry) RegisterChannel(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID] = c
}

// GetChannel returns the channel with the given id, if any.
func (r *Registry) GetChannel(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

// GetProvider returns the provider with the given name, if any.
func (r *Registry) GetProvider(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// GetEnabled returns every channel currently eligible for routing,
// excluding disabled and credentialless channels.
func (r *Registry) GetEnabled() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		if c.Enabled() {
			out = append(out, c)
		}
	}
	return out
}

// GetAll returns every registered channel, enabled or not.
func (r *Registry) GetAll() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

// GetChannelsByDeclaredModel returns enabled channels whose DeclaredModel
// exactly matches name.
func (r *Registry) GetChannelsByDeclaredModel(name string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Channel
	for _, c := range r.channels {
		if c.Enabled() && c.DeclaredModel == name {
			out = append(out, c)
		}
	}
	return out
}

// AllProviders returns every registered provider.
func (r *Registry) AllProviders() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}
