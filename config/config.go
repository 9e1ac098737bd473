// Package config loads and validates the gateway's provider, channel, and
// routing configuration. File parsing and the JSON/YAML dispatch-by-
// extension are ported from the top-level Config/LoadConfig this module
// replaces; the schema itself is new, shaped by the routing engine's
// domain model rather than the teacher's strategy/target schema.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig describes one upstream vendor family.
type ProviderConfig struct {
	Name          string            `json:"name" yaml:"name"`
	BaseURLs      []string          `json:"base_urls" yaml:"base_urls"`
	AuthMode      string            `json:"auth_mode" yaml:"auth_mode"`
	Adapter       string            `json:"adapter" yaml:"adapter"`
	LocalProvider bool              `json:"local_provider,omitempty" yaml:"local_provider,omitempty"`
	PricingOverride *OverrideConfig `json:"pricing_override,omitempty" yaml:"pricing_override,omitempty"`
}

// ChannelConfig describes one routable (provider, credential) endpoint.
type ChannelConfig struct {
	ID               string                     `json:"id" yaml:"id"`
	Provider         string                     `json:"provider" yaml:"provider"`
	DeclaredModel    string                     `json:"declared_model" yaml:"declared_model"`
	APIKey           string                     `json:"api_key" yaml:"api_key"` // may be "${ENV_VAR}"
	BaseURLOverride  string                     `json:"base_url_override,omitempty" yaml:"base_url_override,omitempty"`
	Enabled          *bool                      `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Priority         int                        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tags             []string                   `json:"tags,omitempty" yaml:"tags,omitempty"`
	ConfiguredModels []string                   `json:"configured_models,omitempty" yaml:"configured_models,omitempty"`
	ModelAliases     map[string]string          `json:"model_aliases,omitempty" yaml:"model_aliases,omitempty"`
	Overrides        map[string]OverrideConfig  `json:"overrides,omitempty" yaml:"overrides,omitempty"` // keyed "*" or model id
}

// OverrideConfig is the on-disk form of a modelregistry.Override.
type OverrideConfig struct {
	PricingMultiplier   *float64 `json:"pricing_multiplier,omitempty" yaml:"pricing_multiplier,omitempty"`
	InputPricePerToken  *float64 `json:"input_price_per_token,omitempty" yaml:"input_price_per_token,omitempty"`
	OutputPricePerToken *float64 `json:"output_price_per_token,omitempty" yaml:"output_price_per_token,omitempty"`
	IsFree              *bool    `json:"is_free,omitempty" yaml:"is_free,omitempty"`
	QualityBoost        *float64 `json:"quality_boost,omitempty" yaml:"quality_boost,omitempty"`
	IsLocal             *bool    `json:"is_local,omitempty" yaml:"is_local,omitempty"`
	ParameterCount      *float64 `json:"parameter_count,omitempty" yaml:"parameter_count,omitempty"`
	ContextLength       *int     `json:"context_length,omitempty" yaml:"context_length,omitempty"`
	MaxOutputTokens     *int     `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
}

// RoutingConfig is the gateway-wide routing policy.
type RoutingConfig struct {
	DefaultStrategy  string              `json:"default_strategy" yaml:"default_strategy"`
	CustomStrategies map[string][]RuleConfig `json:"custom_strategies,omitempty" yaml:"custom_strategies,omitempty"`
	CacheCapacity    int                 `json:"cache_capacity,omitempty" yaml:"cache_capacity,omitempty"`
	CacheTTL         time.Duration       `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	MaxRetries       int                 `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	PreFilterMax     int                 `json:"pre_filter_max,omitempty" yaml:"pre_filter_max,omitempty"`
}

// RuleConfig is one weighted scoring rule of a custom strategy.
type RuleConfig struct {
	Field  string  `json:"field" yaml:"field"`
	Weight float64 `json:"weight" yaml:"weight"`
	Order  string  `json:"order" yaml:"order"`
}

// PluginConfig loads one registered plugin factory onto a lifecycle stage.
type PluginConfig struct {
	Name  string `json:"name" yaml:"name"`
	Stage string `json:"stage" yaml:"stage"` // "before", "after", or "on_error"
}

// TaskConfig configures one scheduler task's cadence.
type TaskConfig struct {
	Name     string        `json:"name" yaml:"name"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Enabled  bool          `json:"enabled" yaml:"enabled"`
}

// ServerConfig configures the HTTP listener and ambient stack.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	LogLevel   string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat  string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
	AdminToken string `json:"admin_token,omitempty" yaml:"admin_token,omitempty"` // may be "${ENV_VAR}"
}

// Config is the full on-disk gateway configuration.
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Providers []ProviderConfig `json:"providers" yaml:"providers"`
	Channels  []ChannelConfig  `json:"channels" yaml:"channels"`
	Routing   RoutingConfig    `json:"routing" yaml:"routing"`
	Tasks     []TaskConfig     `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Plugins   []PluginConfig   `json:"plugins,omitempty" yaml:"plugins,omitempty"`
}

// Load reads, parses, and env-interpolates a config file. Supported
// formats: JSON (.json), YAML (.yaml, .yml), matched the same way the
// original config loader dispatched on file extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	interpolated, err := Interpolate(string(data))
	if err != nil {
		return nil, fmt.Errorf("interpolating config env vars: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal([]byte(interpolated), &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	if cfg.Routing.DefaultStrategy == "" {
		cfg.Routing.DefaultStrategy = "cost_first"
	}
	if cfg.Routing.CacheCapacity == 0 {
		cfg.Routing.CacheCapacity = 10000
	}
	if cfg.Routing.CacheTTL == 0 {
		cfg.Routing.CacheTTL = 5 * time.Minute
	}
	if cfg.Routing.MaxRetries == 0 {
		cfg.Routing.MaxRetries = 2
	}
	if cfg.Routing.PreFilterMax == 0 {
		cfg.Routing.PreFilterMax = 50
	}

	return &cfg, nil
}

// Validate checks cross-field invariants a raw unmarshal can't enforce.
func Validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	providerNames := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider entry missing name")
		}
		providerNames[p.Name] = true
	}

	channelIDs := make(map[string]bool, len(cfg.Channels))
	for _, c := range cfg.Channels {
		if c.ID == "" {
			return fmt.Errorf("channel entry missing id")
		}
		if channelIDs[c.ID] {
			return fmt.Errorf("duplicate channel id %q", c.ID)
		}
		channelIDs[c.ID] = true
		if !providerNames[c.Provider] {
			return fmt.Errorf("channel %q references unknown provider %q", c.ID, c.Provider)
		}
	}

	return nil
}
