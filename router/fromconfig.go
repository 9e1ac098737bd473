package router

import (
	"github.com/ferro-labs/ai-gateway/config"
	"github.com/ferro-labs/ai-gateway/internal/modelregistry"
	"github.com/ferro-labs/ai-gateway/internal/registry"
	"github.com/ferro-labs/ai-gateway/internal/scoring"
)

func toStrategy(rules []config.RuleConfig) scoring.Strategy {
	s := make(scoring.Strategy, len(rules))
	for i, rc := range rules {
		s[i] = scoring.Rule{Field: rc.Field, Weight: rc.Weight, Order: rc.Order}
	}
	return s
}

// buildRegistries materializes a registry.Registry and an empty
// modelregistry.Registry from a loaded config.Config. Discovery/pricing
// snapshots are populated later by scheduler tasks; the base layer here
// only guarantees every declared model resolves to a minimal ModelInfo.
func buildRegistries(cfg *config.Config) (*registry.Registry, *modelregistry.Registry) {
	reg := registry.New()
	for _, p := range cfg.Providers {
		reg.RegisterProvider(&registry.Provider{
			Name:          p.Name,
			BaseURLs:      p.BaseURLs,
			AuthMode:      registry.AuthMode(p.AuthMode),
			Adapter:       registry.AdapterKind(p.Adapter),
			LocalProvider: p.LocalProvider,
		})
	}
	for _, c := range cfg.Channels {
		ch := registry.NewChannel(c.ID, c.Provider, c.DeclaredModel, c.APIKey)
		ch.Priority = c.Priority
		ch.Tags = c.Tags
		ch.ConfiguredModels = c.ConfiguredModels
		ch.ModelAliases = c.ModelAliases
		ch.BaseURLOverride = c.BaseURLOverride
		if c.Enabled != nil {
			ch.EnabledFlag = *c.Enabled
		}
		reg.RegisterChannel(ch)
	}

	models := modelregistry.NewRegistry(func(modelID string) *modelregistry.ModelInfo {
		return modelregistry.InferFromModelID("", modelID)
	})
	for _, p := range cfg.Providers {
		if p.PricingOverride != nil {
			models.SetProviderOverride(p.Name, toOverride(*p.PricingOverride))
		}
	}
	for _, c := range cfg.Channels {
		for modelID, o := range c.Overrides {
			models.SetChannelOverride(c.ID, modelID, toOverride(o))
		}
	}
	return reg, models
}

func toOverride(o config.OverrideConfig) modelregistry.Override {
	return modelregistry.Override{
		PricingMultiplier:   o.PricingMultiplier,
		InputPricePerToken:  o.InputPricePerToken,
		OutputPricePerToken: o.OutputPricePerToken,
		IsFree:              o.IsFree,
		QualityBoost:        o.QualityBoost,
		IsLocal:             o.IsLocal,
		ParameterCount:      o.ParameterCount,
		ContextLength:       o.ContextLength,
		MaxOutputTokens:     o.MaxOutputTokens,
	}
}

func optionsFromConfig(cfg *config.Config) Options {
	custom := make(map[string]scoring.Strategy, len(cfg.Routing.CustomStrategies))
	for name, rules := range cfg.Routing.CustomStrategies {
		custom[name] = toStrategy(rules)
	}
	return Options{
		DefaultStrategy:  cfg.Routing.DefaultStrategy,
		CustomStrategies: custom,
		CacheCapacity:    cfg.Routing.CacheCapacity,
		CacheTTL:         cfg.Routing.CacheTTL,
		MaxRetries:       cfg.Routing.MaxRetries,
		PreFilterMax:     cfg.Routing.PreFilterMax,
	}
}

// NewFromConfig builds a Router directly from a loaded config.Config. The
// caller still must RegisterProvider for every provider name referenced by
// a channel before routing will succeed.
func NewFromConfig(cfg *config.Config) *Router {
	reg, models := buildRegistries(cfg)
	r := New(reg, models, optionsFromConfig(cfg))
	r.cfg = cfg
	return r
}

// GetConfig returns the config.Config the Router was last built or
// reloaded from, for the admin config-management API.
func (r *Router) GetConfig() config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cfg == nil {
		return config.Config{}
	}
	return *r.cfg
}

// ReloadConfig swaps in a new channel/provider/routing configuration and
// invalidates the request cache, since previously cached selections may no
// longer be valid. Registered provider adapters are preserved across the
// reload; a channel referencing a provider name with no adapter registered
// simply won't be selectable until one is.
func (r *Router) ReloadConfig(cfg config.Config) error {
	if err := config.Validate(&cfg); err != nil {
		return err
	}
	reg, models := buildRegistries(&cfg)

	opts := optionsFromConfig(&cfg)

	r.mu.Lock()
	r.registry = reg
	r.models = models
	r.customStrategies = opts.CustomStrategies
	r.defaultStrategy = opts.DefaultStrategy
	if r.defaultStrategy == "" {
		r.defaultStrategy = scoring.DefaultStrategyName
	}
	r.preFilterMax = opts.PreFilterMax
	if r.preFilterMax == 0 {
		r.preFilterMax = 50
	}
	r.cfg = &cfg
	r.mu.Unlock()

	r.InvalidateCache()
	return nil
}
