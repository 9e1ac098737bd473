// Package router wires the Channel Registry, Model/Pricing Registry,
// Candidate Discovery, Scoring Engine, Request Cache, Blacklist,
// Dispatcher, and Health/Key State into a single entry point — the Router
// Facade component. Its Route/RouteStream methods, plugin hook points,
// and metrics/logging wiring are generalized from gateway.go's Gateway
// type, which plays the same role for the teacher's static strategy
// config.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ferro-labs/ai-gateway/config"
	"github.com/ferro-labs/ai-gateway/internal/blacklist"
	"github.com/ferro-labs/ai-gateway/internal/discovery"
	"github.com/ferro-labs/ai-gateway/internal/dispatch"
	"github.com/ferro-labs/ai-gateway/internal/health"
	"github.com/ferro-labs/ai-gateway/internal/logging"
	"github.com/ferro-labs/ai-gateway/internal/metrics"
	"github.com/ferro-labs/ai-gateway/internal/modelregistry"
	"github.com/ferro-labs/ai-gateway/internal/registry"
	"github.com/ferro-labs/ai-gateway/internal/routecache"
	"github.com/ferro-labs/ai-gateway/internal/routeerr"
	"github.com/ferro-labs/ai-gateway/internal/scoring"
	"github.com/ferro-labs/ai-gateway/plugin"
	"github.com/ferro-labs/ai-gateway/providers"
)

// EventHookFunc is called asynchronously after a routing decision
// completes or fails, carried over from the gateway's hook pattern.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

const (
	SubjectRequestCompleted = "route.completed"
	SubjectRequestFailed    = "route.failed"
)

// Options configures a Router at construction time.
type Options struct {
	DefaultStrategy  string
	CustomStrategies map[string]scoring.Strategy
	FallbackChannels map[string][]string // virtual model -> ordered fallback channel ids
	CacheCapacity    int
	CacheTTL         time.Duration
	MaxRetries       int
	PreFilterMax     int
}

// Router is the facade every HTTP/CLI entry point talks to.
type Router struct {
	mu sync.RWMutex

	cfg       *config.Config
	registry  *registry.Registry
	models    *modelregistry.Registry
	health    *health.Tracker
	blacklist *blacklist.List
	cache     *routecache.Cache
	dispatch  *dispatch.Dispatcher
	plugins   *plugin.Manager

	providerAdapters map[string]providers.Provider // provider name -> callable adapter
	customStrategies map[string]scoring.Strategy
	defaultStrategy  string
	fallbackChannels map[string][]string
	preFilterMax     int

	hooks []EventHookFunc
}

func New(reg *registry.Registry, models *modelregistry.Registry, opts Options) *Router {
	if opts.CacheCapacity == 0 {
		opts.CacheCapacity = 10000
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = scoring.DefaultStrategyName
	}
	if opts.PreFilterMax == 0 {
		opts.PreFilterMax = 50
	}

	h := health.NewTracker()
	bl := blacklist.New()
	d := dispatch.New(h, bl)
	if opts.MaxRetries > 0 {
		d = d.WithMaxRetries(opts.MaxRetries)
	}

	return &Router{
		registry:         reg,
		models:           models,
		health:           h,
		blacklist:        bl,
		cache:            routecache.New(opts.CacheCapacity, opts.CacheTTL),
		dispatch:         d,
		plugins:          plugin.NewManager(),
		providerAdapters: make(map[string]providers.Provider),
		customStrategies: opts.CustomStrategies,
		defaultStrategy:  opts.DefaultStrategy,
		fallbackChannels: opts.FallbackChannels,
		preFilterMax:     opts.PreFilterMax,
	}
}

// RegisterProvider makes p available as the dispatch adapter for its name.
func (r *Router) RegisterProvider(p providers.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providerAdapters[p.Name()] = p
}

// RegisterPlugin adds a plugin to the given lifecycle stage.
func (r *Router) RegisterPlugin(stage plugin.Stage, p plugin.Plugin) error {
	return r.plugins.Register(stage, p)
}

// AddHook registers an async event hook, run after every routed request.
func (r *Router) AddHook(fn EventHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Health exposes the health tracker for the admin surface and scheduler tasks.
func (r *Router) Health() *health.Tracker { return r.health }

// Blacklist exposes the blacklist for the admin surface and scheduler sweep task.
func (r *Router) Blacklist() *blacklist.List { return r.blacklist }

// Models exposes the model/pricing registry for scheduler refresh tasks.
func (r *Router) Models() *modelregistry.Registry { return r.models }

// Registry exposes the channel registry for the admin surface.
func (r *Router) Registry() *registry.Registry { return r.registry }

// InvalidateCache drops every cached routing decision, called after a
// pricing or discovery refresh changes what a virtual model should resolve to.
func (r *Router) InvalidateCache() {
	r.cache.InvalidateAll()
}

// splitStrategy peels an optional "|strategy_name" suffix off the virtual
// model string, e.g. "auto:qwen,7b|speed_optimized". This predates the
// documented routing_strategy request field and is kept for clients that
// can't add a JSON field to an OpenAI-shaped request body (e.g. routing
// through a fixed "model" string in a UI that only lets the user pick a
// model). resolveStrategy gives the explicit field precedence.
func splitStrategy(raw string) (query, strategyName string) {
	if idx := strings.LastIndex(raw, "|"); idx >= 0 {
		return raw[:idx], raw[idx+1:]
	}
	return raw, ""
}

// resolveStrategy prefers req.RoutingStrategy, the documented field, over
// the "|strategy" suffix grammar, falling back to the suffix and then the
// router's configured default.
func (r *Router) resolveStrategy(req providers.Request, suffixStrategy string) string {
	if req.RoutingStrategy != "" {
		return req.RoutingStrategy
	}
	if suffixStrategy != "" {
		return suffixStrategy
	}
	return r.defaultStrategy
}

func excludesProvider(excluded []string, provider string) bool {
	for _, p := range excluded {
		if strings.EqualFold(p, provider) {
			return true
		}
	}
	return false
}

// hasCapability reports whether info satisfies one of the required
// capability tokens accepted in a request's required_capabilities list.
func hasCapability(info *modelregistry.ModelInfo, cap string) bool {
	if info == nil {
		return false
	}
	switch strings.ToLower(cap) {
	case "vision":
		return info.Capabilities.Vision
	case "function_calling", "tools", "functions":
		return info.Capabilities.FunctionCalling
	case "streaming", "stream":
		return info.Capabilities.Streaming
	case "code":
		return info.Capabilities.Code
	default:
		return false
	}
}

// filterByCapabilities drops every candidate that doesn't satisfy all of
// required, per spec §4.11 step 3. If the capability-satisfying set is
// empty but every candidate that failed the check was a local model, the
// caller is told via localOnlyMiss so it can retry the discovery query
// against the configured cloud fallback channels instead of failing
// outright — a local model missing a capability (vision, tool calling) is
// often just a smaller model than the virtual model grammar implies, while
// the equivalent cloud model usually has it.
func filterByCapabilities(candidates []discovery.Candidate, required []string) (matched []discovery.Candidate, localOnlyMiss bool, err error) {
	if len(required) == 0 {
		return candidates, false, nil
	}

	sawNonLocalMiss := false
	for _, c := range candidates {
		ok := true
		for _, cap := range required {
			if !hasCapability(c.Info, cap) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, c)
		} else if c.Info == nil || !c.Info.IsLocal {
			sawNonLocalMiss = true
		}
	}
	if len(matched) > 0 {
		return matched, false, nil
	}
	if !sawNonLocalMiss && len(candidates) > 0 {
		return nil, true, routeerr.New(routeerr.CapabilityMismatch, "only local candidates found, none satisfy required capabilities").
			WithDetail("required_capabilities", required)
	}
	return nil, false, routeerr.New(routeerr.CapabilityMismatch, "no candidate satisfies required capabilities").
		WithDetail("required_capabilities", required)
}

// fingerprintInputFor builds the cache key for one request. The virtual
// model string already carries its own tag/size-filter grammar, parsed
// inside discovery.Resolve, so only the request fields that discovery and
// scoring additionally read need to be threaded through here.
func fingerprintInputFor(rawQuery, strategyName string, req providers.Request) routecache.FingerprintInput {
	var maxTokens int
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	var temperature float64
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	return routecache.FingerprintInput{
		VirtualModel:         rawQuery,
		Strategy:             strategyName,
		RequiredCapabilities: req.RequiredCapabilities,
		ExcludedProviders:    req.ExcludedProviders,
		PreferLocal:          req.PreferLocal,
		MaxTokens:            maxTokens,
		Temperature:          temperature,
		Stream:               req.Stream,
		HasTools:             len(req.Tools) > 0,
	}
}

// rankable adapts a discovery.Candidate to scoring.PreFilterable.
type rankable struct {
	discovery.Candidate
}

func (r rankable) IsFree() bool  { return r.Info != nil && r.Info.Pricing.IsFree }
func (r rankable) Priority() int { return r.Channel.Priority }
func (r rankable) IsLocal() bool { return r.Info != nil && r.Info.IsLocal }
func (r rankable) Enabled() bool { return r.Channel.Enabled() }

// Route resolves req.Model to a ranked set of (channel, physical model)
// candidates, dispatches to the first that succeeds, and records the
// outcome against the request cache, health tracker, and blacklist.
func (r *Router) Route(ctx context.Context, req providers.Request) (*providers.Response, error) {
	start := time.Now()
	log := logging.FromContext(ctx)

	rawQuery, suffixStrategy := splitStrategy(req.Model)
	strategyName := r.resolveStrategy(req, suffixStrategy)
	strategy := scoring.Resolve(strategyName, r.customStrategies)

	pctx := plugin.NewContext(&req)
	if r.plugins.HasPlugins() {
		if err := r.plugins.RunBefore(ctx, pctx); err != nil {
			metrics.RequestsTotal.WithLabelValues("", req.Model, "rejected").Inc()
			return nil, err
		}
	}

	fp := routecache.Fingerprint(fingerprintInputFor(rawQuery, strategyName, req))

	if sel, ok := r.cache.Get(fp); ok {
		metrics.RouteCacheResult.WithLabelValues("hit").Inc()
		if target, ok := r.buildTarget(sel.ChannelID, sel.ModelID); ok && !r.blacklist.IsBlacklisted(sel.ChannelID, sel.ModelID) {
			if out, err := r.dispatch.Dispatch(ctx, []dispatch.Target{target}, req); err == nil {
				return r.finish(ctx, pctx, start, strategyName, out, nil, log)
			}
		}
	} else {
		metrics.RouteCacheResult.WithLabelValues("miss").Inc()
	}

	candidates, err := discovery.Resolve(r.registry, r.models, discovery.Query{
		Raw:              rawQuery,
		FallbackChannels: r.fallbackChannels[rawQuery],
	})
	if err != nil {
		return r.finish(ctx, pctx, start, strategyName, nil, err, log)
	}

	var unblocked []discovery.Candidate
	for _, c := range candidates {
		if excludesProvider(req.ExcludedProviders, c.Channel.Provider) {
			continue
		}
		if !r.blacklist.IsBlacklisted(c.Channel.ID, c.ModelID) {
			unblocked = append(unblocked, c)
		}
	}
	if len(unblocked) == 0 {
		return r.finish(ctx, pctx, start, strategyName, nil,
			routeerr.New(routeerr.NoCandidates, "every candidate is currently blacklisted or excluded"), log)
	}

	capable, localOnlyMiss, capErr := filterByCapabilities(unblocked, req.RequiredCapabilities)
	if capErr != nil && localOnlyMiss {
		if fallback, ferr := discovery.Resolve(r.registry, r.models, discovery.Query{
			Raw:              rawQuery,
			FallbackChannels: r.fallbackChannels[rawQuery],
		}); ferr == nil {
			capable, _, capErr = filterByCapabilities(fallback, req.RequiredCapabilities)
		}
	}
	if capErr != nil {
		return r.finish(ctx, pctx, start, strategyName, nil, capErr, log)
	}
	unblocked = capable

	wrapped := make([]rankable, len(unblocked))
	for i, c := range unblocked {
		wrapped[i] = rankable{c}
	}
	wrapped = scoring.PreFilter(wrapped, r.preFilterMax)

	ranked := make([]scoring.Ranked, 0, len(wrapped))
	byChannel := make(map[string]discovery.Candidate, len(wrapped))
	for _, w := range wrapped {
		c := w.Candidate
		prov, _ := r.registry.GetProvider(c.Channel.Provider)
		in := scoring.Input{
			Channel:       c.Channel,
			Provider:      prov,
			Info:          c.Info,
			Health:        r.health.Get(c.Channel.ID),
			EstimatedCost: estimateCost(req, c.Info),
		}
		b := scoring.Score(in)
		scoring.ApplyStrategy(strategy, &b)
		key := c.Channel.ID + "/" + c.ModelID
		byChannel[key] = c
		ranked = append(ranked, scoring.Ranked{Breakdown: b, ChannelName: key})
	}
	ranked = scoring.Rank(ranked)
	metrics.CandidatesEvaluated.WithLabelValues(strategyName).Observe(float64(len(ranked)))

	targets := make([]dispatch.Target, 0, len(ranked))
	r.mu.RLock()
	for _, rk := range ranked {
		c := byChannel[rk.ChannelName]
		adapter, ok := r.providerAdapters[c.Channel.Provider]
		if !ok {
			continue
		}
		targets = append(targets, dispatch.Target{Channel: c.Channel, Provider: adapter, ModelID: c.ModelID})
	}
	r.mu.RUnlock()

	out, dispatchErr := r.dispatch.Dispatch(ctx, targets, req)
	if dispatchErr == nil {
		r.cache.Put(fp, routecache.CachedSelection{ChannelID: out.ChannelID, ModelID: out.ModelID, ScoredAt: time.Now()})
	}
	return r.finish(ctx, pctx, start, strategyName, out, dispatchErr, log)
}

func (r *Router) buildTarget(channelID, modelID string) (dispatch.Target, bool) {
	ch, ok := r.registry.GetChannel(channelID)
	if !ok || !ch.Enabled() {
		return dispatch.Target{}, false
	}
	r.mu.RLock()
	adapter, ok := r.providerAdapters[ch.Provider]
	r.mu.RUnlock()
	if !ok {
		return dispatch.Target{}, false
	}
	return dispatch.Target{Channel: ch, Provider: adapter, ModelID: modelID}, true
}

func (r *Router) finish(ctx context.Context, pctx *plugin.Context, start time.Time, strategyName string, out *dispatch.Outcome, err error, log interface {
	Error(msg string, args ...any)
	Info(msg string, args ...any)
}) (*providers.Response, error) {
	latency := time.Since(start)

	if err != nil {
		pctx.Error = err
		r.plugins.RunOnError(ctx, pctx)
		metrics.RequestsTotal.WithLabelValues("", pctx.Request.Model, "error").Inc()
		metrics.ProviderErrors.WithLabelValues("", string(routeerr.KindOf(err))).Inc()
		log.Error("route failed", "model", pctx.Request.Model, "strategy", strategyName, "latency_ms", latency.Milliseconds(), "error", err.Error())
		r.publish(ctx, SubjectRequestFailed, map[string]interface{}{
			"model": pctx.Request.Model, "strategy": strategyName, "error": err.Error(), "latency_ms": latency.Milliseconds(),
		})
		return nil, err
	}

	resp := out.Response
	if r.plugins.HasPlugins() {
		pctx.Response = resp
		_ = r.plugins.RunAfter(ctx, pctx)
	}

	metrics.RequestsTotal.WithLabelValues(resp.Provider, resp.Model, "success").Inc()
	metrics.RequestDuration.WithLabelValues(resp.Provider, resp.Model).Observe(latency.Seconds())
	metrics.TokensInput.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.Usage.PromptTokens))
	metrics.TokensOutput.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.Usage.CompletionTokens))

	log.Info("route completed", "channel", out.ChannelID, "model", resp.Model, "strategy", strategyName,
		"attempts", out.Attempts, "latency_ms", latency.Milliseconds())

	r.publish(ctx, SubjectRequestCompleted, map[string]interface{}{
		"channel": out.ChannelID, "model": resp.Model, "strategy": strategyName,
		"attempts": out.Attempts, "latency_ms": latency.Milliseconds(),
	})
	return resp, nil
}

func (r *Router) publish(ctx context.Context, subject string, data map[string]interface{}) {
	r.mu.RLock()
	hooks := append([]EventHookFunc(nil), r.hooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		go h(ctx, subject, data)
	}
}

// estimateCost projects a dollar cost from the request's message length and
// a model's per-token pricing, used only to feed the cost scoring factor;
// it is not billed anywhere.
func estimateCost(req providers.Request, info *modelregistry.ModelInfo) float64 {
	if info == nil || info.Pricing.IsFree {
		return 0
	}
	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	estTokens := float64(chars) / 4.0
	var cost float64
	if info.Pricing.InputPricePerToken != nil {
		cost += estTokens * *info.Pricing.InputPricePerToken
	}
	maxOut := 512.0
	if req.MaxTokens != nil {
		maxOut = float64(*req.MaxTokens)
	}
	if info.Pricing.OutputPricePerToken != nil {
		cost += maxOut * *info.Pricing.OutputPricePerToken
	}
	return cost
}

// Embed routes an embedding request to the first registered provider that
// both implements providers.EmbeddingProvider and supports the model.
// Embedding requests skip the ranked-candidate pipeline: there is no
// per-embedding-model cost/quality catalog to score against, only the
// capability check the teacher's gateway used.
func (r *Router) Embed(ctx context.Context, req providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	log := logging.FromContext(ctx)

	r.mu.RLock()
	var ep providers.EmbeddingProvider
	for _, p := range r.providerAdapters {
		if e, ok := p.(providers.EmbeddingProvider); ok && p.SupportsModel(req.Model) {
			ep = e
			break
		}
	}
	r.mu.RUnlock()

	if ep == nil {
		return nil, routeerr.New(routeerr.NoCandidates, "no embedding provider found for model: "+req.Model)
	}

	resp, err := ep.Embed(ctx, req)
	if err != nil {
		log.Error("embedding request failed", "model", req.Model, "error", err.Error())
		return nil, err
	}
	return resp, nil
}

// GenerateImage routes an image-generation request the same way Embed
// routes an embedding request: by capability, not by ranked candidate.
func (r *Router) GenerateImage(ctx context.Context, req providers.ImageRequest) (*providers.ImageResponse, error) {
	log := logging.FromContext(ctx)

	r.mu.RLock()
	var ip providers.ImageProvider
	for _, p := range r.providerAdapters {
		if i, ok := p.(providers.ImageProvider); ok && p.SupportsModel(req.Model) {
			ip = i
			break
		}
	}
	r.mu.RUnlock()

	if ip == nil {
		return nil, routeerr.New(routeerr.NoCandidates, "no image generation provider found for model: "+req.Model)
	}

	resp, err := ip.GenerateImage(ctx, req)
	if err != nil {
		log.Error("image generation request failed", "model", req.Model, "error", err.Error())
		return nil, err
	}
	return resp, nil
}

// RouteStream is the streaming counterpart of Route, sharing the same
// discovery/scoring pipeline but dispatching through StreamDispatch.
func (r *Router) RouteStream(ctx context.Context, req providers.Request) (<-chan providers.StreamChunk, error) {
	rawQuery, suffixStrategy := splitStrategy(req.Model)
	strategyName := r.resolveStrategy(req, suffixStrategy)
	strategy := scoring.Resolve(strategyName, r.customStrategies)

	candidates, err := discovery.Resolve(r.registry, r.models, discovery.Query{
		Raw:              rawQuery,
		FallbackChannels: r.fallbackChannels[rawQuery],
	})
	if err != nil {
		return nil, err
	}

	var unblocked []discovery.Candidate
	for _, c := range candidates {
		if excludesProvider(req.ExcludedProviders, c.Channel.Provider) {
			continue
		}
		if !r.blacklist.IsBlacklisted(c.Channel.ID, c.ModelID) {
			unblocked = append(unblocked, c)
		}
	}
	if len(unblocked) == 0 {
		return nil, routeerr.New(routeerr.NoCandidates, "every candidate is currently blacklisted or excluded")
	}

	capable, localOnlyMiss, capErr := filterByCapabilities(unblocked, req.RequiredCapabilities)
	if capErr != nil && localOnlyMiss {
		if fallback, ferr := discovery.Resolve(r.registry, r.models, discovery.Query{
			Raw:              rawQuery,
			FallbackChannels: r.fallbackChannels[rawQuery],
		}); ferr == nil {
			capable, _, capErr = filterByCapabilities(fallback, req.RequiredCapabilities)
		}
	}
	if capErr != nil {
		return nil, capErr
	}

	wrapped := make([]rankable, 0, len(capable))
	for _, c := range capable {
		wrapped = append(wrapped, rankable{c})
	}

	ranked := make([]scoring.Ranked, 0, len(wrapped))
	byChannel := make(map[string]discovery.Candidate, len(wrapped))
	for _, w := range wrapped {
		c := w.Candidate
		prov, _ := r.registry.GetProvider(c.Channel.Provider)
		b := scoring.Score(scoring.Input{Channel: c.Channel, Provider: prov, Info: c.Info, Health: r.health.Get(c.Channel.ID)})
		scoring.ApplyStrategy(strategy, &b)
		key := c.Channel.ID + "/" + c.ModelID
		byChannel[key] = c
		ranked = append(ranked, scoring.Ranked{Breakdown: b, ChannelName: key})
	}
	ranked = scoring.Rank(ranked)

	targets := make([]dispatch.Target, 0, len(ranked))
	r.mu.RLock()
	for _, rk := range ranked {
		c := byChannel[rk.ChannelName]
		if adapter, ok := r.providerAdapters[c.Channel.Provider]; ok {
			targets = append(targets, dispatch.Target{Channel: c.Channel, Provider: adapter, ModelID: c.ModelID})
		}
	}
	r.mu.RUnlock()

	ch, channelID, err := r.dispatch.StreamDispatch(ctx, targets, req)
	if err != nil {
		return nil, err
	}
	_ = channelID
	return ch, nil
}
