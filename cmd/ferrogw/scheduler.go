package main

import (
	"context"
	"log"
	"time"

	"github.com/ferro-labs/ai-gateway/internal/health"
	"github.com/ferro-labs/ai-gateway/internal/modelregistry"
	"github.com/ferro-labs/ai-gateway/internal/persist"
	"github.com/ferro-labs/ai-gateway/internal/registry"
	"github.com/ferro-labs/ai-gateway/internal/scheduler"
	"github.com/ferro-labs/ai-gateway/providers"
	"github.com/ferro-labs/ai-gateway/router"
)

// startScheduler wires the five background tasks onto gw and runs the
// scheduler loop until ctx is cancelled. The interval defaults mirror the
// teacher's single hardcoded discovery interval, generalized per task:
// live model discovery is the one with staleness most visible to a caller,
// so it runs most often of the infrequent tasks; key re-validation and
// pricing drift far more slowly.
func startScheduler(ctx context.Context, gw *router.Router, providerRegistry *providers.Registry, store *persist.Store) {
	s := scheduler.New(time.Second, 5)

	s.Register(scheduler.Task{
		Name:     "model_discovery",
		Interval: 6 * time.Hour,
		Run:      func(ctx context.Context) error { return runModelDiscovery(ctx, gw, providerRegistry, store) },
	})
	s.Register(scheduler.Task{
		Name:     "pricing_refresh",
		Interval: 12 * time.Hour,
		Run:      func(ctx context.Context) error { return runPricingRefresh(gw, store) },
	})
	s.Register(scheduler.Task{
		Name:     "health_check",
		Interval: 30 * time.Minute,
		Run:      func(ctx context.Context) error { return runHealthCheck(gw, store) },
	})
	s.Register(scheduler.Task{
		Name:     "key_validation",
		Interval: 6 * time.Hour,
		Run:      func(ctx context.Context) error { return runKeyValidation(ctx, gw, providerRegistry) },
	})
	s.Register(scheduler.Task{
		Name:     "cache_cleanup",
		Interval: 24 * time.Hour,
		Run:      func(ctx context.Context) error { return runCacheCleanup(gw) },
	})

	log.Println("Scheduler started: model_discovery@6h pricing_refresh@12h health_check@30m key_validation@6h cache_cleanup@24h")
	s.Run(ctx)
}

// runModelDiscovery refreshes the live model snapshot for every channel
// whose provider implements providers.DiscoveryProvider, persisting the
// result so a restart doesn't start from an empty model registry.
func runModelDiscovery(ctx context.Context, gw *router.Router, providerRegistry *providers.Registry, store *persist.Store) error {
	for _, ch := range gw.Registry().GetAll() {
		p, ok := providerRegistry.Get(ch.Provider)
		if !ok {
			continue
		}
		dp, ok := p.(providers.DiscoveryProvider)
		if !ok {
			continue
		}
		discovered, err := dp.DiscoverModels(ctx)
		if err != nil {
			log.Printf("model_discovery: channel %s: %v", ch.ID, err)
			continue
		}

		ids := make([]string, 0, len(discovered))
		infos := make(map[string]*modelregistry.ModelInfo, len(discovered))
		for _, m := range discovered {
			ids = append(ids, m.ID)
			infos[m.ID] = modelregistry.InferFromModelID(ch.ID, m.ID)
		}

		fp := registry.KeyFingerprint(ch.Secret())
		snap := &modelregistry.Snapshot{
			ChannelID:      ch.ID,
			KeyFingerprint: fp,
			ModelIDs:       ids,
			ModelInfos:     infos,
			UpdatedAt:      time.Now(),
		}
		gw.Models().PutSnapshot(snap)

		if store != nil {
			_ = store.WriteAPIKeySnapshot(persist.APIKeySnapshot{ChannelID: ch.ID, KeyFingerprint: fp, ModelIDs: ids})
			_ = store.WriteChannelMapping(persist.ChannelMapping{ChannelID: ch.ID, KeyFingerprints: []string{fp}})
		}
	}
	gw.InvalidateCache()
	return nil
}

// runPricingRefresh re-derives each channel's merged pricing from its
// current model snapshot and persists it. Pricing itself is computed by
// the override chain in internal/modelregistry; this task's job is only to
// walk every known (channel, model) pair and write the merged result out.
func runPricingRefresh(gw *router.Router, store *persist.Store) error {
	if store == nil {
		return nil
	}
	for _, ch := range gw.Registry().GetAll() {
		snap, ok := gw.Models().AnySnapshotForChannel(ch.ID)
		if !ok {
			continue
		}
		entries := make([]persist.PricingEntry, 0, len(snap.ModelIDs))
		for _, modelID := range snap.ModelIDs {
			info := gw.Models().Resolve(ch.Provider, ch.ID, modelID)
			if info == nil {
				continue
			}
			entries = append(entries, persist.PricingEntry{
				ChannelID:           ch.ID,
				ModelID:             modelID,
				InputPricePerToken:  info.Pricing.InputPricePerToken,
				OutputPricePerToken: info.Pricing.OutputPricePerToken,
				IsFree:              info.Pricing.IsFree,
			})
		}
		if err := store.WritePricing(ch.ID, entries); err != nil {
			log.Printf("pricing_refresh: channel %s: %v", ch.ID, err)
		}
	}
	return nil
}

// runHealthCheck sweeps expired blacklist entries and persists the current
// health rollup for every channel with recorded state, so the dashboard and
// a restarted process both see recent failure history.
func runHealthCheck(gw *router.Router, store *persist.Store) error {
	gw.Blacklist().Sweep()
	if store == nil {
		return nil
	}
	for _, channelID := range gw.Health().ChannelIDs() {
		state := gw.Health().Get(channelID)
		ch, ok := gw.Registry().GetChannel(channelID)
		var keyState health.KeyState
		if ok {
			keyState = gw.Health().GetKeyState(channelID, registry.KeyFingerprint(ch.Secret()))
		}
		snap := persist.HealthSnapshot{
			ChannelID:           channelID,
			SuccessCount:        state.SuccessCount,
			RequestCount:        state.RequestCount,
			LatencyEWMAms:       state.LatencyEWMAms,
			LastErrorKind:       state.LastErrorKind,
			KeyValid:            keyState.Valid,
			ConsecutiveFailures: keyState.ConsecutiveFailures,
			NextValidation:      keyState.NextValidation,
		}
		if err := store.WriteHealth(snap); err != nil {
			log.Printf("health_check: channel %s: %v", channelID, err)
		}
	}
	return nil
}

// runKeyValidation re-probes every key whose backoff window has elapsed
// since its last recorded auth failure, using a cheap model-list call
// rather than issuing a real completion. A channel that can no longer list
// models is left invalid and scheduled for the next backoff step; one that
// succeeds is marked valid and its blacklist entries lifted so routing can
// pick it again immediately rather than waiting out the permanent
// auth-failure blacklist entry.
func runKeyValidation(ctx context.Context, gw *router.Router, providerRegistry *providers.Registry) error {
	due := gw.Health().DueForValidation(time.Now())
	for _, ref := range due {
		ch, ok := gw.Registry().GetChannel(ref.ChannelID)
		if !ok {
			continue
		}
		p, ok := providerRegistry.Get(ch.Provider)
		if !ok {
			continue
		}

		var valid bool
		if dp, ok := p.(providers.DiscoveryProvider); ok {
			_, err := dp.DiscoverModels(ctx)
			valid = err == nil
		} else {
			valid = len(p.SupportedModels()) > 0
		}

		if valid {
			gw.Health().MarkKeyValid(ref.ChannelID, ref.KeyFingerprint)
			for _, modelID := range ch.ConfiguredModels {
				gw.Blacklist().Remove(ref.ChannelID, modelID)
			}
		} else {
			gw.Health().MarkKeyInvalid(ref.ChannelID, ref.KeyFingerprint)
		}
	}
	return nil
}

// runCacheCleanup drops every cached routing decision. It runs far less
// often than the blacklist sweep in runHealthCheck because a stale cache
// entry self-corrects on its own TTL; this task exists mainly to bound
// memory for a long-running process that has seen many distinct virtual
// model queries.
func runCacheCleanup(gw *router.Router) error {
	gw.InvalidateCache()
	return nil
}
