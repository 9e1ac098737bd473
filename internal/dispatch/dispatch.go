// Package dispatch attempts a ranked list of (channel, physical model)
// targets against their provider adapters, failing over to the next
// target on a retryable error — the Dispatcher component. The retry loop
// and exponential per-target backoff are ported from
// internal/strategies/fallback.go's provider-failover strategy. A
// per-channel circuit breaker, adapted from internal/circuitbreaker, gates
// dispatch independently of the (channel, model) blacklist: the breaker
// trips on repeated failures against a channel regardless of which model
// was requested, and probes recovery with a single half-open attempt
// instead of waiting out a fixed cool-off.
package dispatch

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ferro-labs/ai-gateway/internal/blacklist"
	"github.com/ferro-labs/ai-gateway/internal/circuitbreaker"
	"github.com/ferro-labs/ai-gateway/internal/health"
	"github.com/ferro-labs/ai-gateway/internal/logging"
	"github.com/ferro-labs/ai-gateway/internal/registry"
	"github.com/ferro-labs/ai-gateway/internal/routeerr"
	"github.com/ferro-labs/ai-gateway/providers"
)

// Target is one ranked candidate ready to be dispatched to.
type Target struct {
	Channel  *registry.Channel
	Provider providers.Provider
	ModelID  string
}

// Outcome reports which target actually served the request, for callers
// that need to write back to the request cache or surface attribution.
type Outcome struct {
	ChannelID string
	ModelID   string
	Response  *providers.Response
	Attempts  int
}

// Dispatcher owns the per-target retry policy and updates health/blacklist
// state as a side effect of every attempt.
type Dispatcher struct {
	health     *health.Tracker
	blacklist  *blacklist.List
	maxRetries int

	breakersMu sync.Mutex
	breakers   map[string]*circuitbreaker.CircuitBreaker
}

func New(h *health.Tracker, bl *blacklist.List) *Dispatcher {
	return &Dispatcher{
		health:    h,
		blacklist: bl,
		maxRetries: 2,
		breakers:  make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

func (d *Dispatcher) WithMaxRetries(n int) *Dispatcher {
	d.maxRetries = n
	return d
}

func (d *Dispatcher) breakerFor(channelID string) *circuitbreaker.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	cb, ok := d.breakers[channelID]
	if !ok {
		cb = circuitbreaker.New(5, 1, 30*time.Second)
		d.breakers[channelID] = cb
	}
	return cb
}

// Dispatch tries targets in order. A target already blacklisted for its
// (channel, model) pair, or whose channel's circuit breaker is open, is
// skipped without being attempted. Each target gets up to maxRetries
// attempts in total, with exponential backoff between them, before moving
// on. A non-retryable failure is returned at once without trying further
// targets.
// Context cancellation aborts immediately, it is never treated as a
// retryable per-target failure.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []Target, req providers.Request) (*Outcome, error) {
	if len(targets) == 0 {
		return nil, routeerr.New(routeerr.NoCandidates, "no dispatch targets")
	}

	log := logging.FromContext(ctx)
	var lastErr error
	attempts := 0

	for _, target := range targets {
		if d.blacklist != nil && d.blacklist.IsBlacklisted(target.Channel.ID, target.ModelID) {
			continue
		}
		breaker := d.breakerFor(target.Channel.ID)
		if !breaker.Allow() {
			continue
		}

		attemptReq := req
		attemptReq.Model = target.ModelID

		var kind routeerr.Kind

		for attempt := 0; attempt < d.maxRetries; attempt++ {
			if attempt > 0 {
				backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 200 * time.Millisecond
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
			}

			attempts++
			start := time.Now()
			resp, err := target.Provider.Complete(ctx, attemptReq)
			latency := time.Since(start)

			if err == nil {
				if d.health != nil {
					d.health.RecordSuccess(target.Channel.ID, latency)
				}
				breaker.RecordSuccess()
				resp.Provider = target.Provider.Name()
				resp.Model = target.ModelID
				return &Outcome{ChannelID: target.Channel.ID, ModelID: target.ModelID, Response: resp, Attempts: attempts}, nil
			}

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			kind = ClassifyError(err)
			lastErr = routeerr.Wrap(kind, "dispatch attempt failed", err).
				WithDetail("channel", target.Channel.ID).
				WithDetail("model", target.ModelID)

			if d.health != nil {
				d.health.RecordFailure(target.Channel.ID, string(kind))
			}
			breaker.RecordFailure()
			log.Warn("dispatch attempt failed",
				"channel", target.Channel.ID, "model", target.ModelID,
				"attempt", attempt+1, "kind", kind, "error", err.Error())

			if !routeerr.Retryable(kind) {
				break
			}
		}

		d.recordFailureOutcome(target, kind)
		if !routeerr.Retryable(kind) {
			return nil, lastErr
		}
	}

	if lastErr == nil {
		lastErr = routeerr.New(routeerr.NoCandidates, "all dispatch targets exhausted")
	}
	return nil, lastErr
}

// recordFailureOutcome applies the §7 post-failure side effects for a
// target that exhausted its retries: the blacklist entry (kind-aware,
// skipped entirely for non-blacklisting kinds) and, for an invalid
// credential, marking the key state invalid so the scheduler's key
// validation task picks it up for re-validation.
func (d *Dispatcher) recordFailureOutcome(target Target, kind routeerr.Kind) {
	if d.blacklist != nil {
		d.blacklist.Add(target.Channel.ID, target.ModelID, kind)
	}
	if kind == routeerr.AuthInvalid && d.health != nil {
		fingerprint := registry.KeyFingerprint(target.Channel.Secret())
		d.health.MarkKeyInvalid(target.Channel.ID, fingerprint)
	}
}

// StreamDispatch is the streaming counterpart of Dispatch: it fails over
// between targets the same way, but only before the first chunk has been
// written to the caller — once a provider starts streaming bytes, a
// mid-stream failure is surfaced to the caller rather than silently
// retried against a different channel, since partial output may already
// be visible to the end user.
func (d *Dispatcher) StreamDispatch(ctx context.Context, targets []Target, req providers.Request) (<-chan providers.StreamChunk, string, error) {
	if len(targets) == 0 {
		return nil, "", routeerr.New(routeerr.NoCandidates, "no dispatch targets")
	}

	var lastErr error
	for _, target := range targets {
		if d.blacklist != nil && d.blacklist.IsBlacklisted(target.Channel.ID, target.ModelID) {
			continue
		}
		breaker := d.breakerFor(target.Channel.ID)
		if !breaker.Allow() {
			continue
		}
		sp, ok := target.Provider.(providers.StreamProvider)
		if !ok {
			continue
		}

		attemptReq := req
		attemptReq.Model = target.ModelID

		start := time.Now()
		ch, err := sp.CompleteStream(ctx, attemptReq)
		if err != nil {
			kind := ClassifyError(err)
			lastErr = routeerr.Wrap(kind, "stream dispatch failed", err).WithDetail("channel", target.Channel.ID)
			if d.health != nil {
				d.health.RecordFailure(target.Channel.ID, string(kind))
			}
			breaker.RecordFailure()
			d.recordFailureOutcome(target, kind)
			if !routeerr.Retryable(kind) {
				return nil, "", lastErr
			}
			continue
		}
		if d.health != nil {
			d.health.RecordSuccess(target.Channel.ID, time.Since(start))
		}
		breaker.RecordSuccess()
		return ch, target.Channel.ID, nil
	}

	if lastErr == nil {
		lastErr = routeerr.New(routeerr.NoCandidates, "all streaming dispatch targets exhausted")
	}
	return nil, "", lastErr
}

// ClassifyError maps a provider-returned error to a routeerr.Kind used to
// decide retryability and to tag health/blacklist records. Providers
// return plain errors, so classification is heuristic rather than a type
// switch over a closed set.
func ClassifyError(err error) routeerr.Kind {
	if err == nil {
		return ""
	}
	if ce, ok := err.(interface{ StatusCode() int }); ok {
		return kindForStatus(ce.StatusCode())
	}
	return routeerr.UpstreamServerError
}

func kindForStatus(status int) routeerr.Kind {
	switch {
	case status == 401 || status == 403:
		return routeerr.AuthInvalid
	case status == 429:
		return routeerr.RateLimited
	case status == 408:
		return routeerr.UpstreamTimeout
	case status >= 500:
		return routeerr.UpstreamServerError
	case status >= 400:
		return routeerr.RequestMalformed
	default:
		return routeerr.UpstreamServerError
	}
}
