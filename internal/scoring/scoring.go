// Package scoring implements the eight-factor scoring model, named
// weighted strategies, and hierarchical tie-break sort of the Scoring
// Engine component — ported factor-for-factor from the routing engine's
// original scoring implementation.
package scoring

import (
	"math/rand"
	"sort"
	"strings"

	"github.com/ferro-labs/ai-gateway/internal/health"
	"github.com/ferro-labs/ai-gateway/internal/modelregistry"
	"github.com/ferro-labs/ai-gateway/internal/registry"
)

// Breakdown holds the eight [0,1] factor scores plus the composite total
// and the hierarchical tie-break bucket.
type Breakdown struct {
	ChannelID   string
	ModelID     string
	Cost        float64
	Speed       float64
	Quality     float64
	Reliability float64
	Parameter   float64
	Context     float64
	Free        float64
	Local       float64
	Total       float64
	Bucket      int64
	Reason      string
}

// Rule is one (factor, weight, order) entry of a Strategy.
type Rule struct {
	Field  string // cost, speed, quality, reliability, parameter, context, free, local
	Weight float64
	Order  string // asc | desc
}

// Strategy is an ordered list of weighted factor rules.
type Strategy []Rule

// Named presets, carried verbatim (weights and ordering) from the scoring
// implementation this engine was ported from.
var Presets = map[string]Strategy{
	"cost_first": {
		{"cost", 0.4, "desc"},
		{"parameter", 0.25, "desc"},
		{"context", 0.2, "desc"},
		{"speed", 0.15, "desc"},
	},
	"free_first": {
		{"free", 0.5, "desc"},
		{"cost", 0.3, "desc"},
		{"speed", 0.15, "desc"},
		{"reliability", 0.05, "desc"},
	},
	"local_first": {
		{"local", 0.6, "desc"},
		{"speed", 0.25, "desc"},
		{"cost", 0.1, "desc"},
		{"reliability", 0.05, "desc"},
	},
	"cost_optimized": {
		{"cost", 0.7, "desc"},
		{"reliability", 0.2, "desc"},
		{"speed", 0.1, "desc"},
	},
	"speed_optimized": {
		{"speed", 0.4, "desc"},
		{"cost", 0.3, "desc"},
		{"parameter", 0.2, "desc"},
		{"context", 0.1, "desc"},
	},
	"quality_optimized": {
		{"parameter", 0.4, "desc"},
		{"context", 0.3, "desc"},
		{"quality", 0.2, "desc"},
		{"cost", 0.1, "desc"},
	},
	"balanced": {
		{"cost", 0.3, "desc"},
		{"parameter", 0.25, "desc"},
		{"context", 0.2, "desc"},
		{"speed", 0.15, "desc"},
		{"reliability", 0.1, "desc"},
	},
}

const DefaultStrategyName = "cost_first"

// Resolve looks up a named strategy, falling back to cost_first.
func Resolve(name string, custom map[string]Strategy) Strategy {
	if name == "" {
		name = DefaultStrategyName
	}
	if custom != nil {
		if s, ok := custom[name]; ok {
			return s
		}
	}
	if s, ok := Presets[name]; ok {
		return s
	}
	return Presets[DefaultStrategyName]
}

// Input bundles everything a factor calculation needs for one candidate.
type Input struct {
	Channel          *registry.Channel
	Provider         *registry.Provider
	Info             *modelregistry.ModelInfo
	Health           health.State
	EstimatedCost    float64 // dollars, computed by the caller from token estimate x pricing
}

const maxReferenceCost = 0.05
const freeEpsilon = 1e-9

// CostScore normalises a dollar cost estimate to [0,1]; free is 1.0.
func CostScore(in Input) float64 {
	if in.Info.Pricing.IsFree {
		return 1.0
	}
	cost := in.EstimatedCost
	if cost <= 0 {
		return 1.0
	}
	normalized := cost / maxReferenceCost
	if normalized > 1 {
		normalized = 1
	}
	score := 1.0 - normalized
	if score < 0 {
		score = 0
	}
	return score
}

// SpeedScore steps on average response time in milliseconds.
func SpeedScore(in Input) float64 {
	if in.Health.RequestCount == 0 {
		return 0.6
	}
	ms := in.Health.LatencyEWMAms
	switch {
	case ms <= 500:
		return 1.0
	case ms <= 1000:
		return 0.9
	case ms <= 2000:
		return 0.8
	case ms <= 4000:
		return 0.6
	case ms <= 6000:
		return 0.4
	default:
		return 0.2
	}
}

var qualityKeywords = []struct {
	keyword string
	score   float64
}{
	{"gpt-4", 0.95},
	{"claude-3-opus", 0.93},
	{"claude", 0.9},
	{"gpt-4-turbo", 0.9},
	{"gpt-4o", 0.9},
	{"deepseek-v3", 0.87},
	{"qwen-max", 0.85},
	{"qwen-plus", 0.83},
	{"gpt-3.5", 0.75},
	{"gemini-1.5-flash", 0.72},
	{"glm-4", 0.7},
}

// QualityScore is a keyword lookup table on the physical model id, monotone
// with published model tier.
func QualityScore(modelID string) float64 {
	lower := strings.ToLower(modelID)
	for _, kw := range qualityKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.score
		}
	}
	return 0.6
}

// ReliabilityScore uses the rolling health score once enough samples exist.
func ReliabilityScore(h health.State) float64 {
	if h.RequestCount < 5 {
		return 0.5
	}
	return h.Score()
}

// ParameterScore steps on parameter count in raw units.
func ParameterScore(info *modelregistry.ModelInfo) float64 {
	if info.Specs.ParameterCount == nil {
		return 0.5
	}
	p := *info.Specs.ParameterCount
	switch {
	case p >= 1_000_000_000_000:
		return 1.0
	case p >= 500_000_000_000:
		return 0.9
	case p >= 200_000_000_000:
		return 0.8
	case p >= 100_000_000_000:
		return 0.7
	case p >= 50_000_000_000:
		return 0.6
	case p >= 20_000_000_000:
		return 0.5
	case p >= 7_000_000_000:
		return 0.4
	default:
		return 0.3
	}
}

// ContextScore steps on context window length in tokens.
func ContextScore(info *modelregistry.ModelInfo) float64 {
	if info.Specs.ContextLength == nil {
		return 0.5
	}
	c := *info.Specs.ContextLength
	switch {
	case c >= 2_000_000:
		return 1.0
	case c >= 1_000_000:
		return 0.95
	case c >= 512_000:
		return 0.9
	case c >= 200_000:
		return 0.85
	case c >= 128_000:
		return 0.8
	case c >= 64_000:
		return 0.7
	case c >= 32_000:
		return 0.6
	case c >= 16_000:
		return 0.5
	case c >= 8_000:
		return 0.4
	case c >= 4_000:
		return 0.3
	default:
		return 0.2
	}
}

// FreeScore is 1.0 when the model name or pricing indicates a free tier.
func FreeScore(modelID string, info *modelregistry.ModelInfo) float64 {
	lower := strings.ToLower(modelID)
	if strings.Contains(lower, "free") || strings.Contains(modelID, "免费") {
		return 1.0
	}
	if info.Pricing.IsFree {
		return 1.0
	}
	in := info.Pricing.InputPricePerToken
	out := info.Pricing.OutputPricePerToken
	if in != nil && out != nil && *in <= freeEpsilon && *out <= freeEpsilon {
		return 1.0
	}
	return 0.1
}

var localProviderTokens = []string{"ollama", "llama.cpp", "lmstudio"}
var localHostIndicators = []string{"localhost", "127.0.0.1", "0.0.0.0", "::1"}

// LocalScore is 1.0 for loopback/LAN endpoints or known local-runner
// providers, 0.8 for a model id naming a local runner, else 0.1.
func LocalScore(channel *registry.Channel, provider *registry.Provider, modelID string) float64 {
	if provider != nil && provider.LocalProvider {
		return 1.0
	}
	baseURL := channel.BaseURLOverride
	if baseURL == "" && provider != nil {
		baseURL = provider.BaseURL()
	}
	lowerURL := strings.ToLower(baseURL)
	for _, ind := range localHostIndicators {
		if strings.Contains(lowerURL, ind) {
			return 1.0
		}
	}
	lowerModel := strings.ToLower(modelID)
	for _, tok := range localProviderTokens {
		if strings.Contains(lowerModel, tok) {
			return 0.8
		}
	}
	return 0.1
}

// Score computes the full Breakdown for one candidate.
func Score(in Input) Breakdown {
	b := Breakdown{
		ChannelID:   in.Channel.ID,
		ModelID:     in.Info.ModelID,
		Cost:        CostScore(in),
		Speed:       SpeedScore(in),
		Quality:     QualityScore(in.Info.ModelID),
		Reliability: ReliabilityScore(in.Health),
		Parameter:   ParameterScore(in.Info),
		Context:     ContextScore(in.Info),
		Free:        FreeScore(in.Info.ModelID, in.Info),
		Local:       LocalScore(in.Channel, in.Provider, in.Info.ModelID),
	}
	return b
}

func (b *Breakdown) field(name string) float64 {
	switch name {
	case "cost":
		return b.Cost
	case "speed":
		return b.Speed
	case "quality":
		return b.Quality
	case "reliability":
		return b.Reliability
	case "parameter":
		return b.Parameter
	case "context":
		return b.Context
	case "free":
		return b.Free
	case "local":
		return b.Local
	default:
		return 0
	}
}

// ApplyStrategy computes Total and Bucket for b under strategy, and a
// human-readable Reason string for logging/UX.
func ApplyStrategy(strategy Strategy, b *Breakdown) {
	var totalWeight, total float64
	for _, rule := range strategy {
		score := b.field(rule.Field)
		if rule.Order == "asc" {
			score = 1.0 - score
		}
		total += score * rule.Weight
		totalWeight += rule.Weight
	}
	if totalWeight == 0 {
		b.Total = 0.5
	} else {
		b.Total = total / totalWeight
	}
	b.Bucket = hierarchicalBucket(*b)
	b.Reason = reasonString(*b)
}

func tier(score float64) int64 {
	t := int64(score * 9)
	if t > 9 {
		t = 9
	}
	if t < 0 {
		t = 0
	}
	return t
}

// hierarchicalBucket composes the fixed-order six-digit tie-break integer:
// cost, context, parameter, speed, quality, reliability — each bucketed
// into a 0-9 decile. This, not Total, is the primary sort key.
func hierarchicalBucket(b Breakdown) int64 {
	return tier(b.Cost)*100000 +
		tier(b.Context)*10000 +
		tier(b.Parameter)*1000 +
		tier(b.Speed)*100 +
		tier(b.Quality)*10 +
		tier(b.Reliability)
}

func reasonString(b Breakdown) string {
	return "cost:" + trimf(b.Cost) + " speed:" + trimf(b.Speed) +
		" quality:" + trimf(b.Quality) + " reliability:" + trimf(b.Reliability)
}

func trimf(v float64) string {
	const digits = "0123456789"
	whole := int(v)
	frac := int((v-float64(whole))*100 + 0.5)
	if frac < 0 {
		frac = 0
	}
	if frac > 99 {
		frac = 99
	}
	out := []byte{digits[whole], '.', digits[frac/10], digits[frac%10]}
	return string(out)
}

// Ranked carries a Breakdown alongside the channel name needed for the
// deterministic tiebreak.
type Ranked struct {
	Breakdown   Breakdown
	ChannelName string
}

// Rank sorts scored candidates by hierarchical bucket descending, channel
// name ascending as the deterministic tiebreak.
func Rank(scored []Ranked) []Ranked {
	out := append([]Ranked(nil), scored...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Breakdown.Bucket != out[j].Breakdown.Bucket {
			return out[i].Breakdown.Bucket > out[j].Breakdown.Bucket
		}
		return out[i].ChannelName < out[j].ChannelName
	})
	return out
}

// PreFilterable is the minimal shape PreFilter needs.
type PreFilterable interface {
	IsFree() bool
	Priority() int
	IsLocal() bool
	Enabled() bool
}

// PreFilter cheaply reduces a large candidate set to maxChannels before
// full scoring, using only {is-free, priority, is-local, enabled}. It must
// not change the eventual winner when that winner is already
// free/local/high-priority, since those signals dominate the cheap score
// the same way they dominate full scoring's free/local factors.
func PreFilter[T PreFilterable](candidates []T, maxChannels int) []T {
	if len(candidates) <= maxChannels {
		return candidates
	}
	type scored struct {
		score float64
		item  T
	}
	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		s := 0.0
		if c.IsFree() {
			s += 1000
		}
		if c.Priority() > 0 {
			s += float64(10-c.Priority()) * 10
		}
		if c.IsLocal() {
			s += 100
		}
		if c.Enabled() {
			s += 50
		}
		s += rand.Float64() * 10 //nolint:gosec
		scoredList[i] = scored{score: s, item: c}
	}
	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })
	out := make([]T, 0, maxChannels)
	for i := 0; i < maxChannels && i < len(scoredList); i++ {
		out = append(out, scoredList[i].item)
	}
	return out
}
