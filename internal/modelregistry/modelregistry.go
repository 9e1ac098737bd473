// Package modelregistry keeps, per (channel, api-key fingerprint), a
// snapshot of the physical models a channel exposes and their merged
// ModelInfo — the Model/Pricing Registry component.
package modelregistry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/ai-gateway/internal/tagging"
)

// DataSource identifies which override layer last touched a ModelInfo field set.
type DataSource string

const (
	SourceBase             DataSource = "base"
	SourceProviderOverride DataSource = "provider_override"
	SourceChannelOverride  DataSource = "channel_override"
	SourceLocalProbe       DataSource = "local_probe"
	SourceInferred         DataSource = "inferred"
)

// Capabilities describes what a model can be asked to do.
type Capabilities struct {
	Vision         bool
	FunctionCalling bool
	Streaming      bool
	Code           bool
}

// Specs carries the physical characteristics used by the parameter and
// context scoring factors and by size-filter predicates.
type Specs struct {
	ParameterCount  *float64 // raw unit (individual parameters, not billions)
	ContextLength   *int
	MaxOutputTokens *int
}

// Pricing is per-token pricing plus the free flag and optional surcharges.
type Pricing struct {
	InputPricePerToken  *float64
	OutputPricePerToken *float64
	IsFree              bool
	PerRequestSurcharge *float64
	PerImageSurcharge   *float64
}

// ModelInfo is the merged description of one physical model as seen
// through one channel.
type ModelInfo struct {
	ChannelID      string
	ModelID        string
	Capabilities   Capabilities
	Specs          Specs
	Pricing        Pricing
	Quality        float64
	IsLocal        bool
	DataSource     DataSource
	ContextLengthText string // regenerated whenever Specs.ContextLength is set
}

// applyFreePropagation enforces invariant (b): is_free => both prices zero.
func (m *ModelInfo) applyFreePropagation() {
	if m.Pricing.IsFree {
		zero := 0.0
		m.Pricing.InputPricePerToken = &zero
		out := 0.0
		m.Pricing.OutputPricePerToken = &out
	}
}

// setContextLength sets Specs.ContextLength and regenerates the textual form.
func (m *ModelInfo) setContextLength(n int) {
	m.Specs.ContextLength = &n
	m.ContextLengthText = formatContextLength(n)
}

func formatContextLength(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dK", n/1000)
	default:
		return strconv.Itoa(n)
	}
}

// Override is one layer's worth of field overrides. Every field is
// optional; nil/zero-value fields are left untouched by Apply, matching
// the "override application never throws; missing fields left untouched"
// invariant.
type Override struct {
	PricingMultiplier   *float64
	InputPricePerToken  *float64
	OutputPricePerToken *float64
	IsFree              *bool
	QualityBoost        *float64
	IsLocal             *bool
	ParameterCount      *float64
	ContextLength        *int
	MaxOutputTokens      *int
	Vision, FunctionCalling, Streaming, Code *bool
	Source DataSource
}

// Apply layers o onto m in place.
func (o Override) Apply(m *ModelInfo) {
	if o.PricingMultiplier != nil {
		if m.Pricing.InputPricePerToken != nil {
			v := *m.Pricing.InputPricePerToken * *o.PricingMultiplier
			m.Pricing.InputPricePerToken = &v
		}
		if m.Pricing.OutputPricePerToken != nil {
			v := *m.Pricing.OutputPricePerToken * *o.PricingMultiplier
			m.Pricing.OutputPricePerToken = &v
		}
	}
	if o.InputPricePerToken != nil {
		m.Pricing.InputPricePerToken = o.InputPricePerToken
	}
	if o.OutputPricePerToken != nil {
		m.Pricing.OutputPricePerToken = o.OutputPricePerToken
	}
	if o.IsFree != nil {
		m.Pricing.IsFree = *o.IsFree
	}
	if o.QualityBoost != nil {
		m.Quality += *o.QualityBoost
		if m.Quality > 1 {
			m.Quality = 1
		}
	}
	if o.IsLocal != nil {
		m.IsLocal = *o.IsLocal
	}
	if o.ParameterCount != nil {
		m.Specs.ParameterCount = o.ParameterCount
	}
	if o.ContextLength != nil {
		m.setContextLength(*o.ContextLength)
	}
	if o.MaxOutputTokens != nil {
		m.Specs.MaxOutputTokens = o.MaxOutputTokens
	}
	if o.Vision != nil {
		m.Capabilities.Vision = *o.Vision
	}
	if o.FunctionCalling != nil {
		m.Capabilities.FunctionCalling = *o.FunctionCalling
	}
	if o.Streaming != nil {
		m.Capabilities.Streaming = *o.Streaming
	}
	if o.Code != nil {
		m.Capabilities.Code = *o.Code
	}
	if o.Source != "" {
		m.DataSource = o.Source
	}
	m.applyFreePropagation()
}

// Snapshot is the per-(channel, key fingerprint) cached discovery result.
type Snapshot struct {
	ChannelID      string
	KeyFingerprint string
	ModelIDs       []string
	ModelInfos     map[string]*ModelInfo
	RawUpstream    any
	UpdatedAt      time.Time
	UserTier       string // free|pro|premium, heuristically derived
}

// Registry stores model/pricing state, partitioned by (channel, key
// fingerprint). Snapshot writers always install a new *Snapshot via
// atomic.Pointer rather than mutating fields in place, so readers observe
// either the whole old snapshot or the whole new one, never a mix.
type Registry struct {
	partitions sync.Map // key: channelID+"/"+keyFingerprint -> *atomic.Pointer[Snapshot]
	byChannel  sync.Map // key: channelID -> []string of partition keys seen

	baseLayer    func(modelID string) *ModelInfo
	providerOverrides map[string]Override // keyed by provider name
	channelOverrides  map[string]map[string]Override // channelID -> (modelID or "*") -> Override
}

func NewRegistry(baseLayer func(modelID string) *ModelInfo) *Registry {
	return &Registry{
		baseLayer:         baseLayer,
		providerOverrides: make(map[string]Override),
		channelOverrides:  make(map[string]map[string]Override),
	}
}

func (r *Registry) SetProviderOverride(provider string, o Override) {
	r.providerOverrides[provider] = o
}

func (r *Registry) SetChannelOverride(channelID, modelIDOrStar string, o Override) {
	if r.channelOverrides[channelID] == nil {
		r.channelOverrides[channelID] = make(map[string]Override)
	}
	r.channelOverrides[channelID][modelIDOrStar] = o
}

func partitionKey(channelID, keyFingerprint string) string {
	return channelID + "/" + keyFingerprint
}

// PutSnapshot installs a new snapshot for (channelID, keyFingerprint),
// replacing any previous one atomically.
func (r *Registry) PutSnapshot(snap *Snapshot) {
	key := partitionKey(snap.ChannelID, snap.KeyFingerprint)
	ptr, _ := r.partitions.LoadOrStore(key, &atomic.Pointer[Snapshot]{})
	ptr.(*atomic.Pointer[Snapshot]).Store(snap)

	existing, _ := r.byChannel.LoadOrStore(snap.ChannelID, &sync.Map{})
	existing.(*sync.Map).Store(key, true)
}

// GetSnapshot returns the snapshot for an exact partition.
func (r *Registry) GetSnapshot(channelID, keyFingerprint string) (*Snapshot, bool) {
	ptr, ok := r.partitions.Load(partitionKey(channelID, keyFingerprint))
	if !ok {
		return nil, false
	}
	s := ptr.(*atomic.Pointer[Snapshot]).Load()
	return s, s != nil
}

// AnySnapshotForChannel returns any snapshot known for channelID, used as a
// fallback when only the channel id is known (no specific key).
func (r *Registry) AnySnapshotForChannel(channelID string) (*Snapshot, bool) {
	keysAny, ok := r.byChannel.Load(channelID)
	if !ok {
		return nil, false
	}
	var found *Snapshot
	keysAny.(*sync.Map).Range(func(k, _ any) bool {
		ptr, ok := r.partitions.Load(k)
		if !ok {
			return true
		}
		s := ptr.(*atomic.Pointer[Snapshot]).Load()
		if s != nil {
			found = s
			return false
		}
		return true
	})
	return found, found != nil
}

// AllSnapshots returns every currently installed snapshot, used by candidate
// discovery to scan across channels.
func (r *Registry) AllSnapshots() []*Snapshot {
	var out []*Snapshot
	r.partitions.Range(func(_, v any) bool {
		if s := v.(*atomic.Pointer[Snapshot]).Load(); s != nil {
			out = append(out, s)
		}
		return true
	})
	return out
}

// Resolve computes ModelInfo(channel, model) by applying the three-layer
// override resolution order: base -> provider -> channel ("*" then
// per-model, per-model taking precedence).
func (r *Registry) Resolve(providerName, channelID, modelID string) *ModelInfo {
	info := r.resolveBase(channelID, modelID)

	if po, ok := r.providerOverrides[providerName]; ok {
		po.Apply(info)
	}
	if chOverrides, ok := r.channelOverrides[channelID]; ok {
		if wide, ok := chOverrides["*"]; ok {
			wide.Apply(info)
		}
		if perModel, ok := chOverrides[modelID]; ok {
			perModel.Apply(info)
		}
	}
	return info
}

func (r *Registry) resolveBase(channelID, modelID string) *ModelInfo {
	if snap, ok := r.AnySnapshotForChannel(channelID); ok {
		if info, ok := snap.ModelInfos[modelID]; ok {
			clone := *info
			return &clone
		}
	}
	if r.baseLayer != nil {
		if info := r.baseLayer(modelID); info != nil {
			info.ChannelID = channelID
			info.ModelID = modelID
			return info
		}
	}
	return InferFromModelID(channelID, modelID)
}

var paramLiteral = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*b\b`)
var contextLiteral = regexp.MustCompile(`(?i)(\d+)\s*k\b`)

// InferFromModelID synthesises a base ModelInfo from the model id alone
// using the tag extractor plus literal heuristics like "7b" or "32k",
// used when no upstream-reported snapshot entry exists.
func InferFromModelID(channelID, modelID string) *ModelInfo {
	info := &ModelInfo{
		ChannelID:  channelID,
		ModelID:    modelID,
		Quality:    0.6,
		DataSource: SourceInferred,
	}
	lower := strings.ToLower(modelID)

	if m := paramLiteral.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			params := v * 1e9
			info.Specs.ParameterCount = &params
		}
	}
	if m := contextLiteral.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			info.setContextLength(v * 1000)
		}
	}

	tags := tagging.ExtractTags(modelID)
	for _, t := range tags {
		if t == "free" {
			info.Pricing.IsFree = true
		}
	}
	info.applyFreePropagation()
	return info
}
