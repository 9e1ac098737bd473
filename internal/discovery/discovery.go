// Package discovery resolves a virtual-model query string into the set of
// (channel, physical model) candidates that might serve it — the
// Candidate Discovery component. It dispatches on the query's shape, in
// order: a standalone parameter-size predicate, an explicit tag query, an
// implicit (prefix-less) tag query, a plain model name resolved against
// both cached snapshots and extracted tags, and finally a configured
// fallback channel list.
package discovery

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ferro-labs/ai-gateway/internal/modelregistry"
	"github.com/ferro-labs/ai-gateway/internal/registry"
	"github.com/ferro-labs/ai-gateway/internal/routeerr"
	"github.com/ferro-labs/ai-gateway/internal/sizefilter"
	"github.com/ferro-labs/ai-gateway/internal/tagging"
)

// Candidate is one (channel, physical model) pair eligible for scoring.
type Candidate struct {
	Channel *registry.Channel
	ModelID string
	Info    *modelregistry.ModelInfo
}

func (c Candidate) ParameterCount() (float64, bool) {
	if c.Info == nil || c.Info.Specs.ParameterCount == nil {
		return 0, false
	}
	return *c.Info.Specs.ParameterCount, true
}

func (c Candidate) InputContextLength() (float64, bool) {
	if c.Info == nil || c.Info.Specs.ContextLength == nil {
		return 0, false
	}
	return float64(*c.Info.Specs.ContextLength), true
}

func (c Candidate) OutputContextLength() (float64, bool) {
	if c.Info == nil || c.Info.Specs.MaxOutputTokens == nil {
		return 0, false
	}
	return float64(*c.Info.Specs.MaxOutputTokens), true
}

// Query is one incoming routing request's virtual-model specification.
type Query struct {
	Raw              string   // e.g. "qwen3-<8b", "tag:fast,!vision", "vision,fast", or a plain model name
	FallbackChannels []string // configured channel IDs used only if all other branches are empty
	UserTier         string
}

const (
	autoPrefix = "auto:"
	tagPrefix1 = "tag:"
	tagPrefix2 = "tags:"
)

type tagQuery struct {
	require []string
	exclude []string
}

func splitTagList(s string) tagQuery {
	var q tagQuery
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.HasPrefix(tok, "!") {
			q.exclude = append(q.exclude, strings.TrimSpace(tok[1:]))
		} else {
			q.require = append(q.require, tok)
		}
	}
	return q
}

// parseQuery extracts the tag query and size-filter tokens from the
// "auto:"/"tag:"/"tags:" forms. Any comma-separated token that parses as a
// size-filter predicate is pulled out of the tag list, since the implicit
// grammar mixes parameter predicates and tags in the same list.
func parseQuery(raw string) (q tagQuery, filters []*sizefilter.Filter, isTagForm bool) {
	var body string
	switch {
	case strings.HasPrefix(raw, autoPrefix):
		body = raw[len(autoPrefix):]
		isTagForm = true
	case strings.HasPrefix(raw, tagPrefix2):
		body = raw[len(tagPrefix2):]
		isTagForm = true
	case strings.HasPrefix(raw, tagPrefix1):
		body = raw[len(tagPrefix1):]
		isTagForm = true
	default:
		return tagQuery{}, nil, false
	}

	full := splitTagList(body)
	q.require, filters = peelFilters(full.require, filters)
	q.exclude, filters = peelFilters(full.exclude, filters)
	return q, filters, true
}

func peelFilters(tokens []string, filters []*sizefilter.Filter) ([]string, []*sizefilter.Filter) {
	var remaining []string
	for _, tok := range tokens {
		f, err := sizefilter.Parse(tok)
		if err != nil {
			remaining = append(remaining, tok)
			continue
		}
		if f != nil {
			filters = append(filters, f)
			continue
		}
		remaining = append(remaining, tok)
	}
	return remaining, filters
}

// Resolve runs the branch chain described in the package doc and returns
// the first branch's candidate set, or an error identifying which branch
// failed and why.
func Resolve(reg *registry.Registry, models *modelregistry.Registry, q Query) ([]Candidate, error) {
	raw := strings.TrimSpace(q.Raw)

	// Branch 1: standalone parameter-size predicate, e.g. "qwen3-<8b".
	if prefix, filter, ok := sizefilter.ParsePredicate(raw); ok {
		candidates := byParameterPredicate(reg, models, prefix, filter)
		if len(candidates) > 0 {
			return candidates, nil
		}
		return nil, routeerr.New(routeerr.ParameterComparisonFailed, "parameter predicate matched no cached model").
			WithDetail("query", raw).WithDetail("prefix", prefix)
	}

	// Branch 2: explicit tag query ("auto:"/"tag:"/"tags:" prefix).
	if tq, filters, ok := parseQuery(raw); ok {
		candidates := sizefilter.Apply(byTags(reg, models, tq), filters)
		if len(candidates) > 0 {
			return candidates, nil
		}
		return nil, routeerr.New(routeerr.TagNotFound, "tag query matched no candidates").
			WithDetail("query", raw).
			WithDetail("require", tq.require).
			WithDetail("exclude", tq.exclude)
	}

	// Branch 3: implicit tag query — same grammar as (2) without the prefix,
	// recognised by the presence of a comma.
	if strings.Contains(raw, ",") {
		full := splitTagList(raw)
		var tq tagQuery
		var filters []*sizefilter.Filter
		tq.require, filters = peelFilters(full.require, filters)
		tq.exclude, filters = peelFilters(full.exclude, filters)
		candidates := sizefilter.Apply(byTags(reg, models, tq), filters)
		if len(candidates) > 0 {
			return candidates, nil
		}
		return nil, routeerr.New(routeerr.TagNotFound, "implicit tag query matched no candidates").
			WithDetail("query", raw).
			WithDetail("require", tq.require).
			WithDetail("exclude", tq.exclude)
	}

	// Branch 4: plain name, union-deduplicated across physical and tag match.
	if candidates := byPlainName(reg, models, raw); len(candidates) > 0 {
		return candidates, nil
	}

	// Branch 5: configured fallback channel list.
	if len(q.FallbackChannels) > 0 {
		if candidates := byChannelIDs(reg, models, q.FallbackChannels, raw); len(candidates) > 0 {
			return candidates, nil
		}
	}

	return nil, routeerr.New(routeerr.NoCandidates, "no candidate channels for query").
		WithDetail("query", raw)
}

var delimCollapse = regexp.MustCompile(`[-_/]`)

// normalizeForPrefixMatch lowercases and strips the delimiters the spec
// calls out as interchangeable ("-", "_", "/") so "qwen3" matches both
// "qwen3-4b" and "qwen_3/4b" style ids.
func normalizeForPrefixMatch(s string) string {
	return delimCollapse.ReplaceAllString(strings.ToLower(s), "")
}

// byParameterPredicate scans every cached snapshot for physical models
// whose id prefix matches (flexible on delimiters) and whose parameter
// count satisfies the predicate, per §4.4 item 1. Results are ordered with
// the largest parameter count first, the documented tie-break.
func byParameterPredicate(reg *registry.Registry, models *modelregistry.Registry, prefix string, f *sizefilter.Filter) []Candidate {
	normPrefix := normalizeForPrefixMatch(prefix)

	type scored struct {
		candidate Candidate
		params    float64
	}
	var matches []scored

	for _, snap := range models.AllSnapshots() {
		ch, ok := reg.GetChannel(snap.ChannelID)
		if !ok || !ch.Enabled() {
			continue
		}
		for _, modelID := range snap.ModelIDs {
			if !strings.HasPrefix(normalizeForPrefixMatch(modelID), normPrefix) {
				continue
			}
			info := models.Resolve(ch.Provider, ch.ID, modelID)
			if info == nil || info.Specs.ParameterCount == nil {
				continue
			}
			converted := sizefilter.ConvertParams(*info.Specs.ParameterCount, f.Unit)
			if !f.Matches(converted) {
				continue
			}
			matches = append(matches, scored{Candidate{Channel: ch, ModelID: modelID, Info: info}, *info.Specs.ParameterCount})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].params > matches[j].params })

	out := make([]Candidate, len(matches))
	for i, m := range matches {
		out[i] = m.candidate
	}
	return out
}

// byTags matches channels (and the channel's own declared tags) plus
// their configured/discovered model ids against the alias-widened tag
// set. A channel's own Tags count toward every model it offers, and
// per-model tags come from tag extraction on the model id itself. The
// negative set is checked against the same alias-widened combined tag set
// as the positive set.
func byTags(reg *registry.Registry, models *modelregistry.Registry, q tagQuery) []Candidate {
	if len(q.require) == 0 && len(q.exclude) == 0 {
		return nil
	}
	var out []Candidate
	for _, ch := range reg.GetEnabled() {
		modelIDs := ch.ConfiguredModels
		if snap, ok := models.AnySnapshotForChannel(ch.ID); ok && len(snap.ModelIDs) > 0 {
			modelIDs = snap.ModelIDs
		}
		for _, modelID := range modelIDs {
			combined := combinedTags(ch, modelID)
			if !tagging.HasAll(combined, q.require) {
				continue
			}
			if len(q.exclude) > 0 && tagging.HasAny(combined, q.exclude) {
				continue
			}
			info := models.Resolve(ch.Provider, ch.ID, modelID)
			out = append(out, Candidate{Channel: ch, ModelID: modelID, Info: info})
		}
	}
	return out
}

func combinedTags(ch *registry.Channel, modelID string) []string {
	tags := append([]string(nil), ch.Tags...)
	tags = append(tags, tagging.ExtractTagsWithAliases(modelID, ch.ModelAliases)...)
	return tags
}

// byPlainName implements §4.4 item 4: the union, deduplicated by (channel
// id, physical id), of a physical match against cached snapshots (4a) and a
// complete-segment tag match (4b). Channels with no snapshot yet fall back
// to their configured model list for both sources, matching byTags'
// pre-discovery behaviour.
func byPlainName(reg *registry.Registry, models *modelregistry.Registry, name string) []Candidate {
	type key struct{ channelID, modelID string }
	seen := make(map[key]bool)
	var out []Candidate
	add := func(ch *registry.Channel, modelID string) {
		k := key{ch.ID, modelID}
		if seen[k] {
			return
		}
		seen[k] = true
		info := models.Resolve(ch.Provider, ch.ID, modelID)
		out = append(out, Candidate{Channel: ch, ModelID: modelID, Info: info})
	}

	lowerName := strings.ToLower(name)

	for _, ch := range reg.GetEnabled() {
		modelIDs := ch.ConfiguredModels
		if snap, ok := models.AnySnapshotForChannel(ch.ID); ok && len(snap.ModelIDs) > 0 {
			modelIDs = snap.ModelIDs
		}
		for _, modelID := range modelIDs {
			if modelID == name {
				add(ch, modelID) // 4a: physical match
				continue
			}
			tags := tagging.ExtractTagsWithAliases(modelID, ch.ModelAliases)
			if containsExact(tags, lowerName) {
				add(ch, modelID) // 4b: complete-segment tag match
			}
		}
	}

	return out
}

func containsExact(tags []string, lowerName string) bool {
	for _, t := range tags {
		if t == lowerName {
			return true
		}
	}
	return false
}

// byChannelIDs builds candidates from an explicitly configured fallback
// channel list, used only once every other branch has come up empty.
func byChannelIDs(reg *registry.Registry, models *modelregistry.Registry, channelIDs []string, requestedModel string) []Candidate {
	var out []Candidate
	for _, id := range channelIDs {
		ch, ok := reg.GetChannel(id)
		if !ok || !ch.Enabled() {
			continue
		}
		modelID := requestedModel
		if len(ch.ConfiguredModels) > 0 {
			modelID = ch.ConfiguredModels[0]
		}
		info := models.Resolve(ch.Provider, ch.ID, modelID)
		out = append(out, Candidate{Channel: ch, ModelID: modelID, Info: info})
	}
	return out
}
