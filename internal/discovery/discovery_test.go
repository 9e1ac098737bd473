package discovery

import (
	"testing"

	"github.com/ferro-labs/ai-gateway/internal/modelregistry"
	"github.com/ferro-labs/ai-gateway/internal/registry"
	"github.com/ferro-labs/ai-gateway/internal/routeerr"
)

func setupRegistry() (*registry.Registry, *modelregistry.Registry) {
	reg := registry.New()
	reg.RegisterProvider(&registry.Provider{Name: "openai"})
	ch := registry.NewChannel("c1", "openai", "auto", "secret123")
	ch.Tags = []string{"fast"}
	ch.ConfiguredModels = []string{"qwen3-7b-vision"}
	reg.RegisterChannel(ch)

	plain := registry.NewChannel("c2", "openai", "gpt-4o", "secret456")
	plain.ConfiguredModels = []string{"gpt-4o"}
	reg.RegisterChannel(plain)

	models := modelregistry.NewRegistry(nil)
	return reg, models
}

func TestResolveByImplicitTags(t *testing.T) {
	reg, models := setupRegistry()
	candidates, err := Resolve(reg, models, Query{Raw: "auto:qwen3,vision"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Channel.ID != "c1" {
		t.Fatalf("expected c1 to match tag query, got %+v", candidates)
	}
}

func TestResolveByExplicitTagsWithNegation(t *testing.T) {
	reg, models := setupRegistry()
	candidates, err := Resolve(reg, models, Query{Raw: "tag:fast,!vision"})
	if err == nil {
		t.Fatalf("expected TagNotFound once the negated vision tag excludes every candidate, got %+v", candidates)
	}
	if routeerr.KindOf(err) != routeerr.TagNotFound {
		t.Fatalf("expected TagNotFound, got %v", routeerr.KindOf(err))
	}
}

func TestResolveByImplicitTagsNoPrefix(t *testing.T) {
	reg, models := setupRegistry()
	candidates, err := Resolve(reg, models, Query{Raw: "qwen3,vision"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Channel.ID != "c1" {
		t.Fatalf("expected c1 to match implicit (prefix-less) tag query, got %+v", candidates)
	}
}

func TestResolveByParameterPredicate(t *testing.T) {
	reg := registry.New()
	reg.RegisterProvider(&registry.Provider{Name: "local"})
	ch := registry.NewChannel("c1", "local", "auto", "secret")
	reg.RegisterChannel(ch)

	models := modelregistry.NewRegistry(nil)
	p4, p8, p14 := 4e9, 8e9, 14e9
	models.PutSnapshot(&modelregistry.Snapshot{
		ChannelID: "c1",
		ModelIDs:  []string{"qwen3-4b", "qwen3-8b", "qwen3-14b"},
		ModelInfos: map[string]*modelregistry.ModelInfo{
			"qwen3-4b":  {Specs: modelregistry.Specs{ParameterCount: &p4}},
			"qwen3-8b":  {Specs: modelregistry.Specs{ParameterCount: &p8}},
			"qwen3-14b": {Specs: modelregistry.Specs{ParameterCount: &p14}},
		},
	})

	candidates, err := Resolve(reg, models, Query{Raw: "qwen3-<8b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ModelID != "qwen3-4b" {
		t.Fatalf("expected only qwen3-4b to satisfy <8b, got %+v", candidates)
	}
}

func TestResolveParameterPredicateNoMatchFails(t *testing.T) {
	reg, models := setupRegistry()
	_, err := Resolve(reg, models, Query{Raw: "unknownprefix-<8b"})
	if err == nil {
		t.Fatalf("expected ParameterComparisonFailed error")
	}
	if routeerr.KindOf(err) != routeerr.ParameterComparisonFailed {
		t.Fatalf("expected ParameterComparisonFailed, got %v", routeerr.KindOf(err))
	}
}

func TestResolveByDeclaredModelName(t *testing.T) {
	reg, models := setupRegistry()
	candidates, err := Resolve(reg, models, Query{Raw: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Channel.ID != "c2" {
		t.Fatalf("expected plain-name lookup to find c2, got %+v", candidates)
	}
}

func TestResolveByConfiguredFallback(t *testing.T) {
	reg, models := setupRegistry()
	candidates, err := Resolve(reg, models, Query{Raw: "no-such-model", FallbackChannels: []string{"c2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Channel.ID != "c2" {
		t.Fatalf("expected fallback branch to find c2, got %+v", candidates)
	}
}

func TestResolveNoCandidatesIsError(t *testing.T) {
	reg, models := setupRegistry()
	_, err := Resolve(reg, models, Query{Raw: "totally-unknown-virtual-model"})
	if err == nil {
		t.Fatalf("expected an error when no branch yields a candidate")
	}
}

func TestParseQuerySeparatesSizeFilterFromTags(t *testing.T) {
	q, filters, ok := parseQuery("auto:qwen,>20b")
	if !ok {
		t.Fatalf("expected auto: prefix to be recognised as tag form")
	}
	if len(filters) != 1 {
		t.Fatalf("expected one size filter extracted, got %d", len(filters))
	}
	if len(q.require) != 1 || q.require[0] != "qwen" {
		t.Fatalf("expected qwen to remain a plain tag, got %+v", q.require)
	}
}
