// Package sizefilter parses and applies parameter-count and context-length
// predicates of the form ">20b" or "<8ko" used in tag queries and
// parameter-size virtual model identifiers.
package sizefilter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies what numeric quantity a Filter constrains.
type Kind string

const (
	Params        Kind = "params"
	InputContext  Kind = "input_context"
	OutputContext Kind = "output_context"
)

// Filter is a parsed "<op><number><unit>" predicate.
type Filter struct {
	Operator string // >, <, >=, <=, =
	Value    float64
	Unit     string
	Kind     Kind
}

var paramPattern = regexp.MustCompile(`(?i)^([><=]+)(\d+\.?\d*)([bmk])$`)
var contextPattern = regexp.MustCompile(`^([><=]+)(\d+\.?\d*)([kKmM]?[iIoO])$`)

// predicatePattern recognises the combined "prefix-<op><N><unit>" form used
// by Candidate Discovery's parameter-size predicate branch, e.g.
// "qwen3-<8b" or "llama3/>=70b". The prefix is matched non-greedily so the
// operator/number/unit suffix always wins the match. Units include g/t
// (giga/tera) in addition to the plain b/m/k used by tag-query filters.
var predicatePattern = regexp.MustCompile(`(?i)^(.+?)[-_/]?([><=]+)(\d+\.?\d*)([bmkgt])$`)

// Parse parses a token like ">20b" or "<8ko" into a Filter. It returns
// (nil, nil) when tok does not match the predicate grammar at all — that
// is not an error, callers treat it as "not a size filter".
func Parse(tok string) (*Filter, error) {
	if m := paramPattern.FindStringSubmatch(tok); m != nil {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, fmt.Errorf("parse size filter %q: %w", tok, err)
		}
		return &Filter{Operator: m[1], Value: v, Unit: m[3], Kind: Params}, nil
	}
	if m := contextPattern.FindStringSubmatch(tok); m != nil {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, fmt.Errorf("parse size filter %q: %w", tok, err)
		}
		unit := m[3]
		kind := OutputContext
		if len(unit) > 0 && (unit[len(unit)-1] == 'i' || unit[len(unit)-1] == 'I') {
			kind = InputContext
		}
		return &Filter{Operator: m[1], Value: v, Unit: unit, Kind: kind}, nil
	}
	return nil, nil
}

// ParsePredicate parses the standalone parameter-size predicate grammar
// (Candidate Discovery branch 1): a model-id prefix followed directly or
// delimiter-joined by a "<op><N><unit>" clause. It returns ok=false when
// raw doesn't contain a trailing size clause at all — that's the signal a
// caller uses to fall through to the tag/plain-name branches instead of
// treating the query as a malformed predicate.
func ParsePredicate(raw string) (prefix string, f *Filter, ok bool) {
	m := predicatePattern.FindStringSubmatch(raw)
	if m == nil {
		return "", nil, false
	}
	v, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return "", nil, false
	}
	return m[1], &Filter{Operator: m[2], Value: v, Unit: strings.ToLower(m[4]), Kind: Params}, true
}

// Matches reports whether target (already converted to the filter's unit)
// satisfies the operator.
func (f *Filter) Matches(target float64) bool {
	switch f.Operator {
	case ">":
		return target > f.Value
	case "<":
		return target < f.Value
	case ">=":
		return target >= f.Value
	case "<=":
		return target <= f.Value
	case "=":
		diff := target - f.Value
		if diff < 0 {
			diff = -diff
		}
		return diff < 1e-6
	default:
		return false
	}
}

// ConvertParams normalises a raw parameter count to the unit b/m/k/g/t
// (billions/millions/thousands/giga/tera; g is a synonym for b).
func ConvertParams(raw float64, unit string) float64 {
	switch strings.ToLower(unit) {
	case "b", "g":
		return raw / 1e9
	case "m":
		return raw / 1e6
	case "k":
		return raw / 1e3
	case "t":
		return raw / 1e12
	default:
		return raw
	}
}

// ConvertContext normalises a raw token count to the filter's context unit.
func ConvertContext(raw float64, unit string) float64 {
	switch unit {
	case "ki", "i", "Ki", "I":
		return raw / 1000.0
	case "ko", "o", "Ko", "O":
		return raw / 1000.0
	case "mi", "Mi", "mo", "Mo":
		return raw / 1e6
	default:
		return raw
	}
}

// Candidate is the minimal shape apply needs from a candidate for size
// filtering — the caller (internal/discovery) adapts its own type.
type Candidate interface {
	ParameterCount() (float64, bool)
	InputContextLength() (float64, bool)
	OutputContextLength() (float64, bool)
}

// Apply drops candidates that fail any of filters. A candidate whose
// relevant field is unavailable fails the filter (dropped), per spec.
func Apply[C Candidate](candidates []C, filters []*Filter) []C {
	if len(filters) == 0 {
		return candidates
	}
	out := make([]C, 0, len(candidates))
	for _, c := range candidates {
		if matchesAll(c, filters) {
			out = append(out, c)
		}
	}
	return out
}

func matchesAll[C Candidate](c C, filters []*Filter) bool {
	for _, f := range filters {
		var raw float64
		var ok bool
		switch f.Kind {
		case Params:
			raw, ok = c.ParameterCount()
		case InputContext:
			raw, ok = c.InputContextLength()
		case OutputContext:
			raw, ok = c.OutputContextLength()
		}
		if !ok {
			return false
		}
		var converted float64
		if f.Kind == Params {
			converted = ConvertParams(raw, f.Unit)
		} else {
			converted = ConvertContext(raw, f.Unit)
		}
		if !f.Matches(converted) {
			return false
		}
	}
	return true
}
