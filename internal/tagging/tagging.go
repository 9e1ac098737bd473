// Package tagging derives lowercase routing tags from a physical model
// identifier. It is a pure, stable transformation: the same model id
// always yields the same tag set, with no dependency on registry state.
package tagging

import (
	"regexp"
	"strings"
)

var splitPattern = regexp.MustCompile(`[/:@\-_,]`)
var segmentPattern = regexp.MustCompile(`[/:@]`)
var hasLetter = regexp.MustCompile(`[a-zA-Z]`)
var hasDigitOrDash = regexp.MustCompile(`[\d\-]`)
var dateSuffix = regexp.MustCompile(`-(\d{8}|\d{6}|\d{4}-\d{2}-\d{2}|\d{4}\d{2}\d{2})$`)

// providerPrefixes are standalone split fragments that identify a vendor
// rather than a model trait; they are dropped so they don't dominate tag
// queries (e.g. "openai" matching every OpenAI model).
var providerPrefixes = map[string]bool{
	"openai": true, "anthropic": true, "qwen": true, "deepseek": true,
	"google": true, "meta": true, "mistral": true, "cohere": true,
	"groq": true, "together": true, "fireworks": true, "siliconflow": true,
	"moonshot": true, "ollama": true, "lmstudio": true,
}

// genericSuffixes are boilerplate tier/tuning tokens dropped for the same reason.
var genericSuffixes = map[string]bool{
	"free": true, "pro": true, "premium": true, "paid": true, "api": true,
	"chat": true, "instruct": true, "base": true, "tuned": true,
	"finetune": true, "ft": true, "sft": true, "rlhf": true, "dpo": true,
}

// ExtractTags splits model_id on [:/@-_,], drops provider-prefix and
// generic-suffix fragments, and additionally emits "complete segments":
// top-level (/, :, @-delimited) tokens of length >= 3 containing both a
// letter and a digit/dash, plus the same segment with a trailing date
// suffix stripped when present.
func ExtractTags(modelID string) []string {
	if modelID == "" {
		return nil
	}
	lower := strings.ToLower(modelID)

	var tags []string
	seen := make(map[string]bool)
	add := func(tag string) {
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, part := range splitPattern.Split(lower, -1) {
		part = strings.TrimSpace(part)
		if len(part) == 0 {
			continue
		}
		if providerPrefixes[part] || genericSuffixes[part] {
			continue
		}
		add(part)
	}

	for _, tag := range completeSegments(modelID) {
		add(tag)
	}

	return tags
}

// completeSegments extracts meaningful top-level segments and, where a
// trailing date suffix is present, the date-stripped variant too.
func completeSegments(modelID string) []string {
	var out []string
	for _, segment := range segmentPattern.Split(modelID, -1) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		lower := strings.ToLower(segment)
		if providerPrefixes[lower] || genericSuffixes[lower] {
			continue
		}
		if len(segment) <= 1 {
			continue
		}
		if len(segment) >= 3 && hasLetter.MatchString(segment) && hasDigitOrDash.MatchString(segment) {
			out = append(out, lower)
			if m := dateSuffix.FindStringIndex(lower); m != nil {
				stripped := lower[:m[0]]
				if len(stripped) >= 3 {
					out = append(out, stripped)
				}
			}
		}
	}
	return out
}

// ExtractTagsWithAliases additionally emits tags derived from channel
// aliases whose value matches modelID, so a query for an alias' tags
// resolves the same candidates as a query for its canonical id.
func ExtractTagsWithAliases(modelID string, aliases map[string]string) []string {
	tags := ExtractTags(modelID)
	if len(aliases) == 0 {
		return tags
	}
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		seen[t] = true
	}
	for aliasName, target := range aliases {
		if target != modelID {
			continue
		}
		for _, t := range ExtractTags(aliasName) {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return tags
}

// HasAll reports whether tags contains every entry of required.
func HasAll(tags []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := toSet(tags)
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}

// HasAny reports whether tags contains any entry of excluded.
func HasAny(tags []string, excluded []string) bool {
	if len(excluded) == 0 {
		return false
	}
	set := toSet(tags)
	for _, e := range excluded {
		if set[e] {
			return true
		}
	}
	return false
}

func toSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return set
}
