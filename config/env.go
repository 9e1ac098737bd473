package config

import (
	"fmt"
	"os"
	"regexp"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-?[^}]*)?\}`)

// Interpolate replaces ${VAR} and ${VAR:default} references with the
// environment variable's value, falling back to default when the
// variable is unset. A ${VAR} with no default and no set environment
// variable is an error, since a silently-empty credential is worse than a
// config load failure.
func Interpolate(raw string) (string, error) {
	var firstErr error
	out := envPattern.ReplaceAllStringFunc(raw, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := len(groups) > 2 && len(groups[2]) > 0
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			def := groups[2]
			if len(def) > 0 && def[0] == ':' {
				def = def[1:]
			}
			if len(def) > 0 && def[0] == '-' {
				def = def[1:]
			}
			return def
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("environment variable %q is not set and no default was given", name)
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
