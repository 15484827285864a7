package config

import (
	"fmt"
	"strings"
)

// ResolvedEnv is the outcome of resolving a target's environment requirements.
// Missing lists required keys that could not be resolved; a non-empty Missing
// means the target needs operator input before it can start, but it never
// blocks other targets.
type ResolvedEnv struct {
	Values  map[string]string
	Missing []string
}

// ResolveEnv materializes the env map for a target. lookup resolves fromEnv
// indirections against the gateway process's own environment; pass os.LookupEnv
// in production. Fixed entries were rejected at validation time and any that
// slip through are an error.
func ResolveEnv(t *TargetConfig, lookup func(string) (string, bool)) (*ResolvedEnv, error) {
	res := &ResolvedEnv{Values: make(map[string]string, len(t.Env))}
	for key, val := range t.Env {
		switch val.Kind {
		case EnvFixed:
			if val.Value != "" || val.FromEnv != "" {
				return nil, fmt.Errorf("config: target %q: env %q is fixed", t.Name, key)
			}
		case EnvRequired:
			resolved, ok := resolveValue(val, lookup)
			if !ok || strings.TrimSpace(resolved) == "" {
				res.Missing = append(res.Missing, key)
				continue
			}
			res.Values[key] = resolved
		case EnvOptional:
			resolved, ok := resolveValue(val, lookup)
			if !ok {
				continue
			}
			// An explicitly empty optional value is still set.
			res.Values[key] = resolved
		}
	}
	return res, nil
}

func resolveValue(val EnvValue, lookup func(string) (string, bool)) (string, bool) {
	if val.FromEnv == "" {
		return val.Value, true
	}
	if lookup == nil {
		return "", false
	}
	return lookup(val.FromEnv)
}
