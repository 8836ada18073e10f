// Package envutil edits "KEY=VALUE" environment slices as used by
// exec.Cmd.Env.
package envutil

import "strings"

// Key returns the name portion of a "KEY=VALUE" entry.
func Key(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}

// Lookup returns the value of key in env. The last occurrence wins, as it
// does for the process that receives env.
func Lookup(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}

// Without returns a new slice with every entry named by keys removed.
func Without(env []string, keys ...string) []string {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	result := make([]string, 0, len(env))
	for _, e := range env {
		if _, ok := drop[Key(e)]; !ok {
			result = append(result, e)
		}
	}
	return result
}

// Merge merges overrides into base, with overrides taking precedence.
// Returns a new slice. Replaced entries keep their position in base; new
// ones are appended in order.
func Merge(base, overrides []string) []string {
	byKey := make(map[string]string, len(overrides))
	order := make([]string, 0, len(overrides))
	for _, e := range overrides {
		key := Key(e)
		if _, exists := byKey[key]; !exists {
			order = append(order, key)
		}
		byKey[key] = e
	}

	replaced := make(map[string]bool, len(byKey))
	result := make([]string, 0, len(base)+len(overrides))
	for _, e := range base {
		key := Key(e)
		if override, ok := byKey[key]; ok {
			if !replaced[key] {
				result = append(result, override)
				replaced[key] = true
			}
			continue
		}
		result = append(result, e)
	}

	for _, key := range order {
		if !replaced[key] {
			result = append(result, byKey[key])
		}
	}
	return result
}
