package config

import (
	"strings"
)

// secretKeys are masked by ListValues and by `config set` output.
var secretKeys = map[string]bool{
	"replicate.api_token": true,
	"llm.api_key":         true,
	"telegram.token":      true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns nested JSON objects into dot-separated keys:
// {"breaker": {"slow_threshold": 2}} becomes {"breaker.slow_threshold": 2}.
// Arrays are leaves. Empty objects disappear.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	walk("", m, out)
	return out
}

func walk(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := joinKey(prefix, k)
		if child, ok := v.(map[string]any); ok {
			walk(key, child, out)
			continue
		}
		out[key] = v
	}
}

func joinKey(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

// Unflatten is the inverse of Flatten.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of flat with non-empty secret values reduced
// to "***" plus their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && secretKeys[k] {
			out[k] = mask(s)
			continue
		}
		out[k] = v
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
