package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			name: "empty",
			in:   map[string]any{},
			want: map[string]any{},
		},
		{
			name: "top level",
			in:   map[string]any{"log_level": "info", "max_concurrent": 2.0},
			want: map[string]any{"log_level": "info", "max_concurrent": 2.0},
		},
		{
			name: "nested",
			in: map[string]any{
				"breaker":   map[string]any{"slow_threshold": 2.0, "cooldown_seconds": 120.0},
				"log_level": "info",
			},
			want: map[string]any{
				"breaker.slow_threshold":   2.0,
				"breaker.cooldown_seconds": 120.0,
				"log_level":                "info",
			},
		},
		{
			name: "deep",
			in:   map[string]any{"a": map[string]any{"b": map[string]any{"c": "deep"}}},
			want: map[string]any{"a.b.c": "deep"},
		},
		{
			name: "empty object disappears",
			in:   map[string]any{"fallback": map[string]any{}},
			want: map[string]any{},
		},
		{
			name: "arrays are leaves",
			in:   map[string]any{"telegram": map[string]any{"notify_chats": []any{42.0, 7.0}}},
			want: map[string]any{"telegram.notify_chats": []any{42.0, 7.0}},
		},
		{
			name: "mixed types",
			in: map[string]any{
				"simulate_only": true,
				"llm":           map[string]any{"temperature": 0.9, "model": "gpt-4o-mini"},
			},
			want: map[string]any{
				"simulate_only":   true,
				"llm.temperature": 0.9,
				"llm.model":       "gpt-4o-mini",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Flatten(tt.in)); diff != "" {
				t.Errorf("Flatten mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnflatten(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			name: "empty",
			in:   map[string]any{},
			want: map[string]any{},
		},
		{
			name: "nested",
			in: map[string]any{
				"replicate.model":        "google/nano-banana-pro",
				"replicate.aspect_ratio": "9:16",
				"log_level":              "debug",
			},
			want: map[string]any{
				"replicate": map[string]any{"model": "google/nano-banana-pro", "aspect_ratio": "9:16"},
				"log_level": "debug",
			},
		},
		{
			name: "deep",
			in:   map[string]any{"a.b.c": "deep"},
			want: map[string]any{"a": map[string]any{"b": map[string]any{"c": "deep"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Unflatten(tt.in)); diff != "" {
				t.Errorf("Unflatten mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Replicate.APIToken = "r8_token-xyz"
	cfg.Telegram.NotifyChats = []int64{42}

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, Unflatten(Flatten(m))); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"llm.model":           "gpt-4o-mini",
		"llm.api_key":         "sk-test123456",
		"replicate.api_token": "r8_abcdef1234",
		"telegram.token":      "123456:ABCdefGHIjkl",
		"log_level":           "info",
	}
	want := map[string]any{
		"llm.model":           "gpt-4o-mini",
		"llm.api_key":         "***3456",
		"replicate.api_token": "***1234",
		"telegram.token":      "***Ijkl",
		"log_level":           "info",
	}
	if diff := cmp.Diff(want, MaskSecrets(flat)); diff != "" {
		t.Errorf("MaskSecrets mismatch (-want +got):\n%s", diff)
	}
	if flat["llm.api_key"] != "sk-test123456" {
		t.Error("MaskSecrets modified its input")
	}
}

func TestMaskSecretsShortValues(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"ab", "***ab"},
		{"abcd", "***abcd"},
		{"abcde", "***bcde"},
	}
	for _, tt := range tests {
		got := MaskSecrets(map[string]any{"replicate.api_token": tt.in})
		if got["replicate.api_token"] != tt.want {
			t.Errorf("mask(%q) = %v, want %q", tt.in, got["replicate.api_token"], tt.want)
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	for _, k := range []string{"replicate.api_token", "llm.api_key", "telegram.token"} {
		if !IsSecretKey(k) {
			t.Errorf("%s should be secret", k)
		}
	}
	if IsSecretKey("llm.model") {
		t.Error("llm.model should not be secret")
	}
}
