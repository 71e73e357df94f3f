package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Prompt sources for /api/prompt.
const (
	PromptSourceLists = "lists"
	PromptSourceOut   = "out"
)

type Config struct {
	DataDir        string `json:"data_dir"`
	OutDir         string `json:"out_dir"`
	PublicDir      string `json:"public_dir"`
	VocabularyPath string `json:"vocabulary_path"`
	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	SimulateOnly   bool   `json:"simulate_only"`
	PromptSource   string `json:"prompt_source"`
	MaxConcurrent  int    `json:"max_concurrent"`
	HTTP           struct {
		Listen string `json:"listen"`
	} `json:"http"`
	Generation struct {
		TimeoutSeconds int `json:"timeout_seconds"`
		PollIntervalMS int `json:"poll_interval_ms"`
	} `json:"generation"`
	Breaker struct {
		CooldownSeconds       int `json:"cooldown_seconds"`
		SlowThreshold         int `json:"slow_threshold"`
		FreshFailThreshold    int `json:"fresh_fail_threshold"`
		MutationFailThreshold int `json:"mutation_fail_threshold"`
	} `json:"breaker"`
	Replicate struct {
		BaseURL     string `json:"base_url"`
		APIToken    string `json:"api_token"`
		Model       string `json:"model"`
		AspectRatio string `json:"aspect_ratio"`
		// RequestTimeoutSeconds bounds each API call and image download.
		RequestTimeoutSeconds int `json:"request_timeout_seconds"`
	} `json:"replicate"`
	LLM struct {
		Provider    string  `json:"provider"`
		BaseURL     string  `json:"base_url"`
		APIKey      string  `json:"api_key"`
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float32 `json:"temperature"`
		// HeadlineTokens caps the headline itself; MaxTokens only bounds
		// the completion request.
		HeadlineTokens int `json:"headline_tokens"`
	} `json:"llm"`
	Telegram struct {
		Token           string  `json:"token"`
		NotifyChats     []int64 `json:"notify_chats"`
		NotifySimulated bool    `json:"notify_simulated"`
	} `json:"telegram"`
	Fallback struct {
		RecentWindow int `json:"recent_window"`
	} `json:"fallback"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	home := filepath.Join(os.Getenv("HOME"), ".gossipmill")
	cfg := &Config{
		DataDir:       home,
		OutDir:        filepath.Join(home, "out"),
		PublicDir:     "public",
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 2,
	}
	cfg.HTTP.Listen = ":4000"
	cfg.Generation.TimeoutSeconds = 60
	cfg.Generation.PollIntervalMS = 800
	cfg.Breaker.CooldownSeconds = 120
	cfg.Breaker.SlowThreshold = 2
	cfg.Breaker.FreshFailThreshold = 5
	cfg.Breaker.MutationFailThreshold = 2
	cfg.Replicate.BaseURL = "https://api.replicate.com/v1"
	cfg.Replicate.Model = "google/nano-banana-pro"
	cfg.Replicate.AspectRatio = "9:16"
	cfg.Replicate.RequestTimeoutSeconds = 30
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 60
	cfg.LLM.Temperature = 0.9
	cfg.LLM.HeadlineTokens = 24
	cfg.Fallback.RecentWindow = 3
	return cfg
}

// Load reads the config at path. A missing file is created with defaults.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	cfg.PromptSource = resolvePromptSource(cfg.PromptSource, cfg.SimulateOnly)

	return cfg, nil
}

// Override from env (highest precedence)
func applyEnv(cfg *Config) {
	if token := os.Getenv("REPLICATE_API_TOKEN"); token != "" {
		cfg.Replicate.APIToken = token
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if v := os.Getenv("SIMULATE_ONLY"); v != "" {
		cfg.SimulateOnly = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("PROMPT_SOURCE"); v != "" {
		cfg.PromptSource = v
	}
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			cfg.HTTP.Listen = ":" + port
		}
	}
}

// resolvePromptSource defaults to "out" in simulate-only mode, where the
// store is the only source of prompts, and to "lists" otherwise.
func resolvePromptSource(src string, simulateOnly bool) string {
	switch strings.ToLower(src) {
	case PromptSourceOut:
		return PromptSourceOut
	case PromptSourceLists:
		return PromptSourceLists
	}
	if simulateOnly {
		return PromptSourceOut
	}
	return PromptSourceLists
}

// Deadline returns the generation deadline.
func (c *Config) Deadline() time.Duration {
	return time.Duration(c.Generation.TimeoutSeconds) * time.Second
}

// PollInterval returns the prediction poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Generation.PollIntervalMS) * time.Millisecond
}

// ReplicateTimeout returns the per-request timeout for the Replicate API.
func (c *Config) ReplicateTimeout() time.Duration {
	if c.Replicate.RequestTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Replicate.RequestTimeoutSeconds) * time.Second
}

// Cooldown returns how long a tripped breaker stays open.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Breaker.CooldownSeconds) * time.Second
}

func writeDefaults(path string, cfg *Config) error {
	if err := Save(path, cfg); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into a generic nested map using its JSON keys.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every config value under its dot-separated key.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under key in the config file at path.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in the config file at path. Values that
// parse as JSON (numbers, booleans, arrays) are stored typed; anything else
// is stored as a string. Keys the Config struct does not know are kept, but
// a value of the wrong type for a known key is rejected.
func SetValue(path, key, value string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := json.Unmarshal(data, Default()); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeFile(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Flatten(m), nil
}
