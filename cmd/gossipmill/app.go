package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/user/gossipmill/internal/breaker"
	"github.com/user/gossipmill/internal/config"
	"github.com/user/gossipmill/internal/events"
	"github.com/user/gossipmill/internal/fallback"
	"github.com/user/gossipmill/internal/gateway"
	"github.com/user/gossipmill/internal/generator"
	"github.com/user/gossipmill/internal/headline"
	"github.com/user/gossipmill/internal/mutation"
	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/state"
	"github.com/user/gossipmill/pkg/llm"
	"github.com/user/gossipmill/pkg/llm/openai"
	"github.com/user/gossipmill/pkg/replicate"
)

// app holds the components shared by serve and the one-shot commands.
type app struct {
	cfg       *config.Config
	bus       *events.Bus
	artifacts *state.ArtifactStore
	tasks     *state.TaskStore
	rng       *prompt.Rand
	engine    *mutation.Engine
	gateway   *gateway.Gateway
}

func taskStorePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "tasks.json")
}

func newApp(cfg *config.Config, pacing gateway.Pacing) (*app, error) {
	artifacts := state.NewArtifactStore(cfg.OutDir)
	if err := artifacts.Init(); err != nil {
		return nil, err
	}

	vocab, err := prompt.Load(cfg.VocabularyPath)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}

	rng := prompt.NewRand()
	engine := mutation.New(vocab, rng)

	// LLM provider, optional: headlines fall back to templates
	var provider llm.Provider
	llmCfg := &llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}
	if llmCfg.Configured() {
		provider = openai.New(llmCfg)
	}
	headlines := headline.New(provider, rng)
	if provider != nil {
		if err := headlines.SetTokenBudget(cfg.LLM.Model, cfg.LLM.HeadlineTokens); err != nil {
			return nil, fmt.Errorf("headline tokenizer: %w", err)
		}
	}

	predictor := replicate.New(cfg.Replicate.APIToken,
		replicate.WithBaseURL(cfg.Replicate.BaseURL),
		replicate.WithHTTPClient(&http.Client{Timeout: cfg.ReplicateTimeout()}),
	)
	gen := generator.New(generator.Config{
		Model:        cfg.Replicate.Model,
		AspectRatio:  cfg.Replicate.AspectRatio,
		PollInterval: cfg.PollInterval(),
	}, predictor, artifacts, engine, headlines, generator.WithRand(rng))

	brk := breaker.New(breaker.Config{
		Cooldown:              cfg.Cooldown(),
		SlowThreshold:         cfg.Breaker.SlowThreshold,
		FreshFailThreshold:    cfg.Breaker.FreshFailThreshold,
		MutationFailThreshold: cfg.Breaker.MutationFailThreshold,
	})

	simulateOnly := cfg.SimulateOnly
	if cfg.Replicate.APIToken == "" && !simulateOnly {
		slog.Warn("no replicate token configured, running simulate-only")
		simulateOnly = true
	}

	bus := events.NewBus()
	gw := gateway.New(gateway.Config{
		Deadline:      cfg.Deadline(),
		SimulateOnly:  simulateOnly,
		MaxConcurrent: int64(cfg.MaxConcurrent),
		Pacing:        pacing,
	}, gen, brk, bus, fallback.New(artifacts, rng, cfg.Fallback.RecentWindow), artifacts)

	return &app{
		cfg:       cfg,
		bus:       bus,
		artifacts: artifacts,
		tasks:     state.NewTaskStore(taskStorePath(cfg)),
		rng:       rng,
		engine:    engine,
		gateway:   gw,
	}, nil
}
