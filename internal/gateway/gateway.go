// Package gateway orchestrates generation runs: it races the real generator
// against a deadline, consults the circuit breaker, and replays a stored
// artifact whenever the real path is unavailable.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/gossipmill/internal/breaker"
	"github.com/user/gossipmill/internal/fallback"
	"github.com/user/gossipmill/internal/generator"
	"github.com/user/gossipmill/internal/state"
	"github.com/user/gossipmill/internal/types"
)

// DefaultDeadline bounds a real generation attempt.
const DefaultDeadline = 60 * time.Second

// Generator produces a stored artifact for a request.
type Generator interface {
	Generate(ctx context.Context, req generator.Request, emit generator.Emitter) (*generator.Result, error)
}

// FallbackSelector picks a stored artifact to replay.
type FallbackSelector interface {
	Select(ctx context.Context) (*fallback.Choice, error)
}

// Config holds orchestration settings.
type Config struct {
	Deadline      time.Duration
	SimulateOnly  bool
	MaxConcurrent int64
	Pacing        Pacing
}

// Gateway runs generations. Breaker and bus are shared by all runs; every
// other piece of run state lives on the calling goroutine.
type Gateway struct {
	cfg       Config
	gen       Generator
	breaker   *breaker.Breaker
	bus       types.Publisher
	fallback  FallbackSelector
	artifacts types.ArtifactStore
	sem       *semaphore.Weighted
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock replaces time.Now for elapsed-time measurements, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a Gateway. Zero Deadline and MaxConcurrent use the defaults.
func New(cfg Config, gen Generator, brk *breaker.Breaker, bus types.Publisher, fb FallbackSelector, artifacts types.ArtifactStore, opts ...Option) *Gateway {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	g := &Gateway{
		cfg:       cfg,
		gen:       gen,
		breaker:   brk,
		bus:       bus,
		fallback:  fb,
		artifacts: artifacts,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		now:       time.Now,
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start sets the lifetime context that outlives individual requests.
// Simulated runs and abandoned generators run under it.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
}

// Stop cancels the lifetime context and waits for background work.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// Breaker returns the shared circuit breaker.
func (g *Gateway) Breaker() *breaker.Breaker {
	return g.breaker
}

// SimulateOnly reports whether the real generator is disabled.
func (g *Gateway) SimulateOnly() bool {
	return g.cfg.SimulateOnly
}

// Generate validates an externally supplied request and runs it. A request
// with a mode must name a parent; parent metadata not given inline is
// loaded from the store.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Outcome, error) {
	if req.Mode != "" {
		mode, err := types.ParseMutationMode(string(req.Mode))
		if err != nil {
			return nil, err
		}
		req.Mode = mode
		if req.ParentMeta == nil {
			if req.ParentFile == "" {
				return nil, ErrMissingParent
			}
			meta, err := g.loadParent(ctx, req.ParentFile)
			if err != nil {
				return nil, err
			}
			req.ParentMeta = meta
		}
	}
	return g.RunGeneration(ctx, req)
}

// Mutate derives a new artifact from parentFile. Mode and parent are
// validated before any event is emitted.
func (g *Gateway) Mutate(ctx context.Context, parentFile, mode string) (*Outcome, error) {
	if parentFile == "" {
		return nil, ErrMissingParent
	}
	m, err := types.ParseMutationMode(mode)
	if err != nil {
		return nil, err
	}
	meta, err := g.loadParent(ctx, parentFile)
	if err != nil {
		return nil, err
	}
	return g.RunGeneration(ctx, Request{
		RunID:      types.NewMutationRunID(),
		ParentFile: parentFile,
		ParentMeta: meta,
		Mode:       m,
	})
}

// RunTask runs a stored generation task. A task parent of "latest" resolves
// to the newest artifact.
func (g *Gateway) RunTask(ctx context.Context, task *state.Task) (*Outcome, error) {
	if task.Mode == "" {
		return g.RunGeneration(ctx, Request{})
	}
	parent := task.Parent
	if parent == state.ParentLatest {
		ids, err := g.artifacts.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("task %s: %w", task.Name, ErrNoFallback)
		}
		parent = ids[0]
	}
	return g.Mutate(ctx, parent, string(task.Mode))
}

func (g *Gateway) loadParent(ctx context.Context, parentFile string) (*types.Metadata, error) {
	meta, err := g.artifacts.ReadMetadata(ctx, parentFile)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrParentNotFound, types.MetadataName(parentFile))
		}
		return nil, fmt.Errorf("load parent: %w", err)
	}
	return meta, nil
}

type genResult struct {
	res *generator.Result
	err error
}

// RunGeneration orchestrates one run. It never returns before the run is
// closed for observers: every path ends in run_done or run_error, except a
// caller abort, whose replay finishes in the background.
func (g *Gateway) RunGeneration(ctx context.Context, req Request) (*Outcome, error) {
	if req.RunID == "" {
		req.RunID = types.NewRunID()
	}
	runID := req.RunID
	path := breaker.PathFresh
	if req.Derived() {
		path = breaker.PathMutation
	}

	g.publish(types.EventRunStart, runID, types.RunStartPayload{
		Parent:    req.ParentFile,
		Mode:      req.Mode,
		Simulated: g.cfg.SimulateOnly,
	})

	if g.cfg.SimulateOnly {
		return g.serveFallback(ctx, runID, ReasonSimulateOnly, nil)
	}
	if g.breaker.IsOpen() {
		slog.Info("breaker open, serving fallback", "run_id", runID)
		return g.serveFallback(ctx, runID, ReasonBreakerOpen, nil)
	}

	runCtx, cancel := context.WithCancel(g.ctx)
	defer cancel()
	emitter := newRunEmitter(g.bus, runID)
	results := make(chan genResult, 1)
	start := g.now()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		// waiting for a slot counts against the deadline
		if err := g.sem.Acquire(runCtx, 1); err != nil {
			results <- genResult{err: err}
			return
		}
		defer g.sem.Release(1)
		res, err := g.gen.Generate(runCtx, req, emitter.emit)
		results <- genResult{res: res, err: err}
	}()

	timer := time.NewTimer(g.cfg.Deadline)
	defer timer.Stop()

	select {
	case r := <-results:
		elapsed := g.now().Sub(start)
		if r.err != nil {
			if errors.Is(r.err, context.Canceled) && (ctx.Err() != nil || g.ctx.Err() != nil) {
				return g.abort(ctx, runID, emitter, cancel)
			}
			tripped := g.breaker.RecordFailure(path)
			slog.Warn("generation failed, serving fallback", "run_id", runID, "path", path, "breaker_tripped", tripped, "error", r.err)
			return g.serveFallback(ctx, runID, ReasonError, r.err)
		}
		if elapsed >= g.cfg.Deadline {
			emitter.abandon()
			return g.timeout(ctx, runID)
		}
		g.breaker.RecordSuccess(elapsed, g.cfg.Deadline)
		g.publish(types.EventRunDone, runID, types.RunDonePayload{
			File:   r.res.File,
			Parent: req.ParentFile,
			Mode:   req.Mode,
		})
		slog.Info("run complete", "run_id", runID, "file", r.res.File, "elapsed", elapsed)
		return &Outcome{OK: true, RunID: runID, File: r.res.File}, nil

	case <-timer.C:
		emitter.abandon()
		cancel()
		return g.timeout(ctx, runID)

	case <-ctx.Done():
		return g.abort(ctx, runID, emitter, cancel)
	}
}

func (g *Gateway) timeout(ctx context.Context, runID types.RunID) (*Outcome, error) {
	tripped := g.breaker.RecordSlow()
	slog.Warn("generation timed out, serving fallback", "run_id", runID, "deadline", g.cfg.Deadline, "breaker_tripped", tripped)
	return g.serveFallback(ctx, runID, ReasonTimeout, nil)
}

// abort handles a caller that went away. The breaker is left alone and the
// replay still closes the run for observers.
func (g *Gateway) abort(ctx context.Context, runID types.RunID, emitter *runEmitter, cancel context.CancelFunc) (*Outcome, error) {
	emitter.abandon()
	cancel()
	cause := ctx.Err()
	if cause == nil {
		cause = g.ctx.Err()
	}
	slog.Info("run aborted", "run_id", runID, "error", cause)
	if _, err := g.serveFallback(ctx, runID, ReasonAborted, cause); err != nil {
		return nil, err
	}
	return nil, &RunError{RunID: runID, Err: cause}
}

// serveFallback replays a stored artifact as a simulated run. The replay
// runs on the lifetime context; the caller waits for it unless ctx ends
// first.
func (g *Gateway) serveFallback(ctx context.Context, runID types.RunID, reason string, cause error) (*Outcome, error) {
	choice, err := g.fallback.Select(g.ctx)
	if err != nil {
		msg := reason + " + no fallback"
		if cause != nil && !errors.Is(cause, context.Canceled) {
			msg = cause.Error()
		}
		g.publish(types.EventRunError, runID, types.RunErrorPayload{Error: msg})
		if !errors.Is(err, ErrNoFallback) {
			return nil, &RunError{RunID: runID, Err: fmt.Errorf("select fallback: %w", err)}
		}
		return nil, &RunError{RunID: runID, Err: fmt.Errorf("%s: %w", reason, ErrNoFallback)}
	}

	slog.Info("serving fallback", "run_id", runID, "reason", reason, "file", choice.File)

	done := make(chan struct{})
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(done)
		g.simulate(g.ctx, runID, choice, reason)
	}()

	out := &Outcome{
		OK:        true,
		RunID:     runID,
		File:      choice.File,
		Simulated: true,
		Reason:    reason,
		Breaker:   reason == ReasonBreakerOpen,
	}
	select {
	case <-done:
		return out, nil
	case <-ctx.Done():
		if reason == ReasonAborted {
			return out, nil
		}
		return nil, &RunError{RunID: runID, Err: ctx.Err()}
	}
}

func (g *Gateway) publish(t types.EventType, runID types.RunID, payload any) {
	g.bus.Publish(types.Event{Type: t, RunID: runID, At: time.Now(), Payload: payload})
}
