// Package generator produces one artifact per call: it chooses a pick,
// renders the prompt, runs a Replicate prediction and stores the result.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/gossipmill/internal/mutation"
	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/types"
	"github.com/user/gossipmill/pkg/replicate"
)

// Defaults for the image model request.
const (
	DefaultModel        = "google/nano-banana-pro"
	DefaultAspectRatio  = "9:16"
	DefaultPollInterval = 800 * time.Millisecond
	cancelTimeout       = 10 * time.Second
)

// Predictor is the subset of the Replicate client the pipeline uses.
type Predictor interface {
	Create(ctx context.Context, model string, input map[string]any) (*replicate.Prediction, error)
	Get(ctx context.Context, id string) (*replicate.Prediction, error)
	Cancel(ctx context.Context, id string) error
	Fetch(ctx context.Context, img replicate.Image) ([]byte, error)
}

// Headliner writes a headline for a pick.
type Headliner interface {
	Write(ctx context.Context, p types.Pick) string
}

// Store persists artifacts.
type Store interface {
	types.ArtifactStore
	Remove(ctx context.Context, id string) error
}

// Emitter receives progress events for the current run.
type Emitter func(t types.EventType, payload any)

// Request describes one generation. A request with Mode and ParentMeta set
// derives from the parent; otherwise a fresh pick is drawn, unless
// PickOverride supplies one.
type Request struct {
	RunID          types.RunID
	ParentFile     string
	ParentMeta     *types.Metadata
	Mode           types.MutationMode
	PromptOverride string
	PickOverride   *types.Pick
}

// Derived reports whether the request mutates a parent artifact.
func (r *Request) Derived() bool {
	return r.Mode != "" && r.ParentMeta != nil
}

// Result is the stored artifact.
type Result struct {
	File string
	Meta *types.Metadata
}

// Config holds the model settings.
type Config struct {
	Model        string
	AspectRatio  string
	PollInterval time.Duration
}

// Pipeline implements the generation steps. Safe for concurrent use.
type Pipeline struct {
	cfg       Config
	predictor Predictor
	store     Store
	engine    *mutation.Engine
	headlines Headliner
	rng       *prompt.Rand
	now       func() time.Time

	idMu   sync.Mutex
	lastMS int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithRand sets the random source for fresh picks.
func WithRand(r *prompt.Rand) Option {
	return func(p *Pipeline) { p.rng = r }
}

// New creates a Pipeline. Zero config fields use the defaults.
func New(cfg Config, predictor Predictor, store Store, engine *mutation.Engine, headlines Headliner, opts ...Option) *Pipeline {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.AspectRatio == "" {
		cfg.AspectRatio = DefaultAspectRatio
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	p := &Pipeline{
		cfg:       cfg,
		predictor: predictor,
		store:     store,
		engine:    engine,
		headlines: headlines,
		rng:       prompt.NewRand(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate runs one generation and returns the stored artifact. When ctx is
// cancelled the remote prediction is cancelled best effort and the returned
// error wraps ctx.Err().
func (p *Pipeline) Generate(ctx context.Context, req Request, emit Emitter) (res *Result, err error) {
	if emit == nil {
		emit = func(types.EventType, any) {}
	}

	pick, lineage, err := p.choose(req)
	if err != nil {
		return nil, err
	}
	if req.Derived() {
		emit(types.EventMutated, types.MutatedPayload{
			MutationMode:   lineage.Mutation,
			MutationFields: nonNil(lineage.MutationFields),
			Parent:         lineage.Parent,
		})
	}
	emit(types.EventPicked, types.PickedPayload{Picked: &pick})

	text := req.PromptOverride
	if text == "" {
		text = prompt.Build(pick)
	}
	headline := p.headlines.Write(ctx, pick)
	emit(types.EventHeadlineReady, types.HeadlinePayload{Headline: headline})

	input := map[string]any{"prompt": text, "aspect_ratio": p.cfg.AspectRatio}
	emit(types.EventImageRequest, types.ImageRequestPayload{Model: p.cfg.Model, Input: input})

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("before prediction: %w", err)
	}

	pred, err := p.predictor.Create(ctx, p.cfg.Model, input)
	if err != nil {
		return nil, abortOr(ctx, err)
	}
	predID := pred.ID
	defer func() {
		if err != nil && ctx.Err() != nil {
			p.cancelPrediction(ctx, req.RunID, predID)
		}
	}()
	emit(types.EventPredictionCreated, types.PredictionPayload{
		ID:        pred.ID,
		Status:    pred.Status,
		CreatedAt: pred.CreatedAt,
		URLs:      pred.URLs,
	})
	emit(types.EventPredictionStatus, types.PredictionPayload{ID: pred.ID, Status: pred.Status})

	pred, err = p.poll(ctx, pred, emit)
	if err != nil {
		return nil, err
	}

	img, err := replicate.ExtractImage(pred.Output)
	if err != nil {
		return nil, fmt.Errorf("prediction %s: %w", pred.ID, err)
	}
	data, err := p.predictor.Fetch(ctx, img)
	if err != nil {
		return nil, abortOr(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("before write: %w", err)
	}

	created := p.nextTime()
	id := types.NewArtifactID(created)
	meta := &types.Metadata{
		Pick:           pick,
		Prompt:         text,
		Headline:       headline,
		CreatedAt:      created.UTC(),
		Parent:         lineage.Parent,
		Generation:     lineage.Generation,
		Mutation:       lineage.Mutation,
		MutationFields: nonNil(lineage.MutationFields),
	}
	if err := p.store.WriteMetadata(ctx, id, meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	if err := p.store.Write(ctx, id, data); err != nil {
		if rmErr := p.store.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			slog.Warn("remove orphaned metadata failed", "file", id, "error", rmErr)
		}
		return nil, fmt.Errorf("write image: %w", err)
	}

	emit(types.EventAssetWritten, types.AssetWrittenPayload{Filename: id, File: id, Kind: img.Kind})
	slog.Info("artifact written", "run_id", req.RunID, "file", id, "kind", img.Kind)
	return &Result{File: id, Meta: meta}, nil
}

func (p *Pipeline) choose(req Request) (types.Pick, mutation.Lineage, error) {
	switch {
	case req.Derived():
		return p.engine.Derive(req.ParentFile, req.ParentMeta, req.Mode)
	case req.PickOverride != nil:
		return p.engine.Normalize(*req.PickOverride), mutation.Lineage{}, nil
	default:
		return prompt.Random(p.engine.Vocabulary(), p.rng), mutation.Lineage{}, nil
	}
}

func (p *Pipeline) poll(ctx context.Context, pred *replicate.Prediction, emit Emitter) (*replicate.Prediction, error) {
	limiter := rate.NewLimiter(rate.Every(p.cfg.PollInterval), 1)
	last := pred.Status
	for {
		if pred.Done() {
			if pred.Status == replicate.StatusSucceeded {
				return pred, nil
			}
			msg := pred.ErrorMessage()
			if msg == "" {
				msg = "prediction " + pred.Status
			}
			return nil, fmt.Errorf("prediction %s: %s", pred.ID, msg)
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, abortOr(ctx, err)
		}
		next, err := p.predictor.Get(ctx, pred.ID)
		if err != nil {
			return nil, abortOr(ctx, err)
		}
		pred = next
		if pred.Status != last {
			last = pred.Status
			emit(types.EventPredictionStatus, types.PredictionPayload{
				ID:          pred.ID,
				Status:      pred.Status,
				StartedAt:   pred.StartedAt,
				CompletedAt: pred.CompletedAt,
				Logs:        pred.Logs,
				URLs:        pred.URLs,
			})
		}
	}
}

// cancelPrediction runs on a detached context so it still reaches the API
// after the run was cancelled.
func (p *Pipeline) cancelPrediction(ctx context.Context, runID types.RunID, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := p.predictor.Cancel(cctx, id); err != nil {
		slog.Warn("cancel prediction failed", "run_id", runID, "prediction", id, "error", err)
		return
	}
	slog.Info("prediction cancelled", "run_id", runID, "prediction", id)
}

// nextTime returns a creation time whose millisecond differs from every
// earlier one, so artifact ids never collide.
func (p *Pipeline) nextTime() time.Time {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	t := p.now()
	if ms := t.UnixMilli(); ms <= p.lastMS {
		t = time.UnixMilli(p.lastMS + 1)
	}
	p.lastMS = t.UnixMilli()
	return t
}

// abortOr reports a cancellation as ctx.Err() so callers can tell an abort
// from a generator failure.
func abortOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func nonNil(fields []types.Field) []types.Field {
	if fields == nil {
		return []types.Field{}
	}
	return fields
}
