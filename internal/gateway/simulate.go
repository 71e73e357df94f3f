package gateway

import (
	"context"
	"time"

	"github.com/user/gossipmill/internal/fallback"
	"github.com/user/gossipmill/internal/types"
)

// Pacing spaces the events of a simulated run so the UI can animate them.
type Pacing struct {
	Picked  time.Duration
	Mutated time.Duration
	Written time.Duration
	Done    time.Duration
}

// DefaultPacing matches the rhythm of a quick real run.
func DefaultPacing() Pacing {
	return Pacing{
		Picked:  1500 * time.Millisecond,
		Mutated: 2 * time.Second,
		Written: 1500 * time.Millisecond,
		Done:    2 * time.Second,
	}
}

// simulate replays choice as if it had just been generated. It never
// writes to the store. When ctx ends the remaining pauses are skipped but
// every event is still published, so the run is always closed.
func (g *Gateway) simulate(ctx context.Context, runID types.RunID, choice *fallback.Choice, reason string) {
	p := g.cfg.Pacing

	g.publish(types.EventSimStart, runID, types.SimStartPayload{Prompt: choice.Prompt})
	pause(ctx, p.Picked)
	g.publish(types.EventPicked, runID, types.PickedPayload{File: choice.File})
	pause(ctx, p.Mutated)
	g.publish(types.EventMutated, runID, types.MutatedPayload{
		MutationMode:   types.ModeFallback,
		MutationFields: []types.Field{},
	})
	pause(ctx, p.Written)
	g.publish(types.EventAssetWritten, runID, types.AssetWrittenPayload{File: choice.File})
	g.publish(types.EventNewArtifact, "", types.NewArtifactPayload{File: choice.File})
	pause(ctx, p.Done)
	g.publish(types.EventRunDone, runID, types.RunDonePayload{
		File:      choice.File,
		Simulated: true,
		Reason:    reason,
	})
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
