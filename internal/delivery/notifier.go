package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/gossipmill/internal/events"
	"github.com/user/gossipmill/internal/types"
)

// Artifacts resolves finished files to their metadata and on-disk path.
type Artifacts interface {
	ReadMetadata(ctx context.Context, id string) (*types.Metadata, error)
	Path(id string) string
}

// noticeQueueSize bounds finished runs waiting for delivery.
const noticeQueueSize = 256

type pendingNotice struct {
	runID types.RunID
	done  types.RunDonePayload
}

// Notifier listens on the event bus and announces every finished run to
// a fixed list of targets. Delivery runs on its own goroutine so a slow
// target never stalls the bus subscription.
type Notifier struct {
	bus       *events.Bus
	registry  *Registry
	artifacts Artifacts
	targets   []string

	// IncludeSimulated also announces replays served from the fallback pool.
	IncludeSimulated bool
}

// NewNotifier creates a Notifier delivering to targets through registry.
func NewNotifier(bus *events.Bus, registry *Registry, artifacts Artifacts, targets []string) *Notifier {
	return &Notifier{
		bus:       bus,
		registry:  registry,
		artifacts: artifacts,
		targets:   targets,
	}
}

// Run delivers notices until ctx is done. A subscription dropped for
// falling behind is replaced; events published in between are missed.
func (n *Notifier) Run(ctx context.Context) error {
	if len(n.targets) == 0 {
		<-ctx.Done()
		return nil
	}

	queue := make(chan pendingNotice, noticeQueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.deliverLoop(ctx, queue)
	}()
	defer wg.Wait()

	for {
		sub := n.bus.Subscribe()
		closed := n.consume(ctx, sub, queue)
		sub.Close()
		if !closed {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("notifier resubscribing after disconnect")
	}
}

// consume returns true if the subscription was closed under it.
func (n *Notifier) consume(ctx context.Context, sub *events.Subscription, queue chan<- pendingNotice) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-sub.Events:
			if !ok {
				return true
			}
			if e.Type != types.EventRunDone {
				continue
			}
			done, ok := e.Payload.(types.RunDonePayload)
			if !ok || done.File == "" {
				continue
			}
			if done.Simulated && !n.IncludeSimulated {
				continue
			}
			select {
			case queue <- pendingNotice{runID: e.RunID, done: done}:
			default:
				slog.Warn("notice queue full, dropping", "run_id", e.RunID, "file", done.File)
			}
		}
	}
}

func (n *Notifier) deliverLoop(ctx context.Context, queue <-chan pendingNotice) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-queue:
			n.notify(ctx, n.notice(ctx, p.runID, p.done))
		}
	}
}

func (n *Notifier) notice(ctx context.Context, runID types.RunID, done types.RunDonePayload) Notice {
	notice := Notice{
		RunID:     string(runID),
		File:      done.File,
		ImagePath: n.artifacts.Path(done.File),
		Text:      done.File,
		Simulated: done.Simulated,
	}
	meta, err := n.artifacts.ReadMetadata(ctx, done.File)
	if err != nil {
		slog.Debug("notice without metadata", "file", done.File, "error", err)
		return notice
	}
	if meta.Headline != "" {
		notice.Text = meta.Headline
	} else if p := meta.PromptText(); p != "" {
		notice.Text = p
	}
	return notice
}

func (n *Notifier) notify(ctx context.Context, notice Notice) {
	for _, target := range n.targets {
		if err := n.registry.Deliver(ctx, target, notice); err != nil {
			slog.Error("delivery failed", "run_id", notice.RunID, "target", target, "error", err)
		}
	}
}
