// internal/state/watcher.go
package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/gossipmill/internal/types"
)

// DefaultWatchInterval is how often the watcher rescans the store.
const DefaultWatchInterval = 800 * time.Millisecond

// Lister is the part of an artifact store the watcher needs.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Watcher polls an artifact store and publishes a "new" event for every
// image that was not present in the previous scan. Files already present
// when Run starts are not announced.
type Watcher struct {
	store    Lister
	pub      types.Publisher
	interval time.Duration

	seen map[string]struct{}
}

// NewWatcher creates a Watcher. A non-positive interval uses DefaultWatchInterval.
func NewWatcher(store Lister, pub types.Publisher, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Watcher{store: store, pub: pub, interval: interval}
}

// Run scans until ctx is done. It always returns nil; scan errors are logged
// and the previous snapshot is kept.
func (w *Watcher) Run(ctx context.Context) error {
	w.Prime(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Prime records the current contents of the store without publishing.
func (w *Watcher) Prime(ctx context.Context) {
	w.seen = map[string]struct{}{}
	ids, err := w.store.List(ctx)
	if err != nil {
		slog.Warn("artifact scan failed", "error", err)
		return
	}
	for _, id := range ids {
		w.seen[id] = struct{}{}
	}
}

// Scan compares the store against the last snapshot and publishes new ids.
func (w *Watcher) Scan(ctx context.Context) {
	ids, err := w.store.List(ctx)
	if err != nil {
		slog.Warn("artifact scan failed", "error", err)
		return
	}
	now := make(map[string]struct{}, len(ids))
	// oldest first so observers see files in creation order
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		now[id] = struct{}{}
		if _, ok := w.seen[id]; !ok {
			w.pub.Publish(types.NewEvent(types.EventNewArtifact, "", types.NewArtifactPayload{File: id}))
		}
	}
	w.seen = now
}
