// Package fallback picks a previously produced artifact to replay when the
// real generator cannot be used.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/types"
)

// ErrNoFallback is returned when the store holds no artifacts at all.
var ErrNoFallback = errors.New("no fallback artifacts")

// DefaultRecentWindow is how many recently served files are avoided.
const DefaultRecentWindow = 3

// Choice is the artifact selected for replay.
type Choice struct {
	File string
	// Meta is nil when the artifact has no readable metadata.
	Meta   *types.Metadata
	Prompt string
}

// Selector chooses fallback artifacts. Artifacts with readable metadata are
// preferred; the most recent choices are skipped while other candidates
// remain. Safe for concurrent use.
type Selector struct {
	store  types.ArtifactStore
	rng    *prompt.Rand
	window int

	mu     sync.Mutex
	recent []string
}

// New creates a Selector. A nil rng uses a fresh random source; a negative
// window disables the recent-file exclusion.
func New(store types.ArtifactStore, rng *prompt.Rand, window int) *Selector {
	if rng == nil {
		rng = prompt.NewRand()
	}
	if window < 0 {
		window = 0
	}
	return &Selector{store: store, rng: rng, window: window}
}

// Select returns a uniformly random artifact from the preferred pool.
func (s *Selector) Select(ctx context.Context) (*Choice, error) {
	ids, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoFallback
	}

	metas := make(map[string]*types.Metadata, len(ids))
	withMeta := make([]string, 0, len(ids))
	for _, id := range ids {
		meta, err := s.store.ReadMetadata(ctx, id)
		if err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				slog.Debug("skipping unreadable metadata", "file", id, "error", err)
			}
			continue
		}
		metas[id] = meta
		withMeta = append(withMeta, id)
	}

	pool := withMeta
	if len(pool) == 0 {
		pool = ids
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if fresh := s.excludeRecent(pool); len(fresh) > 0 {
		pool = fresh
	}
	file := pool[s.rng.IntN(len(pool))]
	s.remember(file)

	meta := metas[file]
	return &Choice{File: file, Meta: meta, Prompt: meta.PromptText()}, nil
}

func (s *Selector) excludeRecent(pool []string) []string {
	if len(s.recent) == 0 {
		return pool
	}
	out := make([]string, 0, len(pool))
	for _, id := range pool {
		if !slices.Contains(s.recent, id) {
			out = append(out, id)
		}
	}
	return out
}

func (s *Selector) remember(file string) {
	if s.window == 0 {
		return
	}
	s.recent = append(s.recent, file)
	if len(s.recent) > s.window {
		s.recent = s.recent[len(s.recent)-s.window:]
	}
}
