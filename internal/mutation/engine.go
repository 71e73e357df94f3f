// Package mutation derives child picks from a parent artifact's pick.
package mutation

import (
	"fmt"

	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/types"
)

// DefaultMaxRetries bounds the redraws spent looking for a value that
// differs from the current one.
const DefaultMaxRetries = 20

// Lineage records where a derived artifact came from.
type Lineage struct {
	Parent         string
	Generation     int
	Mutation       types.MutationMode
	MutationFields []types.Field
}

// Engine mutates picks against a fixed vocabulary. Safe for concurrent use.
type Engine struct {
	vocab      *prompt.Vocabulary
	rng        *prompt.Rand
	MaxRetries int
}

// New creates an Engine. A nil rng uses a fresh random source.
func New(vocab *prompt.Vocabulary, rng *prompt.Rand) *Engine {
	if rng == nil {
		rng = prompt.NewRand()
	}
	return &Engine{vocab: vocab, rng: rng, MaxRetries: DefaultMaxRetries}
}

// Vocabulary returns the vocabulary the engine draws from.
func (e *Engine) Vocabulary() *prompt.Vocabulary {
	return e.vocab
}

// Normalize replaces every value that is not in its vocabulary, including
// empty values, with a uniformly random entry. Valid picks are unchanged.
func (e *Engine) Normalize(p types.Pick) types.Pick {
	for _, f := range types.AllFields {
		list := e.vocab.List(f)
		if len(list) == 0 || e.vocab.Contains(f, p.Get(f)) {
			continue
		}
		p = p.With(f, e.rng.One(list))
	}
	return p
}

// Mutate normalizes parent and redraws mode.Budget() distinct mutable
// fields. The returned field list names only the fields whose value
// actually differs from the normalized parent; a redraw can land on the
// same value when a field's vocabulary has a single entry.
func (e *Engine) Mutate(parent types.Pick, mode types.MutationMode) (types.Pick, []types.Field, error) {
	budget := mode.Budget()
	if budget == 0 {
		return types.Pick{}, nil, fmt.Errorf("%w: %q", types.ErrInvalidMode, mode)
	}

	base := e.Normalize(parent)
	child := base

	order := e.rng.Perm(len(types.MutableFields))
	budget = min(budget, len(order))
	for _, i := range order[:budget] {
		f := types.MutableFields[i]
		child = child.With(f, e.pickDifferent(e.vocab.List(f), child.Get(f)))
	}

	changed := make([]types.Field, 0, budget)
	for _, f := range types.MutableFields {
		if child.Get(f) != base.Get(f) {
			changed = append(changed, f)
		}
	}
	return child, changed, nil
}

// Derive mutates the parent artifact's pick and returns the child pick with
// its lineage: generation is one past the parent's.
func (e *Engine) Derive(parentFile string, parentMeta *types.Metadata, mode types.MutationMode) (types.Pick, Lineage, error) {
	if parentMeta == nil {
		return types.Pick{}, Lineage{}, fmt.Errorf("derive from %s: missing parent metadata", parentFile)
	}
	child, changed, err := e.Mutate(parentMeta.Pick, mode)
	if err != nil {
		return types.Pick{}, Lineage{}, err
	}
	return child, Lineage{
		Parent:         parentFile,
		Generation:     parentMeta.Generation + 1,
		Mutation:       mode,
		MutationFields: changed,
	}, nil
}

func (e *Engine) pickDifferent(list []string, current string) string {
	switch len(list) {
	case 0:
		return current
	case 1:
		return list[0]
	}
	next := current
	for i := 0; next == current && i < e.MaxRetries; i++ {
		next = e.rng.One(list)
	}
	return next
}
