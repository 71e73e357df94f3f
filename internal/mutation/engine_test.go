package mutation

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/types"
)

func testVocab() *prompt.Vocabulary {
	return &prompt.Vocabulary{
		Atmosphere: []string{"tense", "giddy", "awkward", "frantic"},
		Gossip:     []string{"feud", "engagement", "breakup", "comeback"},
		People:     []string{"rock star", "royal", "influencer", "politician"},
		Places:     []string{"airport", "hotel", "yacht", "club"},
		Style:      []string{"flash", "grainy"},
	}
}

func validPick() types.Pick {
	return types.Pick{
		Atmosphere: "tense",
		Gossip:     "feud",
		People:     "rock star",
		Places:     "airport",
		Style:      "flash",
	}
}

func TestMutateChangesExactlyBudget(t *testing.T) {
	e := New(testVocab(), prompt.NewSeededRand(42))
	parent := validPick()

	for _, mode := range []types.MutationMode{types.ModePass, types.ModeDistort, types.ModeDrift} {
		t.Run(string(mode), func(t *testing.T) {
			for i := 0; i < 100; i++ {
				child, changed, err := e.Mutate(parent, mode)
				if err != nil {
					t.Fatal(err)
				}
				if len(changed) != mode.Budget() {
					t.Fatalf("expected %d changed fields, got %v", mode.Budget(), changed)
				}

				diffs := 0
				for _, f := range types.AllFields {
					if child.Get(f) != parent.Get(f) {
						diffs++
						if !slices.Contains(changed, f) {
							t.Errorf("field %s changed but not reported", f)
						}
					}
				}
				if diffs != mode.Budget() {
					t.Errorf("expected %d differing fields, got %d", mode.Budget(), diffs)
				}
				if child.Style != parent.Style {
					t.Errorf("style changed from %q to %q", parent.Style, child.Style)
				}
			}
		})
	}
}

func TestMutateStaysInVocabulary(t *testing.T) {
	v := testVocab()
	e := New(v, prompt.NewSeededRand(5))
	for i := 0; i < 100; i++ {
		child, _, err := e.Mutate(validPick(), types.ModeDrift)
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range types.AllFields {
			if !v.Contains(f, child.Get(f)) {
				t.Fatalf("field %s value %q not in vocabulary", f, child.Get(f))
			}
		}
	}
}

func TestMutateNormalizesParent(t *testing.T) {
	v := testVocab()
	e := New(v, prompt.NewSeededRand(9))
	parent := types.Pick{Gossip: "not in the list", Style: "unknown style"}

	child, _, err := e.Mutate(parent, types.ModePass)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range types.AllFields {
		if !v.Contains(f, child.Get(f)) {
			t.Errorf("field %s value %q not in vocabulary", f, child.Get(f))
		}
	}
}

func TestMutateSingleEntryVocabulary(t *testing.T) {
	v := &prompt.Vocabulary{
		Atmosphere: []string{"tense"},
		Gossip:     []string{"feud"},
		People:     []string{"rock star"},
		Places:     []string{"airport"},
		Style:      []string{"flash"},
	}
	e := New(v, prompt.NewSeededRand(1))

	child, changed, err := e.Mutate(validPick(), types.ModeDrift)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(validPick(), child); diff != "" {
		t.Errorf("child should equal parent (-want +got):\n%s", diff)
	}
	if len(changed) != 0 {
		t.Errorf("expected no reported changes, got %v", changed)
	}
}

func TestMutateInvalidMode(t *testing.T) {
	e := New(testVocab(), nil)
	for _, mode := range []types.MutationMode{"", "fallback", "wild"} {
		if _, _, err := e.Mutate(validPick(), mode); !errors.Is(err, types.ErrInvalidMode) {
			t.Errorf("mode %q: expected ErrInvalidMode, got %v", mode, err)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	e := New(testVocab(), prompt.NewSeededRand(3))

	valid := validPick()
	if diff := cmp.Diff(valid, e.Normalize(valid)); diff != "" {
		t.Errorf("valid pick changed (-want +got):\n%s", diff)
	}

	once := e.Normalize(types.Pick{People: "nobody"})
	twice := e.Normalize(once)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("normalize not idempotent (-once +twice):\n%s", diff)
	}
}

func TestDeriveLineage(t *testing.T) {
	e := New(testVocab(), prompt.NewSeededRand(11))
	parent := &types.Metadata{Pick: validPick(), Generation: 3}

	child, lin, err := e.Derive("img_100.png", parent, types.ModeDistort)
	if err != nil {
		t.Fatal(err)
	}
	if lin.Parent != "img_100.png" {
		t.Errorf("expected parent img_100.png, got %q", lin.Parent)
	}
	if lin.Generation != 4 {
		t.Errorf("expected generation 4, got %d", lin.Generation)
	}
	if lin.Mutation != types.ModeDistort {
		t.Errorf("expected mode distort, got %q", lin.Mutation)
	}
	if len(lin.MutationFields) != 2 {
		t.Errorf("expected 2 mutation fields, got %v", lin.MutationFields)
	}
	if child == parent.Pick {
		t.Error("child should differ from parent")
	}
}

func TestDeriveMissingMetadata(t *testing.T) {
	e := New(testVocab(), nil)
	if _, _, err := e.Derive("img_1.png", nil, types.ModePass); err == nil {
		t.Fatal("expected error for nil metadata")
	}
}
