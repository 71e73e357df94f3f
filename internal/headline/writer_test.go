package headline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/types"
	"github.com/user/gossipmill/pkg/llm"
)

type mockProvider struct {
	content string
	err     error
	got     []llm.Message
}

func (m *mockProvider) Complete(_ context.Context, messages []llm.Message) (*llm.Response, error) {
	m.got = messages
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Response{Content: m.content}, nil
}

var testPick = types.Pick{
	Atmosphere: "tense",
	Gossip:     "feud",
	People:     "rock star",
	Places:     "airport",
	Style:      "flash",
}

func TestWriteWithoutProviderUsesTemplate(t *testing.T) {
	w := New(nil, prompt.NewSeededRand(1))
	got := w.Write(context.Background(), testPick)
	if !strings.Contains(got, "rock star") && !strings.Contains(got, "feud") {
		t.Errorf("expected template headline, got %q", got)
	}
}

func TestWriteCleansModelOutput(t *testing.T) {
	p := &mockProvider{content: "\"Rock star feud erupts at airport\"\nExtra commentary"}
	w := New(p, prompt.NewSeededRand(1))

	got := w.Write(context.Background(), testPick)
	if got != "Rock star feud erupts at airport" {
		t.Errorf("unexpected headline %q", got)
	}
	if len(p.got) != 2 || p.got[0].Role != "system" {
		t.Fatalf("unexpected messages %+v", p.got)
	}
	if !strings.Contains(p.got[1].Content, "People: rock star") {
		t.Errorf("user message should describe the pick, got %q", p.got[1].Content)
	}
}

func TestWriteFallsBackOnError(t *testing.T) {
	p := &mockProvider{err: errors.New("boom")}
	w := New(p, prompt.NewSeededRand(1))

	if got := w.Write(context.Background(), testPick); got == "" {
		t.Error("expected template headline on provider error")
	}
}

func TestWriteFallsBackOnEmptyOutput(t *testing.T) {
	p := &mockProvider{content: "   \n"}
	w := New(p, prompt.NewSeededRand(1))

	got := w.Write(context.Background(), testPick)
	if strings.TrimSpace(got) == "" {
		t.Error("expected template headline for blank output")
	}
}

func TestWriteTrimsToTokenBudget(t *testing.T) {
	reply := "Rock star feud erupts at the airport as bodyguards trade insults, fans film everything, and a mystery heiress arrives by helicopter"
	p := &mockProvider{content: reply}
	w := New(p, prompt.NewSeededRand(1))
	const budget = 8
	if err := w.SetTokenBudget("gpt-4o-mini", budget); err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}

	got := w.Write(context.Background(), testPick)
	if got == "" {
		t.Fatal("expected a trimmed headline")
	}
	if n := len(w.tokenizer.Encode(got, nil, nil)); n > budget {
		t.Errorf("headline has %d tokens, budget %d: %q", n, budget, got)
	}
	if !strings.HasPrefix(reply, got) {
		t.Errorf("headline %q is not a prefix of the reply", got)
	}
	if next := reply[len(got)]; next != ' ' && next != ',' {
		t.Errorf("headline %q ends mid-word", got)
	}
}

func TestWriteKeepsHeadlineWithinBudget(t *testing.T) {
	p := &mockProvider{content: "Rock star feud erupts"}
	w := New(p, prompt.NewSeededRand(1))
	if err := w.SetTokenBudget("gpt-4o-mini", 24); err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}

	if got := w.Write(context.Background(), testPick); got != "Rock star feud erupts" {
		t.Errorf("short headline should pass through, got %q", got)
	}
}
