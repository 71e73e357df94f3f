// internal/headline/writer.go
package headline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/types"
	"github.com/user/gossipmill/pkg/llm"
)

const systemPrompt = "You write one-line tabloid headlines for candid celebrity snapshots. " +
	"Reply with the headline only: no quotes, no hashtags, no explanation."

// DefaultTimeout bounds a single headline request.
const DefaultTimeout = 10 * time.Second

// Writer produces a headline for a pick. With no provider configured, or
// when the provider fails, it falls back to a template headline.
type Writer struct {
	provider llm.Provider
	rng      *prompt.Rand
	timeout  time.Duration

	tokenizer *tiktoken.Tiktoken
	budget    int
}

// New creates a Writer. provider may be nil.
func New(provider llm.Provider, rng *prompt.Rand) *Writer {
	if rng == nil {
		rng = prompt.NewRand()
	}
	return &Writer{provider: provider, rng: rng, timeout: DefaultTimeout}
}

// SetTokenBudget caps model headlines at budget tokens, counted with the
// tokenizer for model. Replies over budget are cut back to the last whole
// word that fits. A non-positive budget disables the cap.
func (w *Writer) SetTokenBudget(model string, budget int) error {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return fmt.Errorf("get tokenizer: %w", err)
		}
	}
	w.tokenizer = enc
	w.budget = budget
	return nil
}

// SetTimeout overrides DefaultTimeout.
func (w *Writer) SetTimeout(d time.Duration) {
	if d > 0 {
		w.timeout = d
	}
}

// Write returns a cleaned headline for p. It never fails: every error path
// ends in a template headline.
func (w *Writer) Write(ctx context.Context, p types.Pick) string {
	fallback := prompt.TemplateHeadline(p, w.rng)
	if w.provider == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp, err := w.provider.Complete(ctx, Messages(p))
	if err != nil {
		slog.Warn("headline request failed, using template", "error", err)
		return fallback
	}
	text := prompt.CleanHeadline(resp.Content, "")
	if text == "" {
		return fallback
	}
	return prompt.CleanHeadline(w.fitBudget(text), fallback)
}

// Messages builds the chat request for p.
func Messages(p types.Pick) []llm.Message {
	user := fmt.Sprintf("People: %s\nPlace: %s\nGossip: %s\nAtmosphere: %s\nStyle: %s",
		p.People, p.Places, p.Gossip, p.Atmosphere, p.Style)
	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user},
	}
}

// fitBudget trims text to the token budget, backing off to the last whole
// word.
func (w *Writer) fitBudget(text string) string {
	if w.tokenizer == nil || w.budget <= 0 {
		return text
	}
	tokens := w.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= w.budget {
		return text
	}
	cut := w.tokenizer.Decode(tokens[:w.budget])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	slog.Debug("headline over token budget", "tokens", len(tokens), "budget", w.budget)
	return strings.TrimRight(cut, " ,;:-")
}
