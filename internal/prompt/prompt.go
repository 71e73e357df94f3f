// Package prompt turns categorical picks into image prompts and headlines.
package prompt

import (
	"fmt"
	"strings"

	"github.com/user/gossipmill/internal/types"
)

const (
	placeWeight  = 2
	gossipWeight = 4
)

// Random draws every field of a pick uniformly from v.
func Random(v *Vocabulary, r *Rand) types.Pick {
	var p types.Pick
	for _, f := range types.AllFields {
		p = p.With(f, r.One(v.List(f)))
	}
	return p
}

// Build renders the image prompt for p. Places and gossip lines are
// repeated to weight them in the model's attention.
func Build(p types.Pick) string {
	var b strings.Builder
	b.WriteString("Photorealistic candid smartphone snapshot.\n")
	b.WriteString("Documentary look, unposed, imperfect framing, slight motion blur, direct phone flash.\n")
	b.WriteString("Real colors, no studio lighting, no retouching.\n\n")
	for range placeWeight {
		fmt.Fprintf(&b, "Place: %s\n", p.Places)
	}
	fmt.Fprintf(&b, "People: %s\n", p.People)
	fmt.Fprintf(&b, "Atmosphere: %s\n", p.Atmosphere)
	for range gossipWeight {
		fmt.Fprintf(&b, "Gossip: %s\n", p.Gossip)
	}
	fmt.Fprintf(&b, "Style: %s\n\n", p.Style)
	b.WriteString("No text, no logos, no watermark.")
	return b.String()
}

// FromMetadata recovers the prompt and pick of a stored artifact.
func FromMetadata(meta *types.Metadata) (string, types.Pick) {
	if meta == nil {
		return "", types.Pick{}
	}
	return strings.TrimSpace(meta.PromptText()), meta.Pick
}
