package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/user/gossipmill/internal/types"
)

// MaxHeadlineLen is the longest headline kept, in characters.
const MaxHeadlineLen = 120

// TemplateHeadline fills a randomly chosen tabloid template from p.
// Empty fields are replaced with generic stand-ins.
func TemplateHeadline(p types.Pick, r *Rand) string {
	people := orDefault(p.People, "Celebrity")
	places := orDefault(p.Places, "the city")
	gossip := orDefault(p.Gossip, "shock twist")
	atmosphere := orDefault(p.Atmosphere, "wild scene")
	style := orDefault(p.Style, "exclusive")

	templates := []string{
		people + " stuns in " + places,
		people + ": " + gossip + " in " + places,
		people + " caught in " + places,
		gossip + " as " + people + " steps out",
		people + " in " + places + " - " + atmosphere,
		people + " spotted - " + style,
	}
	return r.One(templates)
}

// CleanHeadline reduces raw model output to a single headline line: the
// first line, without surrounding quotes, with whitespace collapsed and
// capped at MaxHeadlineLen. Empty results return fallback.
func CleanHeadline(raw, fallback string) string {
	first, _, _ := strings.Cut(raw, "\n")
	first = strings.Trim(strings.TrimSpace(first), "\"“”'`")
	cleaned := strings.Join(strings.Fields(first), " ")
	if cleaned == "" {
		return fallback
	}
	if utf8.RuneCountInString(cleaned) > MaxHeadlineLen {
		runes := []rune(cleaned)
		return strings.TrimSpace(string(runes[:MaxHeadlineLen-3])) + "…"
	}
	return cleaned
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
