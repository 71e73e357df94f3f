// internal/types/pick.go
package types

import (
	"errors"
	"fmt"
	"strings"
)

// Field names one categorical slot of a Pick.
type Field string

const (
	FieldAtmosphere Field = "atmosphere"
	FieldGossip     Field = "gossip"
	FieldPeople     Field = "people"
	FieldPlaces     Field = "places"
	FieldStyle      Field = "style"
)

// AllFields lists every pick field in storage order.
var AllFields = []Field{FieldAtmosphere, FieldGossip, FieldPeople, FieldPlaces, FieldStyle}

// MutableFields are the fields a mutation may change. Style stays stable.
var MutableFields = []Field{FieldGossip, FieldPlaces, FieldAtmosphere, FieldPeople}

// Pick is the categorical selection a prompt is built from.
type Pick struct {
	Atmosphere string `json:"atmosphere"`
	Gossip     string `json:"gossip"`
	People     string `json:"people"`
	Places     string `json:"places"`
	Style      string `json:"style"`
}

// Get returns the value stored in field f.
func (p Pick) Get(f Field) string {
	switch f {
	case FieldAtmosphere:
		return p.Atmosphere
	case FieldGossip:
		return p.Gossip
	case FieldPeople:
		return p.People
	case FieldPlaces:
		return p.Places
	case FieldStyle:
		return p.Style
	}
	return ""
}

// With returns a copy of p with field f set to v.
func (p Pick) With(f Field, v string) Pick {
	switch f {
	case FieldAtmosphere:
		p.Atmosphere = v
	case FieldGossip:
		p.Gossip = v
	case FieldPeople:
		p.People = v
	case FieldPlaces:
		p.Places = v
	case FieldStyle:
		p.Style = v
	}
	return p
}

// Summary joins the non-empty fields into a short comma-separated prompt.
func (p Pick) Summary() string {
	parts := make([]string, 0, 5)
	for _, v := range []string{p.Places, p.People, p.Atmosphere, p.Gossip, p.Style} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

// MutationMode controls how many fields a mutation changes.
type MutationMode string

const (
	ModePass    MutationMode = "pass"
	ModeDistort MutationMode = "distort"
	ModeDrift   MutationMode = "drift"

	// ModeFallback marks simulated runs replaying an existing artifact.
	ModeFallback MutationMode = "fallback"
)

// ErrInvalidMode is returned for mutation modes other than pass, distort, drift.
var ErrInvalidMode = errors.New("mode must be pass, distort or drift")

// ParseMutationMode validates a caller-supplied mode.
func ParseMutationMode(s string) (MutationMode, error) {
	switch m := MutationMode(s); m {
	case ModePass, ModeDistort, ModeDrift:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Budget returns the number of fields the mode changes.
func (m MutationMode) Budget() int {
	switch m {
	case ModePass:
		return 1
	case ModeDistort:
		return 2
	case ModeDrift:
		return 3
	}
	return 0
}
