// internal/types/models.go
package types

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when an artifact or its metadata is missing.
var ErrNotFound = errors.New("not found")

// Metadata is the JSON record persisted next to every generated image.
// Keys stay camelCase so files written by earlier versions keep parsing.
type Metadata struct {
	Pick

	Prompt    string    `json:"prompt"`
	Headline  string    `json:"headline"`
	CreatedAt time.Time `json:"createdAt"`

	Parent         string       `json:"parent,omitempty"`
	Generation     int          `json:"generation"`
	Mutation       MutationMode `json:"mutation,omitempty"`
	MutationFields []Field      `json:"mutationFields"`
}

// PromptText returns the stored prompt, or a summary of the pick when the
// prompt was never recorded.
func (m *Metadata) PromptText() string {
	if m == nil {
		return ""
	}
	if m.Prompt != "" {
		return m.Prompt
	}
	return m.Pick.Summary()
}
