// internal/types/event.go
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventRunStart          EventType = "run_start"
	EventSimStart          EventType = "sim_start"
	EventPicked            EventType = "picked"
	EventMutated           EventType = "mutated"
	EventHeadlineReady     EventType = "headline_ready"
	EventImageRequest      EventType = "image_request"
	EventPredictionCreated EventType = "prediction_created"
	EventPredictionStatus  EventType = "prediction_status"
	EventAssetWritten      EventType = "asset_written"
	EventNewArtifact       EventType = "new"
	EventRunDone           EventType = "run_done"
	EventRunError          EventType = "run_error"

	EventControlOrbit EventType = "control_orbit"
	EventControlPan   EventType = "control_pan"
	EventControlZoom  EventType = "control_zoom"
	EventControlReset EventType = "control_reset"
)

// IsControl reports whether t is an advisory UI-only message.
func (t EventType) IsControl() bool {
	switch t {
	case EventControlOrbit, EventControlPan, EventControlZoom, EventControlReset:
		return true
	}
	return false
}

// Event is one message on the live stream. Payload holds one of the
// *Payload structs below; its fields are flattened next to type, runId
// and ts when the event is encoded.
type Event struct {
	Type    EventType
	RunID   RunID
	At      time.Time
	Payload any
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, runID RunID, payload any) Event {
	return Event{Type: t, RunID: runID, At: time.Now(), Payload: payload}
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("flatten %s payload: %w", e.Type, err)
		}
	}
	out["type"] = e.Type
	if e.RunID != "" {
		out["runId"] = e.RunID
	}
	if !e.At.IsZero() {
		out["ts"] = e.At.UnixMilli()
	}
	return json.Marshal(out)
}

type RunStartPayload struct {
	Parent    string       `json:"parent,omitempty"`
	Mode      MutationMode `json:"mode,omitempty"`
	Simulated bool         `json:"simulated,omitempty"`
}

type SimStartPayload struct {
	Prompt string `json:"prompt"`
}

type PickedPayload struct {
	Picked *Pick  `json:"picked,omitempty"`
	File   string `json:"file,omitempty"`
}

type MutatedPayload struct {
	MutationMode   MutationMode `json:"mutationMode"`
	MutationFields []Field      `json:"mutationFields"`
	Parent         string       `json:"parent,omitempty"`
}

type HeadlinePayload struct {
	Headline string `json:"headline"`
}

type ImageRequestPayload struct {
	Model string         `json:"model"`
	Input map[string]any `json:"input"`
}

type PredictionPayload struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	CreatedAt   string            `json:"created_at,omitempty"`
	StartedAt   string            `json:"started_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
	Logs        string            `json:"logs,omitempty"`
	URLs        map[string]string `json:"urls,omitempty"`
}

type AssetWrittenPayload struct {
	Filename string `json:"filename,omitempty"`
	File     string `json:"file,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

type NewArtifactPayload struct {
	File string `json:"file"`
}

type RunDonePayload struct {
	File      string       `json:"file"`
	Simulated bool         `json:"simulated,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Parent    string       `json:"parent,omitempty"`
	Mode      MutationMode `json:"mode,omitempty"`
}

type RunErrorPayload struct {
	Error string `json:"error"`
}

type ControlPayload struct {
	DX   *float64 `json:"dx,omitempty"`
	DY   *float64 `json:"dy,omitempty"`
	Zoom *float64 `json:"zoom,omitempty"`
}
