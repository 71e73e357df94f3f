package api

import (
	"math"
	"net/http"

	"github.com/user/gossipmill/internal/types"
)

// controlRequest carries the optional inputs of the control endpoints.
type controlRequest struct {
	DX   *float64 `json:"dx"`
	DY   *float64 `json:"dy"`
	Zoom *float64 `json:"zoom"`
}

const defaultZoom = 0.5

// handleControl relays camera input from the control page to the
// presentation pages. Inputs are clamped; nothing is persisted.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var body controlRequest
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid JSON")
		return
	}

	var (
		typ     types.EventType
		payload types.ControlPayload
	)
	switch r.PathValue("action") {
	case "orbit":
		dx, dy := clamp(body.DX, -1, 1, 0), clamp(body.DY, -1, 1, 0)
		typ, payload = types.EventControlOrbit, types.ControlPayload{DX: &dx, DY: &dy}
	case "pan":
		dy := clamp(body.DY, -1, 1, 0)
		typ, payload = types.EventControlPan, types.ControlPayload{DY: &dy}
	case "zoom":
		z := clamp(body.Zoom, 0, 1, defaultZoom)
		typ, payload = types.EventControlZoom, types.ControlPayload{Zoom: &z}
	case "reset":
		typ = types.EventControlReset
	default:
		writeError(w, http.StatusNotFound, "", "unknown control action")
		return
	}

	s.bus.Publish(types.NewEvent(typ, "", payload))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// clamp bounds v to [lo, hi]. Missing or non-finite input yields def.
func clamp(v *float64, lo, hi, def float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return def
	}
	return math.Max(lo, math.Min(hi, *v))
}
