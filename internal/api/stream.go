package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// handleStream sends every bus event as a server-sent event until the
// client disconnects, falls too far behind, or the server shuts down. Comment lines keep idle
// connections open through proxies.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe()
	defer sub.Close()

	if err := s.writeFrame(w, rc, ": connected\n\n"); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streamsDone:
			return
		case e, ok := <-sub.Events:
			if !ok {
				slog.Info("stream subscriber dropped")
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				slog.Error("encode stream event", "event_type", string(e.Type), "error", err)
				continue
			}
			if err := s.writeFrame(w, rc, "data: "+string(data)+"\n\n"); err != nil {
				slog.Debug("stream write failed", "error", err)
				return
			}
		case <-heartbeat.C:
			if err := s.writeFrame(w, rc, ": ping\n\n"); err != nil {
				return
			}
		}
	}
}

// writeFrame writes and flushes one frame under a write deadline, so a
// stalled client cannot hold the handler forever.
func (s *Server) writeFrame(w http.ResponseWriter, rc *http.ResponseController, frame string) error {
	if err := rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprint(w, frame); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
