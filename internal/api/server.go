// Package api serves the HTTP surface: the JSON API, the live event stream,
// control messages for the presentation pages, and the static gallery.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/gossipmill/internal/breaker"
	"github.com/user/gossipmill/internal/events"
	"github.com/user/gossipmill/internal/gateway"
	"github.com/user/gossipmill/internal/mutation"
	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/state"
	"github.com/user/gossipmill/internal/types"
)

// Orchestrator runs generations on behalf of HTTP callers.
type Orchestrator interface {
	Generate(ctx context.Context, req gateway.Request) (*gateway.Outcome, error)
	Mutate(ctx context.Context, parentFile, mode string) (*gateway.Outcome, error)
	RunTask(ctx context.Context, task *state.Task) (*gateway.Outcome, error)
	Breaker() *breaker.Breaker
}

// Config holds HTTP surface settings.
type Config struct {
	PublicDir    string
	PromptSource string
	Heartbeat    time.Duration
	WriteTimeout time.Duration
}

const (
	defaultHeartbeat    = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Presentation pages and the files under PublicDir that render them.
var pages = map[string]string{
	"/gallery": "gallery-wall.html",
	"/sphere":  "sphere.html",
	"/control": "control.html",
	"/debug":   "debug.html",
}

// Server is the HTTP handler for the whole surface.
type Server struct {
	cfg       Config
	gw        Orchestrator
	bus       *events.Bus
	artifacts *state.ArtifactStore
	tasks     *state.TaskStore
	engine    *mutation.Engine
	rng       *prompt.Rand
	mux       *http.ServeMux

	// streamsDone is closed on shutdown to end open event streams, which
	// http.Server.Shutdown would otherwise wait on forever.
	streamsDone chan struct{}
	closeOnce   sync.Once
}

// NewServer creates a new Server and registers its routes.
func NewServer(cfg Config, gw Orchestrator, bus *events.Bus, artifacts *state.ArtifactStore, tasks *state.TaskStore, engine *mutation.Engine, rng *prompt.Rand) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if rng == nil {
		rng = prompt.NewRand()
	}
	s := &Server{
		cfg:       cfg,
		gw:        gw,
		bus:       bus,
		artifacts: artifacts,
		tasks:     tasks,
		engine:    engine,
		rng:       rng,
		mux:       http.NewServeMux(),

		streamsDone: make(chan struct{}),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/images", s.handleImages)
	s.mux.HandleFunc("POST /api/prompt", s.handlePrompt)
	s.mux.HandleFunc("POST /api/generate", s.handleGenerate)
	s.mux.HandleFunc("POST /api/mutate", s.handleMutate)
	s.mux.HandleFunc("GET /api/breaker", s.handleBreaker)
	s.mux.HandleFunc("POST /api/breaker/reset", s.handleBreakerReset)
	s.mux.HandleFunc("POST /api/control/{action}", s.handleControl)
	s.mux.HandleFunc("POST /webhook/{name}", s.handleNamedTask)
	s.mux.Handle("GET /out/", http.StripPrefix("/out/", allowAnyOrigin(http.FileServer(http.Dir(artifacts.Dir())))))
	s.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/gallery", http.StatusFound)
	})
	for route, file := range pages {
		s.mux.HandleFunc("GET "+route, s.servePage(file))
	}
	if cfg.PublicDir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(cfg.PublicDir)))
	}
	return s
}

// NewHTTPServer wraps s in an http.Server listening on addr. Request contexts
// derive from ctx, and Shutdown ends open event streams instead of waiting
// for their clients to leave.
func (s *Server) NewHTTPServer(ctx context.Context, addr string) *http.Server {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	hs.RegisterOnShutdown(s.closeStreams)
	return hs
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.streamsDone) })
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	ids, err := s.artifacts.ListWithMeta(r.Context())
	if err != nil {
		slog.Error("list images failed", "error", err)
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": ids})
}

// generateRequest is the JSON body for POST /api/generate. Every field is
// optional.
type generateRequest struct {
	RunID          string          `json:"runId"`
	ParentMeta     *types.Metadata `json:"parentMeta"`
	ParentFile     string          `json:"parentFile"`
	MutationMode   string          `json:"mutationMode"`
	PromptOverride string          `json:"promptOverride"`
	PickedOverride *types.Pick     `json:"pickedOverride"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid JSON")
		return
	}

	out, err := s.gw.Generate(r.Context(), gateway.Request{
		RunID:          types.RunID(body.RunID),
		ParentFile:     body.ParentFile,
		ParentMeta:     body.ParentMeta,
		Mode:           types.MutationMode(body.MutationMode),
		PromptOverride: body.PromptOverride,
		PickOverride:   body.PickedOverride,
	})
	s.writeOutcome(w, r, types.RunID(body.RunID), out, err)
}

// mutateRequest is the JSON body for POST /api/mutate.
type mutateRequest struct {
	Parent string `json:"parent"`
	Mode   string `json:"mode"`
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	var body mutateRequest
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid JSON")
		return
	}
	out, err := s.gw.Mutate(r.Context(), body.Parent, body.Mode)
	s.writeOutcome(w, r, "", out, err)
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Breaker().Snapshot())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.gw.Breaker().Reset()
	slog.Info("breaker reset via api")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	task, err := s.tasks.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "", "task not found")
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "", "task is disabled")
		return
	}
	out, err := s.gw.RunTask(r.Context(), task)
	s.writeOutcome(w, r, "", out, err)
}

func (s *Server) servePage(file string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.PublicDir == "" {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(s.cfg.PublicDir, file))
	}
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, runID types.RunID, out *gateway.Outcome, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	var runErr *gateway.RunError
	if errors.As(err, &runErr) {
		runID = runErr.RunID
	}
	status := statusFor(err)
	if r.Context().Err() != nil {
		slog.Info("caller went away", "run_id", runID, "error", err)
	} else if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "run_id", runID, "error", err)
	}
	writeError(w, status, runID, errorMessage(err))
}

// statusFor maps orchestration errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidMode), errors.Is(err, gateway.ErrMissingParent):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrParentNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNoFallback):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) string {
	var runErr *gateway.RunError
	if errors.As(err, &runErr) {
		return runErr.Err.Error()
	}
	return err.Error()
}

type errorResponse struct {
	OK    bool        `json:"ok"`
	RunID types.RunID `json:"runId,omitempty"`
	Error string      `json:"error"`
}

func writeError(w http.ResponseWriter, status int, runID types.RunID, msg string) {
	writeJSON(w, status, errorResponse{RunID: runID, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

// decodeOptional decodes a JSON body into v. An empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func allowAnyOrigin(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		h.ServeHTTP(w, r)
	})
}
