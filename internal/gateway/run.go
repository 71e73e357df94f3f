package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/gossipmill/internal/fallback"
	"github.com/user/gossipmill/internal/generator"
	"github.com/user/gossipmill/internal/types"
)

var (
	// ErrNoFallback means a run could not be served at all: the real path
	// was unavailable and the store holds no artifacts.
	ErrNoFallback = fallback.ErrNoFallback

	// ErrParentNotFound is returned when a mutation's parent has no metadata.
	ErrParentNotFound = errors.New("parent metadata not found")

	// ErrMissingParent is returned when a mutation names no parent.
	ErrMissingParent = errors.New("parent is required")
)

// Reasons reported for simulated runs.
const (
	ReasonSimulateOnly = "simulate_only"
	ReasonBreakerOpen  = "breaker_open"
	ReasonTimeout      = "timeout"
	ReasonError        = "error_fallback"
	ReasonAborted      = "aborted"
)

// Request describes one generation run.
type Request = generator.Request

// Outcome is the result of a run as reported to the caller.
type Outcome struct {
	OK        bool        `json:"ok"`
	RunID     types.RunID `json:"runId"`
	File      string      `json:"file"`
	Simulated bool        `json:"simulated"`
	Reason    string      `json:"reason,omitempty"`
	Breaker   bool        `json:"breaker,omitempty"`
}

// RunError carries the run id of a failed run to the caller.
type RunError struct {
	RunID types.RunID
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s: %v", e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// runEmitter stamps events with the run id. Once abandoned it drops
// everything, so a generator that outlives its deadline cannot interleave
// with the fallback replay.
type runEmitter struct {
	pub   types.Publisher
	runID types.RunID

	mu        sync.Mutex
	abandoned bool
}

func newRunEmitter(pub types.Publisher, runID types.RunID) *runEmitter {
	return &runEmitter{pub: pub, runID: runID}
}

func (e *runEmitter) emit(t types.EventType, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.abandoned {
		return
	}
	e.pub.Publish(types.Event{Type: t, RunID: e.runID, At: time.Now(), Payload: payload})
}

// abandon returns once no further events from this emitter can be published.
func (e *runEmitter) abandon() {
	e.mu.Lock()
	e.abandoned = true
	e.mu.Unlock()
}
