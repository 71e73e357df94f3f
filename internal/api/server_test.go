package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/user/gossipmill/internal/breaker"
	"github.com/user/gossipmill/internal/config"
	"github.com/user/gossipmill/internal/events"
	"github.com/user/gossipmill/internal/gateway"
	"github.com/user/gossipmill/internal/mutation"
	"github.com/user/gossipmill/internal/prompt"
	"github.com/user/gossipmill/internal/state"
	"github.com/user/gossipmill/internal/types"
)

type fakeGateway struct {
	mu      sync.Mutex
	brk     *breaker.Breaker
	outcome *gateway.Outcome
	err     error

	lastRequest gateway.Request
	lastMutate  [2]string
	lastTask    *state.Task
}

func (g *fakeGateway) Generate(_ context.Context, req gateway.Request) (*gateway.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRequest = req
	return g.outcome, g.err
}

func (g *fakeGateway) Mutate(_ context.Context, parent, mode string) (*gateway.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastMutate = [2]string{parent, mode}
	return g.outcome, g.err
}

func (g *fakeGateway) RunTask(_ context.Context, task *state.Task) (*gateway.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastTask = task
	return g.outcome, g.err
}

func (g *fakeGateway) Breaker() *breaker.Breaker { return g.brk }

type testEnv struct {
	srv    *Server
	gw     *fakeGateway
	bus    *events.Bus
	store  *state.ArtifactStore
	tasks  *state.TaskStore
	public string
}

func setup(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		gw:     &fakeGateway{brk: breaker.New(breaker.DefaultConfig()), outcome: &gateway.Outcome{OK: true, RunID: "r1", File: "img_9.png"}},
		bus:    events.NewBus(events.WithBufferSize(64)),
		store:  state.NewArtifactStore(filepath.Join(dir, "out")),
		tasks:  state.NewTaskStore(filepath.Join(dir, "tasks.json")),
		public: filepath.Join(dir, "public"),
	}
	if err := env.store.Init(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(env.public, 0o755); err != nil {
		t.Fatal(err)
	}
	if cfg.PublicDir == "" {
		cfg.PublicDir = env.public
	}
	rng := prompt.NewSeededRand(7)
	engine := mutation.New(prompt.Default(), rng)
	env.srv = NewServer(cfg, env.gw, env.bus, env.store, env.tasks, engine, rng)
	return env
}

func (e *testEnv) addArtifact(t *testing.T, id string, meta *types.Metadata) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.Write(ctx, id, []byte("png-bytes")); err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		if err := e.store.WriteMetadata(ctx, id, meta); err != nil {
			t.Fatal(err)
		}
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	env := setup(t, Config{})
	w := do(t, env.srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if resp := decode[map[string]string](t, w); resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp)
	}
}

func TestGenerateSuccess(t *testing.T) {
	env := setup(t, Config{})
	body := `{"runId":"r1","parentFile":"img_1.png","mutationMode":"drift","promptOverride":"custom","pickedOverride":{"people":"a royal"}}`

	w := do(t, env.srv, http.MethodPost, "/api/generate", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body)
	}
	got := decode[gateway.Outcome](t, w)
	if diff := cmp.Diff(*env.gw.outcome, got); diff != "" {
		t.Errorf("outcome mismatch (-want +got):\n%s", diff)
	}

	req := env.gw.lastRequest
	if req.RunID != "r1" || req.ParentFile != "img_1.png" || req.Mode != types.ModeDrift || req.PromptOverride != "custom" {
		t.Errorf("unexpected request %+v", req)
	}
	if req.PickOverride == nil || req.PickOverride.People != "a royal" {
		t.Errorf("expected pick override, got %+v", req.PickOverride)
	}
}

func TestGenerateEmptyBody(t *testing.T) {
	env := setup(t, Config{})
	w := do(t, env.srv, http.MethodPost, "/api/generate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for empty body, got %d", w.Code)
	}
}

func TestGenerateInvalidJSON(t *testing.T) {
	env := setup(t, Config{})
	w := do(t, env.srv, http.MethodPost, "/api/generate", "{nope")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if resp := decode[map[string]any](t, w); resp["ok"] != false {
		t.Errorf("expected ok=false, got %v", resp)
	}
}

func TestGenerateErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		runID  string
	}{
		{"invalid mode", fmt.Errorf("%w: %q", types.ErrInvalidMode, "teleport"), http.StatusBadRequest, ""},
		{"missing parent", gateway.ErrMissingParent, http.StatusBadRequest, ""},
		{"parent not found", fmt.Errorf("%w: img_1.json", gateway.ErrParentNotFound), http.StatusNotFound, ""},
		{"no fallback", &gateway.RunError{RunID: "r7", Err: fmt.Errorf("timeout: %w", gateway.ErrNoFallback)}, http.StatusServiceUnavailable, "r7"},
		{"other", &gateway.RunError{RunID: "r8", Err: errors.New("disk full")}, http.StatusInternalServerError, "r8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setup(t, Config{})
			env.gw.outcome, env.gw.err = nil, tt.err

			w := do(t, env.srv, http.MethodPost, "/api/generate", `{}`)
			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}
			resp := decode[map[string]any](t, w)
			if resp["ok"] != false || resp["error"] == "" {
				t.Errorf("unexpected error body %v", resp)
			}
			if tt.runID != "" && resp["runId"] != tt.runID {
				t.Errorf("expected runId %s, got %v", tt.runID, resp["runId"])
			}
		})
	}
}

func TestMutatePassesArguments(t *testing.T) {
	env := setup(t, Config{})
	w := do(t, env.srv, http.MethodPost, "/api/mutate", `{"parent":"img_1.png","mode":"distort"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if env.gw.lastMutate != [2]string{"img_1.png", "distort"} {
		t.Errorf("unexpected mutate args %v", env.gw.lastMutate)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	env := setup(t, Config{})
	env.gw.brk.RecordSlow()
	env.gw.brk.RecordSlow()

	w := do(t, env.srv, http.MethodGet, "/api/breaker", "")
	if got := decode[breaker.State](t, w); !got.Open {
		t.Errorf("expected open breaker, got %+v", got)
	}

	w = do(t, env.srv, http.MethodPost, "/api/breaker/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if resp := decode[map[string]bool](t, w); !resp["ok"] {
		t.Errorf("expected ok, got %v", resp)
	}
	if env.gw.brk.IsOpen() {
		t.Error("breaker should be closed after reset")
	}
}

func TestControlClampsAndPublishes(t *testing.T) {
	env := setup(t, Config{})
	sub := env.bus.Subscribe()
	defer sub.Close()

	f := func(v float64) *float64 { return &v }
	tests := []struct {
		path string
		body string
		want types.Event
	}{
		{"/api/control/orbit", `{"dx":5,"dy":-3}`, types.Event{Type: types.EventControlOrbit, Payload: types.ControlPayload{DX: f(1), DY: f(-1)}}},
		{"/api/control/orbit", `{"dx":0.25}`, types.Event{Type: types.EventControlOrbit, Payload: types.ControlPayload{DX: f(0.25), DY: f(0)}}},
		{"/api/control/pan", `{"dy":2}`, types.Event{Type: types.EventControlPan, Payload: types.ControlPayload{DY: f(1)}}},
		{"/api/control/zoom", ``, types.Event{Type: types.EventControlZoom, Payload: types.ControlPayload{Zoom: f(0.5)}}},
		{"/api/control/zoom", `{"zoom":-4}`, types.Event{Type: types.EventControlZoom, Payload: types.ControlPayload{Zoom: f(0)}}},
		{"/api/control/reset", `{}`, types.Event{Type: types.EventControlReset, Payload: types.ControlPayload{}}},
	}
	for _, tt := range tests {
		w := do(t, env.srv, http.MethodPost, tt.path, tt.body)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", tt.path, w.Code)
		}
		got := <-sub.Events
		if diff := cmp.Diff(tt.want, got, cmpIgnoreTime); diff != "" {
			t.Errorf("%s %s: event mismatch (-want +got):\n%s", tt.path, tt.body, diff)
		}
	}

	if w := do(t, env.srv, http.MethodPost, "/api/control/spin", `{}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown action, got %d", w.Code)
	}
}

var cmpIgnoreTime = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".At"
}, cmp.Ignore())

func TestPromptFromLists(t *testing.T) {
	env := setup(t, Config{PromptSource: config.PromptSourceLists})
	vocab := prompt.Default()

	w := do(t, env.srv, http.MethodPost, "/api/prompt", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	resp := decode[promptResponse](t, w)
	for _, f := range types.AllFields {
		if !vocab.Contains(f, resp.Picked.Get(f)) {
			t.Errorf("field %s value %q not in vocabulary", f, resp.Picked.Get(f))
		}
	}
	if resp.Prompt != prompt.Build(resp.Picked) {
		t.Error("prompt should be built from the returned pick")
	}
	if resp.SourceFile != "" {
		t.Errorf("lists source should not report a file, got %q", resp.SourceFile)
	}
}

func TestPromptMutatesParent(t *testing.T) {
	env := setup(t, Config{})
	vocab := prompt.Default()
	parent := types.Pick{
		Atmosphere: vocab.Atmosphere[0],
		Gossip:     vocab.Gossip[0],
		People:     vocab.People[0],
		Places:     vocab.Places[0],
		Style:      vocab.Style[0],
	}
	meta, _ := json.Marshal(map[string]any{"parentMeta": types.Metadata{Pick: parent}, "mutationMode": "drift"})

	w := do(t, env.srv, http.MethodPost, "/api/prompt", string(meta))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body)
	}
	resp := decode[promptResponse](t, w)
	if len(resp.MutationFields) != 3 {
		t.Errorf("expected 3 changed fields, got %v", resp.MutationFields)
	}
	if resp.Picked.Style != parent.Style {
		t.Error("style must not change")
	}

	w = do(t, env.srv, http.MethodPost, "/api/prompt", `{"parentMeta":{},"mutationMode":"teleport"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid mode, got %d", w.Code)
	}

	w = do(t, env.srv, http.MethodPost, "/api/prompt", `{"parentFile":"img_404.png","mutationMode":"pass"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing parent, got %d", w.Code)
	}
}

func TestPromptFromStore(t *testing.T) {
	env := setup(t, Config{PromptSource: config.PromptSourceOut})
	pick := types.Pick{Places: "Ibiza", People: "a popstar"}
	env.addArtifact(t, "img_1.png", &types.Metadata{Pick: pick, Prompt: "  stored prompt  "})
	env.addArtifact(t, "img_2.png", nil)

	w := do(t, env.srv, http.MethodPost, "/api/prompt", "")
	resp := decode[promptResponse](t, w)
	want := promptResponse{OK: true, Prompt: "stored prompt", Picked: pick, SourceFile: "img_1.png"}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestPromptFromEmptyStoreFallsBackToLists(t *testing.T) {
	env := setup(t, Config{PromptSource: config.PromptSourceOut})

	w := do(t, env.srv, http.MethodPost, "/api/prompt", "")
	resp := decode[promptResponse](t, w)
	if !resp.OK || resp.SourceFile != "" || resp.Prompt == "" {
		t.Errorf("expected a list-built prompt, got %+v", resp)
	}
}

func TestImagesListsArtifactsWithMetadata(t *testing.T) {
	env := setup(t, Config{})
	env.addArtifact(t, "img_1.png", &types.Metadata{})
	env.addArtifact(t, "img_2.png", nil)
	env.addArtifact(t, "img_3.png", &types.Metadata{})

	w := do(t, env.srv, http.MethodGet, "/api/images", "")
	resp := decode[map[string][]string](t, w)
	if diff := cmp.Diff([]string{"img_3.png", "img_1.png"}, resp["images"]); diff != "" {
		t.Errorf("images mismatch (-want +got):\n%s", diff)
	}
}

func TestOutServesArtifactsWithCORS(t *testing.T) {
	env := setup(t, Config{})
	env.addArtifact(t, "img_1.png", nil)

	w := do(t, env.srv, http.MethodGet, "/out/img_1.png", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS header, got %q", got)
	}
	if w.Body.String() != "png-bytes" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestPages(t *testing.T) {
	env := setup(t, Config{})
	if err := os.WriteFile(filepath.Join(env.public, "gallery-wall.html"), []byte("<html>wall</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := do(t, env.srv, http.MethodGet, "/", "")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/gallery" {
		t.Errorf("expected redirect to /gallery, got %d %q", w.Code, w.Header().Get("Location"))
	}

	w = do(t, env.srv, http.MethodGet, "/gallery", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "wall") {
		t.Errorf("expected gallery page, got %d %q", w.Code, w.Body.String())
	}

	if w := do(t, env.srv, http.MethodGet, "/sphere", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing page, got %d", w.Code)
	}
}

func TestNamedTaskWebhook(t *testing.T) {
	env := setup(t, Config{})
	if err := env.tasks.Add(&state.Task{Name: "evolve", Mode: types.ModePass, Parent: state.ParentLatest, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := env.tasks.Add(&state.Task{Name: "off", Enabled: false}); err != nil {
		t.Fatal(err)
	}

	w := do(t, env.srv, http.MethodPost, "/webhook/evolve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if env.gw.lastTask == nil || env.gw.lastTask.Name != "evolve" {
		t.Errorf("expected evolve task to run, got %+v", env.gw.lastTask)
	}

	if w := do(t, env.srv, http.MethodPost, "/webhook/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, env.srv, http.MethodPost, "/webhook/off", ""); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	env := setup(t, Config{Heartbeat: time.Hour})
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}

	waitForSubscriber(t, env.bus)
	env.bus.Publish(types.Event{
		Type:    types.EventRunDone,
		RunID:   "r1",
		At:      time.UnixMilli(1700000000000),
		Payload: types.RunDonePayload{File: "img_1.png", Simulated: true, Reason: "timeout"},
	})

	line := readData(t, bufio.NewReader(resp.Body))
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("bad event json %q: %v", line, err)
	}
	want := map[string]any{
		"type":      "run_done",
		"runId":     "r1",
		"ts":        float64(1700000000000),
		"file":      "img_1.png",
		"simulated": true,
		"reason":    "timeout",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamHeartbeat(t *testing.T) {
	env := setup(t, Config{Heartbeat: 10 * time.Millisecond})
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	for range 10 {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(line) == ": ping" {
			return
		}
	}
	t.Fatal("no heartbeat received")
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	env := setup(t, Config{})
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	waitForSubscriber(t, env.bus)

	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// serveStream starts hs on a loopback listener and opens /api/stream.
func serveStream(t *testing.T, env *testEnv, hs *http.Server) *http.Response {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go hs.Serve(ln)
	t.Cleanup(func() { hs.Close() })

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/stream")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	waitForSubscriber(t, env.bus)
	return resp
}

func TestShutdownEndsOpenStreams(t *testing.T) {
	env := setup(t, Config{})
	hs := env.srv.NewHTTPServer(context.Background(), "")
	resp := serveStream(t, env, hs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := hs.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v with a stream open", elapsed)
	}
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Errorf("stream should end cleanly, got %v", err)
	}
	if n := env.bus.SubscriberCount(); n != 0 {
		t.Errorf("expected no subscribers after shutdown, got %d", n)
	}
}

func TestBaseContextCancelEndsStreams(t *testing.T) {
	env := setup(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	serveStream(t, env, env.srv.NewHTTPServer(ctx, ""))

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream still subscribed after base context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForSubscriber(t *testing.T, bus *events.Bus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readData returns the payload of the next "data:" line.
func readData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return strings.TrimSpace(data)
		}
	}
}
