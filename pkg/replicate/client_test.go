package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func fastRetry() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     time.Millisecond,
	}
}

func TestCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/models/google/nano-banana-pro/predictions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer r8_test" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Input["prompt"] != "a photo" || body.Input["aspect_ratio"] != "9:16" {
			t.Errorf("unexpected input %v", body.Input)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"p1","status":"starting","created_at":"2026-01-01T00:00:00Z","urls":{"get":"https://api/p1"}}`))
	}))
	defer server.Close()

	c := New("r8_test", WithBaseURL(server.URL))
	p, err := c.Create(context.Background(), "google/nano-banana-pro", map[string]any{
		"prompt":       "a photo",
		"aspect_ratio": "9:16",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := &Prediction{
		ID:        "p1",
		Status:    StatusStarting,
		CreatedAt: "2026-01-01T00:00:00Z",
		URLs:      map[string]string{"get": "https://api/p1"},
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("prediction mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateInvalidModel(t *testing.T) {
	c := New("tok")
	if _, err := c.Create(context.Background(), "no-slash", nil); err == nil {
		t.Fatal("expected error for model without owner")
	}
}

func TestGetAndErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predictions/p1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"id":"p1","status":"failed","error":"NSFW content detected"}`))
	}))
	defer server.Close()

	c := New("tok", WithBaseURL(server.URL))
	p, err := c.Get(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Done() {
		t.Error("failed prediction should be done")
	}
	if p.ErrorMessage() != "NSFW content detected" {
		t.Errorf("unexpected error message %q", p.ErrorMessage())
	}
}

func TestErrorMessageNull(t *testing.T) {
	p := &Prediction{Error: json.RawMessage("null")}
	if p.ErrorMessage() != "" {
		t.Errorf("expected empty message, got %q", p.ErrorMessage())
	}
}

func TestCancel(t *testing.T) {
	var called atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/predictions/p1/cancel" {
			called.Store(true)
		}
		w.Write([]byte(`{"id":"p1","status":"canceled"}`))
	}))
	defer server.Close()

	c := New("tok", WithBaseURL(server.URL))
	if err := c.Cancel(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	if !called.Load() {
		t.Error("expected cancel endpoint to be called")
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"p1","status":"processing"}`))
	}))
	defer server.Close()

	c := New("tok", WithBaseURL(server.URL), WithRetryPolicy(fastRetry()))
	p, err := c.Get(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusProcessing {
		t.Errorf("expected processing, got %q", p.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"bad input"}`))
	}))
	defer server.Close()

	c := New("tok", WithBaseURL(server.URL), WithRetryPolicy(fastRetry()))
	_, err := c.Create(context.Background(), "a/b", map[string]any{})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", se.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := New("tok",
		WithBaseURL(server.URL),
		WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
		WithRetryPolicy(&RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}),
	)
	start := time.Now()
	if _, err := c.Get(context.Background(), "p1"); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("request should respect the client timeout, took %v", elapsed)
	}
}
