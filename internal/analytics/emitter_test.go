package analytics

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewHTTPEmitterDisabledWithoutURL(t *testing.T) {
	if e := NewHTTPEmitter("", "tok", testLogger()); e != nil {
		t.Fatal("expected nil emitter without a collector URL")
	}
}

func TestEmitNilReceiver(t *testing.T) {
	var e *HTTPEmitter
	e.Emit(context.Background(), Event{Name: "noop"})
}

func TestEmitPostsEventWithAuth(t *testing.T) {
	var got Event
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewHTTPEmitter(srv.URL, "collector-token", testLogger())
	e.Emit(context.Background(), Event{
		Name:       "instance.deployed",
		InstanceID: "inst-1",
		Owner:      "acct-1",
		Properties: map[string]any{"provider": "anthropic"},
	})

	if got.Name != "instance.deployed" || got.InstanceID != "inst-1" {
		t.Fatalf("event = %+v", got)
	}
	if got.OccurredAt.IsZero() {
		t.Fatal("occurredAt not defaulted")
	}
	if auth != "Bearer collector-token" {
		t.Fatalf("auth header = %q", auth)
	}
}

func TestEmitSwallowsCollectorFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewHTTPEmitter(srv.URL, "", testLogger())
	e.Emit(context.Background(), Event{Name: "instance.destroyed"})
}
