package agenthub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": status < 400, "data": data})
}

func TestCreateSessionAndExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/sessions":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["userId"] != "u1" {
				t.Errorf("unexpected body %v %v", body, err)
			}
			writeEnvelope(w, http.StatusCreated, Session{ID: "s1", UserID: "u1", Status: "idle"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/sessions/s1/execute":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["goal"] != "2+2" || body["mode"] != "sequential" {
				t.Errorf("unexpected execute body %v", body)
			}
			writeEnvelope(w, http.StatusAccepted, ExecuteAck{SessionID: "s1", Status: "running"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	s, err := client.CreateSession(context.Background(), "u1", nil)
	if err != nil || s.ID != "s1" {
		t.Fatalf("create session: %+v %v", s, err)
	}
	ack, err := client.Execute(context.Background(), "s1", "2+2", ExecuteOptions{Mode: "sequential"})
	if err != nil || ack.Status != "running" {
		t.Fatalf("execute: %+v %v", ack, err)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"RATE_LIMITED","message":"slow down","details":{"retryAfterMs":2500}}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	_, err := client.Execute(context.Background(), "s1", "x", ExecuteOptions{})
	if !IsCode(err, "RATE_LIMITED") {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.RetryAfter != 3*time.Second {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestStreamEventsStopsOnTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/s1/events" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, typ := range []string{"session:created", "step:started", "agent:complete", "never:sent"} {
			fmt.Fprintf(w, ": ping\n\n")
			fmt.Fprintf(w, "event: %s\ndata: {\"type\":%q,\"sessionId\":\"s1\"}\n\n", typ, typ)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	var seen []string
	err := client.StreamEvents(context.Background(), "s1", func(ev Event) bool {
		seen = append(seen, ev.Type)
		return !ev.Terminal()
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(seen) != 3 || seen[2] != "agent:complete" {
		t.Fatalf("unexpected events %v", seen)
	}
}
