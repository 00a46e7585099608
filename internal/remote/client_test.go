package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPull_Request(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PullPath || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		gotQuery = map[string]string{
			"last_pulled_at": r.URL.Query().Get("last_pulled_at"),
			"schema_version": r.URL.Query().Get("schema_version"),
			"migration":      r.URL.Query().Get("migration"),
		}
		w.Write([]byte(`{"changes":{"projects":{"created":[{"id":42,"name":"X"}],"updated":[],"deleted":[7]}},"timestamp":2000}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/", Token: "tok"})
	resp, err := c.Pull(context.Background(), PullRequest{
		LastPulledAt:  1000,
		SchemaVersion: 2,
		Migration:     &Migration{From: 1, Tables: []string{"documents"}},
	})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	if gotQuery["last_pulled_at"] != "1000" || gotQuery["schema_version"] != "2" {
		t.Errorf("unexpected query: %v", gotQuery)
	}
	var m Migration
	if err := json.Unmarshal([]byte(gotQuery["migration"]), &m); err != nil || m.From != 1 || m.Tables[0] != "documents" {
		t.Errorf("unexpected migration param %q", gotQuery["migration"])
	}

	if resp.Timestamp != 2000 {
		t.Errorf("timestamp = %d", resp.Timestamp)
	}
	p := resp.Changes["projects"]
	if len(p.Created) != 1 || len(p.Deleted) != 1 || p.Deleted[0] != 7 {
		t.Errorf("unexpected changes: %+v", p)
	}
	if p.Created[0]["id"] != json.Number("42") {
		t.Errorf("numbers should decode as json.Number, got %T", p.Created[0]["id"])
	}
}

func TestPush_Request(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != PushPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad body: %v", err)
		}
		if req.LastPulledAt != 1000 || len(req.Changes["inspections"].Created) != 1 {
			t.Errorf("unexpected push: %+v", req)
		}
		w.Write([]byte(`{"ids":{"inspections":{"L1":42}}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	resp, err := c.Push(context.Background(), PushRequest{
		Changes:      Changes{"inspections": {Created: []WireRecord{{"local_id": "L1"}}}},
		LastPulledAt: 1000,
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if id, ok := resp.ServerID("inspections", "L1"); !ok || id != 42 {
		t.Errorf("ServerID = %d, %v", id, ok)
	}
	if _, ok := resp.ServerID("projects", "L1"); ok {
		t.Error("unexpected id for other table")
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{"validation error", http.StatusUnprocessableEntity, `{"error":"project_id: unknown parent"}`, true},
		{"bad request", http.StatusBadRequest, `nope`, true},
		{"server error", http.StatusInternalServerError, `{"error":"db down"}`, false},
		{"bad gateway", http.StatusBadGateway, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(Options{BaseURL: srv.URL}).Push(context.Background(), PushRequest{})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsRejected(err) != tt.rejected {
				t.Errorf("IsRejected = %v for %v", IsRejected(err), err)
			}
			if !tt.rejected {
				var te *TransportError
				if !errors.As(err, &te) || te.Status != tt.status {
					t.Errorf("expected transport error with status %d, got %v", tt.status, err)
				}
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Pull(context.Background(), PullRequest{})

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestPing(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != "/healthz" {
			t.Errorf("unexpected probe %s %s", r.Method, r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, HealthPath: "/healthz"})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	healthy.Store(false)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected ping failure for 503")
	}

	srv.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected ping failure for closed server")
	}
}
