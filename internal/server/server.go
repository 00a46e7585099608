// Package server is a reference implementation of the sync protocol. It
// serves pull and push over HTTP and announces every accepted push on a
// websocket feed.
package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vonshlovens/fieldsync/internal/notify"
	"github.com/vonshlovens/fieldsync/internal/remote"
)

const maxBodyBytes = 32 << 20

// Options configures a Server
type Options struct {
	// Token, when set, must be presented as a bearer token on every
	// request except the health check.
	Token string
}

// Server handles sync requests against a Backend
type Server struct {
	backend Backend
	hub     *Hub
	token   string
}

// New creates a server over backend
func New(backend Backend, opts Options) *Server {
	return &Server{
		backend: backend,
		hub:     NewHub(),
		token:   opts.Token,
	}
}

// Hub returns the notification hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+remote.PullPath, s.authorized(s.handlePull))
	mux.HandleFunc("POST "+remote.PushPath, s.authorized(s.handlePush))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.authorized(s.hub.ServeHTTP))
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sync server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down sync server")
	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Close stops the notification hub
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var lastPulledAt int64
	if v := q.Get("last_pulled_at"); v != "" && v != "null" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid last_pulled_at")
			return
		}
		lastPulledAt = n
	}

	var migration *remote.Migration
	if v := q.Get("migration"); v != "" && v != "null" {
		migration = &remote.Migration{}
		if err := json.Unmarshal([]byte(v), migration); err != nil {
			writeError(w, http.StatusBadRequest, "invalid migration")
			return
		}
	}

	resp, err := s.Pull(r.Context(), lastPulledAt, migration)
	if err != nil {
		slog.Error("pull failed", "error", err)
		writeError(w, http.StatusInternalServerError, "pull failed")
		return
	}

	slog.Debug("pull served", "last_pulled_at", lastPulledAt, "timestamp", resp.Timestamp, "schema_version", q.Get("schema_version"))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(data) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "push too large")
		return
	}

	var req remote.PushRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push body")
		return
	}

	resp, written, err := s.Push(r.Context(), req)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		slog.Info("push rejected", "reason", verr.Msg)
		writeError(w, http.StatusUnprocessableEntity, verr.Msg)
		return
	case err != nil:
		slog.Error("push failed", "error", err)
		writeError(w, http.StatusInternalServerError, "push failed")
		return
	}

	if written > 0 {
		s.hub.Broadcast(notify.Message{Type: notify.TypeSyncRequired})
	}
	slog.Debug("push accepted", "written", written)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "clients": s.hub.ClientCount()}
	if err := s.backend.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, remote.ErrorBody{Error: msg})
}
