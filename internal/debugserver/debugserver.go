// Package debugserver exposes a local HTTP introspection endpoint for a
// running peer. It is strictly a read-only window onto session state, not
// a WAMP transport, per the distinction the gateway's api.go draws between
// its WireGuard control plane and its tunnel data plane.
package debugserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relaywamp/peer/wamp"
)

// Response is the standard response envelope for all debug endpoints.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Server is a local-only HTTP server exposing session introspection.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// SessionFunc returns the peer's current session, or nil if none is open
// (e.g. between reconnects). It is called fresh on every /debug/stats
// request so the endpoint tracks reconnects without the caller having to
// re-register a handler.
type SessionFunc func() *wamp.Session

// New builds a debug HTTP server bound to addr. current may be nil if the
// caller never holds more than one session at a time and doesn't need
// reconnect-aware stats; Stats then always reports "connected": false.
func New(addr string, current SessionFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if current == nil {
		current = func() *wamp.Session { return nil }
	}

	r := mux.NewRouter()
	r.Use(loggingMiddleware(log))
	r.Use(contentTypeMiddleware)

	r.HandleFunc("/debug/stats", handleStats(current)).Methods(http.MethodGet)
	r.HandleFunc("/debug/healthz", handleHealthz).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r},
		log:        log,
	}
}

// ListenAndServe blocks serving the debug endpoint until the server is
// shut down or fails to bind.
func (s *Server) ListenAndServe() error {
	s.log.Info("debug server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Close shuts the debug server down immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func handleStats(current SessionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := current()
		if session == nil {
			writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{"connected": false}})
			return
		}
		writeJSON(w, http.StatusOK, Response{Success: true, Data: session.Stats()})
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]string{"status": "ok"}})
}

func loggingMiddleware(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug("debug server request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r)
		})
	}
}

func contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("debugserver: failed to encode JSON response", "error", err)
	}
}
