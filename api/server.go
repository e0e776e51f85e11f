// Package api is the HTTP front door: room introspection, the websocket
// upgrade and the process health endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workwithpact/cf-socket-server/hub"
	"github.com/workwithpact/cf-socket-server/room"
)

const (
	defaultRoom    = "default"
	requestTimeout = 10 * time.Second
)

// Server routes HTTP requests to rooms held by a hub.
type Server struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New builds the router. An empty allowedOrigins accepts any origin.
func New(h *hub.Hub, allowedOrigins []string) *Server {
	s := &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /{$}", withLogging(s.handleDetails))
	s.mux.HandleFunc("GET /details", withLogging(s.handleDetails))
	s.mux.HandleFunc("GET /users", withLogging(s.handleUsers))
	s.mux.HandleFunc("/websocket", withLogging(s.handleWebSocket))
	s.mux.HandleFunc("GET /health", handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("/", withLogging(handleNotFound))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func roomName(r *http.Request) string {
	if name := r.URL.Query().Get("room"); name != "" {
		return name
	}
	return defaultRoom
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var details room.Details
	err := s.hub.Do(ctx, roomName(r), func(rm *room.Room) error {
		var err error
		details, err = rm.Details(ctx)
		return err
	})
	if err != nil {
		slog.Error("room details failed", "room", roomName(r), "error", err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var users room.Users
	err := s.hub.Do(ctx, roomName(r), func(rm *room.Room) error {
		var err error
		users, err = rm.Users(ctx)
		return err
	})
	if err != nil {
		slog.Error("room users failed", "room", roomName(r), "error", err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	rooms, sessions := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]int{"rooms": rooms, "sessions": sessions})
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "route does not exist", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
