package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/workwithpact/cf-socket-server/room"
	ws "github.com/workwithpact/cf-socket-server/websocket"
)

const sessionHeader = "X-Session-Id"

// SessionCookie names the resumption cookie of a room.
func SessionCookie(roomName string) string {
	return room.ID(roomName) + "_session"
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "expected websocket", http.StatusBadRequest)
		return
	}

	name := roomName(r)
	cookieName := SessionCookie(name)
	requested := r.URL.Query().Get("session")
	if requested == "" {
		if c, err := r.Cookie(cookieName); err == nil {
			requested = c.Value
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var (
		rm         *room.Room
		identifier string
	)
	err := s.hub.Do(ctx, name, func(candidate *room.Room) error {
		id, err := candidate.Reserve(ctx, requested)
		if err != nil {
			return err
		}
		rm, identifier = candidate, id
		return nil
	})
	if err != nil {
		slog.Error("websocket reservation failed", "room", name, "error", err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}

	header := http.Header{}
	header.Add("Set-Cookie", (&http.Cookie{
		Name:     cookieName,
		Value:    identifier,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}).String())
	header.Set(sessionHeader, identifier)

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		slog.Warn("upgrade error", "room", name, "error", err)
		release(rm, identifier)
		return
	}

	details := map[string]string{"ip": clientIP(r)}
	if ua := r.UserAgent(); ua != "" {
		details["userAgent"] = ua
	}
	wsConn := ws.NewConn(uuid.NewString(), conn, rm, details)
	if err := rm.Accept(context.Background(), wsConn, identifier); err != nil {
		slog.Error("websocket accept failed", "room", name, "error", err)
		release(rm, identifier)
		conn.Close()
		return
	}
	wsConn.Start()
}

func release(rm *room.Room, identifier string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := rm.Release(ctx, identifier); err != nil {
		slog.Warn("release reservation", "room", rm.Name(), "identifier", identifier, "error", err)
	}
}
