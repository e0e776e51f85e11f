package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workwithpact/cf-socket-server/admin"
	"github.com/workwithpact/cf-socket-server/hub"
	"github.com/workwithpact/cf-socket-server/room"
	"github.com/workwithpact/cf-socket-server/store"
)

const testSecret = "s3cret"

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, origins ...string) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New(store.NewMemory(), room.Options{AdminSecret: testSecret, AdminWindow: admin.DefaultWindow})
	srv := httptest.NewServer(New(h, origins))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv, h
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket?" + query
}

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, query), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

type profile struct {
	ID                string            `json:"id"`
	Suffix            int               `json:"suffix"`
	Role              string            `json:"role"`
	Properties        map[string]any    `json:"properties"`
	ConnectionDetails map[string]string `json:"connectionDetails"`
}

func handshake(t *testing.T, conn *websocket.Conn) profile {
	t.Helper()
	cfg := readFrame(t, conn)
	require.Equal(t, "config", cfg.Type)
	p := readFrame(t, conn)
	require.Equal(t, "profile", p.Type)
	var out profile
	require.NoError(t, json.Unmarshal(p.Data, &out))
	return out
}

func TestRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"health", http.MethodGet, "/health", http.StatusOK, `"status":"ok"`},
		{"stats", http.MethodGet, "/stats", http.StatusOK, `"rooms":0`},
		{"root details", http.MethodGet, "/?room=lobby", http.StatusOK, `"name":"lobby"`},
		{"details default room", http.MethodGet, "/details", http.StatusOK, `"name":"default"`},
		{"users", http.MethodGet, "/users?room=lobby", http.StatusOK, `"users":[]`},
		{"websocket without upgrade", http.MethodGet, "/websocket", http.StatusBadRequest, "expected websocket"},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound, "does not exist"},
		{"wrong method", http.MethodPost, "/details", http.StatusNotFound, "does not exist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Contains(t, string(body), tt.wantBody)
		})
	}
}

func TestDetails_Fields(t *testing.T) {
	srv, _ := newTestServer(t)

	var d room.Details
	resp := getJSON(t, srv.URL+"/details?room=lobby", &d)

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, room.ID("lobby"), d.ID)
	assert.Equal(t, "lobby", d.Name)
	assert.Zero(t, d.Count)
	assert.Equal(t, 1, d.Increment)
}

func TestWebSocket_SessionLifecycle(t *testing.T) {
	srv, h := newTestServer(t)

	a, resp := dial(t, srv, "room=lobby", nil)
	identifier := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, identifier)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie("lobby") {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, identifier, cookie.Value)

	pa := handshake(t, a)
	assert.Equal(t, identifier, pa.ID)
	assert.Equal(t, 2, pa.Suffix)
	assert.Equal(t, "member", pa.Role)
	assert.Equal(t, "127.0.0.1", pa.ConnectionDetails["ip"])

	// Resuming through the cookie shares the identity.
	b, resp := dial(t, srv, "room=lobby", http.Header{"Cookie": {cookie.Name + "=" + cookie.Value}})
	assert.Equal(t, identifier, resp.Header.Get(sessionHeader))
	pb := handshake(t, b)
	assert.Equal(t, identifier, pb.ID)
	assert.Equal(t, 3, pb.Suffix)

	send(t, a, `{"type":"subscribe","data":"chat"}`)
	send(t, b, `{"type":"chat","data":"hello"}`)
	chat := readFrame(t, a)
	require.Equal(t, "chat", chat.Type)
	var body struct {
		Message string `json:"message"`
		User    struct {
			Suffix int `json:"suffix"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(chat.Data, &body))
	assert.Equal(t, "hello", body.Message)
	assert.Equal(t, 3, body.User.Suffix)

	var d room.Details
	getJSON(t, srv.URL+"/details?room=lobby", &d)
	assert.Equal(t, 2, d.Count)
	assert.Equal(t, 1, d.UniqueCount)

	var users room.Users
	getJSON(t, srv.URL+"/users?room=lobby", &users)
	assert.Len(t, users.Users, 2)

	rooms, sessions := h.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 2, sessions)

	a.Close()
	b.Close()
	assert.Eventually(t, func() bool {
		rooms, _ := h.Stats()
		return rooms == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_QueryOverridesCookie(t *testing.T) {
	srv, _ := newTestServer(t)

	a, resp := dial(t, srv, "room=lobby", nil)
	first := resp.Header.Get(sessionHeader)
	handshake(t, a)

	header := http.Header{"Cookie": {SessionCookie("lobby") + "=someone-else"}}
	b, resp := dial(t, srv, "room=lobby&session="+first, header)
	assert.Equal(t, first, resp.Header.Get(sessionHeader))
	assert.Equal(t, first, handshake(t, b).ID)
}

func TestWebSocket_AdminElevation(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, _ := dial(t, srv, "room=stage", nil)
	handshake(t, conn)

	ts := time.Now().UnixMilli()
	auth, err := json.Marshal(map[string]any{
		"type": "authenticate",
		"data": map[string]any{"digest": admin.Digest("stage", ts, testSecret), "timestamp": ts},
	})
	require.NoError(t, err)
	send(t, conn, string(auth))

	f := readFrame(t, conn)
	require.Equal(t, "profile", f.Type)
	var p profile
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, "admin", p.Role)

	send(t, conn, `{"type":"config","data":{"theme":"dark"}}`)
	f = readFrame(t, conn)
	assert.Equal(t, "config", f.Type)
	assert.JSONEq(t, `{"theme":"dark"}`, string(f.Data))
}

func TestWebSocket_OriginCheck(t *testing.T) {
	srv, _ := newTestServer(t, "https://allowed.example")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "room=lobby"), http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _ := dial(t, srv, "room=lobby", http.Header{"Origin": {"https://allowed.example"}})
	handshake(t, conn)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"cloudflare header", map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "3.3.3.3:1", "1.1.1.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "2.2.2.2, 10.0.0.1"}, "3.3.3.3:1", "2.2.2.2"},
		{"real ip", map[string]string{"X-Real-IP": "4.4.4.4"}, "3.3.3.3:1", "4.4.4.4"},
		{"remote addr", nil, "3.3.3.3:1234", "3.3.3.3"},
		{"remote without port", nil, "3.3.3.3", "3.3.3.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
