package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"diagramsync/api/internal/rbac"
)

func startServer(t *testing.T, f *fixture) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(NewServer(ctx, f.gateway, DefaultServerConfig(), zap.NewNop()))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: data}))
}

// readUntil skips frames until event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string, dst any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event != event {
			continue
		}
		if dst != nil {
			require.NoError(t, json.Unmarshal(env.Data, dst))
		}
		return
	}
}

// readPresence skips frames until a presence event of the given kind arrives.
func readPresence(t *testing.T, conn *websocket.Conn, kind string) PresencePayload {
	t.Helper()
	for {
		var presence PresencePayload
		readUntil(t, conn, EventPresence, &presence)
		if presence.Event == kind {
			return presence
		}
	}
}

func TestWebSocketSession(t *testing.T) {
	f := newFixture(t)
	url := startServer(t, f)
	share := f.shareToken(t, "p1")

	owner := dial(t, url, issueToken(t, "owner"))
	write(t, owner, EventJoin, JoinPayload{ProjectID: "p1"})
	var joined JoinedPayload
	readUntil(t, owner, EventJoined, &joined)
	assert.Equal(t, rbac.RoleOwner, joined.Role)
	self := readPresence(t, owner, PresenceJoin)
	require.NotNil(t, self.UserID)
	assert.Equal(t, "owner", *self.UserID)

	guest := dial(t, url, "")
	write(t, guest, EventJoin, JoinPayload{ProjectID: "p1", ShareToken: share})
	readUntil(t, guest, EventJoined, &joined)
	assert.Equal(t, rbac.RoleViewer, joined.Role)
	arrival := readPresence(t, owner, PresenceJoin)
	assert.Nil(t, arrival.UserID)
	assert.Equal(t, rbac.RoleViewer, arrival.Role)

	write(t, owner, EventPatch, map[string]any{
		"projectId": "p1",
		"patch":     map[string]any{"type": "full", "snapshot": map[string]any{"nodes": []any{map[string]any{"id": "n1"}}}},
	})
	var remote json.RawMessage
	readUntil(t, guest, EventRemotePatch, &remote)
	assert.JSONEq(t, `{"type":"full","snapshot":{"nodes":[{"id":"n1"}]}}`, string(remote))

	write(t, guest, EventPatch, map[string]any{"projectId": "p1", "patch": map[string]any{"type": "nodeMoved", "id": "n1", "x": 3, "y": 4}})
	var denied DeniedPayload
	readUntil(t, guest, EventEditDenied, &denied)
	assert.Equal(t, ReasonLoginRequired, denied.Reason)

	require.NoError(t, guest.Close())
	departure := readPresence(t, owner, PresenceLeave)
	assert.Nil(t, departure.UserID)
	assert.Equal(t, rbac.RoleViewer, departure.Role)

	snap, ok := f.registry.Snapshot("p1")
	require.True(t, ok)
	require.Len(t, snap.Nodes, 1)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultServerConfig()
	cfg.AllowedOrigin = "https://app.example.com"
	srv := httptest.NewServer(NewServer(context.Background(), f.gateway, cfg, zap.NewNop()))
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandshakeCredential(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "query", target: "/ws?token=abc", want: "abc"},
		{name: "bearer", target: "/ws", header: "Bearer xyz", want: "xyz"},
		{name: "lowercase bearer", target: "/ws", header: "bearer xyz", want: "xyz"},
		{name: "query wins", target: "/ws?token=abc", header: "Bearer xyz", want: "abc"},
		{name: "basic ignored", target: "/ws", header: "Basic Zm9v", want: ""},
		{name: "none", target: "/ws", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			assert.Equal(t, tc.want, handshakeCredential(req))
		})
	}
}
