package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"instarelay/internal/models"
)

func queryIdentity() IdentityProvider {
	return IdentityFunc(func(r *http.Request) (string, error) {
		user := r.URL.Query().Get("user")
		if user == "" {
			return "", ErrUnauthenticated
		}
		return user, nil
	})
}

func newGatewayServer(t *testing.T, cfg GatewayConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := cfg.Hub
	if hub == nil {
		hub = newTestHub(t, nil)
		cfg.Hub = hub
	}
	if cfg.Identity == nil {
		cfg.Identity = queryIdentity()
	}
	cfg.Logger = discardLogger()
	srv := httptest.NewServer(NewGateway(cfg))
	t.Cleanup(srv.Close)
	return hub, srv
}

func wsURL(srv *httptest.Server, user string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user
}

func mustDial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, user), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

// waitForType reads frames until one of kind arrives.
func waitForType(t *testing.T, ws *websocket.Conn, kind EventType) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
	for {
		_, payload, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", kind)
		var evt Event
		require.NoError(t, json.Unmarshal(payload, &evt))
		if evt.Type == kind {
			return evt
		}
	}
}

func waitOnline(t *testing.T, hub *Hub, users ...string) {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool {
		for _, user := range users {
			if !hub.Registry.IsOnline(user) {
				return false
			}
		}
		return true
	})
}

func TestGatewayRejectsUnauthenticatedHandshake(t *testing.T) {
	_, srv := newGatewayServer(t, GatewayConfig{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestGatewayWithoutIdentityIsUnavailable(t *testing.T) {
	hub := newTestHub(t, nil)
	srv := httptest.NewServer(NewGateway(GatewayConfig{Hub: hub, Logger: discardLogger()}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGatewayOriginPolicy(t *testing.T) {
	_, srv := newGatewayServer(t, GatewayConfig{AllowedOrigins: []string{"https://app.example/"}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "alice"), header)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	header.Set("Origin", "https://APP.example")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "alice"), header)
	require.NoError(t, err)
	ws.Close()

	check := originChecker(nil)
	req := httptest.NewRequest(http.MethodGet, "http://relay.local/ws", nil)
	req.Header.Set("Origin", "http://relay.local")
	require.True(t, check(req))
	req.Header.Set("Origin", "http://other.local")
	require.False(t, check(req))
	require.True(t, originChecker([]string{"*"})(req))
}

func TestGatewayMessageFlow(t *testing.T) {
	hub, srv := newGatewayServer(t, GatewayConfig{})
	alice := mustDial(t, srv, "alice")
	bob := mustDial(t, srv, "bob")
	waitOnline(t, hub, "alice", "bob")

	sendJSON(t, alice, map[string]any{"type": "message", "requestId": "r1", "to": "bob", "body": "hi bob", "tempId": "tmp"})

	ack := waitForType(t, alice, EventMessageSent)
	require.Equal(t, "r1", ack.RequestID)
	require.Equal(t, "tmp", ack.Sent.TempID)

	incoming := waitForType(t, bob, EventMessage)
	require.Equal(t, "hi bob", incoming.Message.Body)
	require.Equal(t, ack.Sent.MessageID, incoming.Message.ID)
	require.False(t, incoming.Message.IsOwnMessage)

	sendJSON(t, bob, map[string]any{"type": "mark_read", "requestId": "r2", "senderId": "alice", "messageIds": []string{incoming.Message.ID}})
	read := waitForType(t, alice, EventRead)
	require.Equal(t, []string{incoming.Message.ID}, read.Read.MessageIDs)

	sendJSON(t, alice, map[string]any{"type": "message", "requestId": "r3", "to": "bob", "body": "   "})
	failure := waitForType(t, alice, EventError)
	require.Equal(t, CodeValidation, failure.Error.Code)
	require.Equal(t, "r3", failure.Error.RequestID)
	require.False(t, failure.Error.Retryable)
}

func TestGatewayControlCommands(t *testing.T) {
	hub, srv := newGatewayServer(t, GatewayConfig{HeartbeatInterval: time.Second})
	alice := mustDial(t, srv, "alice")
	waitOnline(t, hub, "alice")

	sendJSON(t, alice, map[string]any{"type": "ping", "requestId": "p1"})
	require.Equal(t, "p1", waitForType(t, alice, EventPong).RequestID)

	sendJSON(t, alice, map[string]any{"type": "dance", "requestId": "d1"})
	unknown := waitForType(t, alice, EventError)
	require.Equal(t, CodeUnknownCommand, unknown.Error.Code)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.Equal(t, CodeValidation, waitForType(t, alice, EventError).Error.Code)

	sendJSON(t, alice, map[string]any{"type": "presence_query", "requestId": "q1", "userId": "bob"})
	presence := waitForType(t, alice, EventPresence)
	require.Equal(t, "bob", presence.Presence.UserID)
	require.False(t, presence.Presence.Online)
}

func TestGatewayRoomsCommentsAndTyping(t *testing.T) {
	hub, srv := newGatewayServer(t, GatewayConfig{})
	alice := mustDial(t, srv, "alice")
	bob := mustDial(t, srv, "bob")
	waitOnline(t, hub, "alice", "bob")

	room := map[string]any{"kind": "post", "id": "p1"}
	sendJSON(t, alice, map[string]any{"type": "typing", "room": room})
	require.Equal(t, CodeValidation, waitForType(t, alice, EventError).Error.Code, "typing requires membership")

	sendJSON(t, alice, map[string]any{"type": "join", "requestId": "j1", "room": room})
	require.Equal(t, "post:p1", waitForType(t, alice, EventJoined).Room.Room)
	sendJSON(t, bob, map[string]any{"type": "join", "requestId": "j2", "room": room})
	waitForType(t, bob, EventJoined)

	sendJSON(t, alice, map[string]any{"type": "typing", "room": room})
	typing := waitForType(t, bob, EventTyping)
	require.Equal(t, "alice", typing.Typing.UserID)

	sendJSON(t, bob, map[string]any{"type": "comment", "requestId": "c1", "comment": map[string]any{
		"action": "create", "kind": "post", "itemId": "p1", "text": "nice",
	}})
	for _, ws := range []*websocket.Conn{alice, bob} {
		update := waitForType(t, ws, EventCommentsUpdated)
		require.Len(t, update.Comments.Comments, 1)
		require.Equal(t, "bob", update.Comments.Comments[0].AuthorID)
	}

	sendJSON(t, bob, map[string]any{"type": "comment", "requestId": "c2", "comment": map[string]any{
		"action": "edit", "kind": "post", "itemId": "p1", "commentId": "missing", "text": "x",
	}})
	missing := waitForType(t, bob, EventError)
	require.Equal(t, CodeNotFound, missing.Error.Code)
	require.Equal(t, "c2", missing.Error.RequestID)

	sendJSON(t, alice, map[string]any{"type": "leave", "room": room})
	waitForType(t, alice, EventLeft)
	waitUntil(t, time.Second, func() bool { return len(hub.Rooms.Members(ContentRoom(models.ContentItem{Kind: models.ContentPost, ID: "p1"}))) == 1 })
}

func TestGatewayCallSignaling(t *testing.T) {
	hub, srv := newGatewayServer(t, GatewayConfig{})
	alice := mustDial(t, srv, "alice")
	bob := mustDial(t, srv, "bob")
	waitOnline(t, hub, "alice", "bob")

	sendJSON(t, alice, map[string]any{"type": "call", "signal": "ice-candidate", "to": "bob", "payload": map[string]any{"candidate": "c"}})
	call := waitForType(t, bob, EventCall)
	require.Equal(t, CallICECandidate, call.Call.Type)
	require.Equal(t, "alice", call.Call.FromUserID)
	require.JSONEq(t, `{"candidate":"c"}`, string(call.Call.Payload))

	sendJSON(t, alice, map[string]any{"type": "call", "signal": "shrug", "to": "bob", "requestId": "x"})
	require.Equal(t, CodeValidation, waitForType(t, alice, EventError).Error.Code)
}

func TestGatewayRateLimit(t *testing.T) {
	hub, srv := newGatewayServer(t, GatewayConfig{RateLimit: RateLimit{PerSecond: 0.01, Burst: 1}})
	alice := mustDial(t, srv, "alice")
	waitOnline(t, hub, "alice")

	sendJSON(t, alice, map[string]any{"type": "ping", "requestId": "1"})
	waitForType(t, alice, EventPong)
	sendJSON(t, alice, map[string]any{"type": "ping", "requestId": "2"})
	limited := waitForType(t, alice, EventError)
	require.Equal(t, CodeRateLimited, limited.Error.Code)
	require.True(t, limited.Error.Retryable)
}

func TestGatewayDisconnectAnnouncesOffline(t *testing.T) {
	hub, srv := newGatewayServer(t, GatewayConfig{})
	watcher := mustDial(t, srv, "watcher")
	alice := mustDial(t, srv, "alice")
	waitOnline(t, hub, "watcher", "alice")
	online := waitForType(t, watcher, EventPresence)
	require.True(t, online.Presence.Online)

	require.NoError(t, alice.Close())
	offline := waitForType(t, watcher, EventPresence)
	require.Equal(t, "alice", offline.Presence.UserID)
	require.False(t, offline.Presence.Online)
	waitUntil(t, time.Second, func() bool { return !hub.Registry.IsOnline("alice") })
}

func TestGatewayShutdownClosesSockets(t *testing.T) {
	hub, srv := newGatewayServer(t, GatewayConfig{})
	alice := mustDial(t, srv, "alice")
	waitOnline(t, hub, "alice")

	hub.Shutdown()
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := alice.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
	}
	waitUntil(t, time.Second, func() bool { return hub.Registry.ConnectionCount() == 0 })
}
