package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"instarelay/internal/models"
	"instarelay/internal/observability/logging"
)

// IdentityProvider resolves the user behind a websocket handshake. It returns
// an error matching ErrUnauthenticated when the request carries no valid
// identity.
type IdentityProvider interface {
	Authenticate(r *http.Request) (string, error)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func(r *http.Request) (string, error)

func (f IdentityFunc) Authenticate(r *http.Request) (string, error) {
	return f(r)
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Hub      *Hub
	Identity IdentityProvider
	// AllowedOrigins lists the browser origins that may open sockets. "*"
	// accepts any origin; an empty list accepts same-host origins only.
	AllowedOrigins []string
	// HeartbeatInterval controls how often the gateway pings clients. A zero
	// value disables heartbeats and read deadlines.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	RateLimit         RateLimit
	Logger            *slog.Logger
}

// Gateway upgrades authenticated requests to websockets and dispatches
// inbound commands to the hub.
type Gateway struct {
	hub       *Hub
	identity  IdentityProvider
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	writeWait time.Duration
	maxBytes  int64
	rateLimit RateLimit
	logger    *slog.Logger
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		hub:       cfg.Hub,
		identity:  cfg.Identity,
		heartbeat: cfg.HeartbeatInterval,
		writeWait: cfg.WriteTimeout,
		maxBytes:  cfg.MaxMessageBytes,
		rateLimit: cfg.RateLimit,
		logger:    logging.WithComponent(logger, "gateway"),
	}
	if g.writeWait <= 0 {
		g.writeWait = 10 * time.Second
	}
	if g.maxBytes <= 0 {
		g.maxBytes = 64 << 10
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin == "*" {
			wildcard = true
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || wildcard {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		if len(set) > 0 {
			return false
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// ServeHTTP authenticates the handshake, upgrades it, and starts the
// connection's read, write, and heartbeat loops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.identity == nil {
		http.Error(w, "identity provider unavailable", http.StatusServiceUnavailable)
		return
	}
	userID, err := g.identity.Authenticate(r)
	if err != nil && !errors.Is(err, ErrUnauthenticated) {
		g.logger.Error("handshake identity lookup failed", "error", err)
		http.Error(w, "identity provider unavailable", http.StatusServiceUnavailable)
		return
	}
	if err != nil || strings.TrimSpace(userID) == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := g.hub.NewConnection()
	g.hub.Connect(conn, userID)
	s := &session{
		gateway: g,
		ws:      ws,
		conn:    conn,
		userID:  userID,
		limiter: newCommandLimiter(g.rateLimit),
		logger:  g.logger.With("conn_id", conn.ID(), "user_id", userID),
	}
	s.logger.Info("websocket connected")

	go s.writeLoop()
	if g.heartbeat > 0 {
		go s.heartbeatLoop()
	}
	go s.readLoop()
}

type session struct {
	gateway *Gateway
	ws      *websocket.Conn
	conn    *Connection
	userID  string
	limiter *commandLimiter
	logger  *slog.Logger

	teardown sync.Once
}

type inboundMessage struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId"`
	Room       *RoomRef        `json:"room"`
	To         string          `json:"to"`
	Body       string          `json:"body"`
	ReplyTo    string          `json:"replyTo"`
	MediaURL   string          `json:"mediaUrl"`
	MediaType  string          `json:"mediaType"`
	TempID     string          `json:"tempId"`
	MessageIDs []string        `json:"messageIds"`
	SenderID   string          `json:"senderId"`
	UserID     string          `json:"userId"`
	Signal     string          `json:"signal"`
	Payload    json.RawMessage `json:"payload"`
	Comment    *commentCommand `json:"comment"`
}

type commentCommand struct {
	Action    string `json:"action"`
	Kind      string `json:"kind"`
	ItemID    string `json:"itemId"`
	CommentID string `json:"commentId"`
	ParentID  string `json:"parentId"`
	Text      string `json:"text"`
}

func (s *session) close() {
	s.teardown.Do(func() {
		s.gateway.hub.Disconnect(s.conn)
		_ = s.ws.Close()
		s.logger.Info("websocket disconnected", "reason", s.conn.CloseReason())
	})
}

func (s *session) writeLoop() {
	defer s.close()
	for {
		select {
		case <-s.conn.Done():
			code := websocket.CloseNormalClosure
			if errors.Is(s.conn.CloseReason(), ErrSlowConsumer) {
				code = websocket.ClosePolicyViolation
			}
			deadline := time.Now().Add(s.gateway.writeWait)
			_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
			return
		case payload := <-s.conn.Outbound():
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.gateway.writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (s *session) heartbeatLoop() {
	ticker := time.NewTicker(s.gateway.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.conn.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.gateway.writeWait)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

func (s *session) readLoop() {
	defer s.close()
	s.ws.SetReadLimit(s.gateway.maxBytes)
	if s.gateway.heartbeat > 0 {
		wait := 2 * s.gateway.heartbeat
		_ = s.ws.SetReadDeadline(time.Now().Add(wait))
		s.ws.SetPongHandler(func(string) error {
			return s.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		_, payload, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if s.gateway.heartbeat > 0 {
			_ = s.ws.SetReadDeadline(time.Now().Add(2 * s.gateway.heartbeat))
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.sendError(CodeValidation, "invalid payload", false, "")
			continue
		}
		if !s.limiter.Allow() {
			s.sendError(CodeRateLimited, "too many commands", true, msg.RequestID)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *session) dispatch(msg inboundMessage) {
	ctx := logging.ContextWithUserID(context.Background(), s.userID)
	switch msg.Type {
	case "join":
		s.handleJoin(msg)
	case "leave":
		s.handleLeave(msg)
	case "message":
		s.handleMessage(ctx, msg)
	case "mark_read":
		s.handleMarkRead(ctx, msg)
	case "presence_query":
		s.handlePresence(ctx, msg)
	case "call":
		s.handleCall(msg)
	case "comment":
		s.handleComment(ctx, msg)
	case "typing":
		s.handleTyping(msg, false)
	case "stop_typing":
		s.handleTyping(msg, true)
	case "ping":
		evt := newEvent(EventPong)
		evt.RequestID = msg.RequestID
		s.conn.Send(evt)
	default:
		s.sendError(CodeUnknownCommand, "unknown command "+msg.Type, false, msg.RequestID)
	}
}

func (s *session) resolveRoom(msg inboundMessage) (RoomKey, bool) {
	if msg.Room == nil {
		s.sendError(CodeValidation, "room is required", false, msg.RequestID)
		return RoomKey{}, false
	}
	key, err := msg.Room.Resolve(s.userID)
	if err != nil {
		s.reportError(err, msg.RequestID)
		return RoomKey{}, false
	}
	return key, true
}

func (s *session) handleJoin(msg inboundMessage) {
	key, ok := s.resolveRoom(msg)
	if !ok {
		return
	}
	s.gateway.hub.JoinRoom(s.conn, key)
	evt := newEvent(EventJoined)
	evt.RequestID = msg.RequestID
	evt.Room = &RoomEvent{Room: key.String()}
	s.conn.Send(evt)
}

func (s *session) handleLeave(msg inboundMessage) {
	key, ok := s.resolveRoom(msg)
	if !ok {
		return
	}
	s.gateway.hub.LeaveRoom(s.conn, key)
	evt := newEvent(EventLeft)
	evt.RequestID = msg.RequestID
	evt.Room = &RoomEvent{Room: key.String()}
	s.conn.Send(evt)
}

func (s *session) handleMessage(ctx context.Context, msg inboundMessage) {
	_, err := s.gateway.hub.Messages.Send(ctx, SendRequest{
		SenderID:   s.userID,
		ReceiverID: msg.To,
		Body:       msg.Body,
		ReplyTo:    msg.ReplyTo,
		MediaURL:   msg.MediaURL,
		MediaType:  msg.MediaType,
		TempID:     msg.TempID,
		RequestID:  msg.RequestID,
		Origin:     s.conn,
	})
	// Persistence failures were already reported as send_failed.
	if err != nil && !errors.Is(err, ErrPersistence) {
		s.reportError(err, msg.RequestID)
	}
}

func (s *session) handleMarkRead(ctx context.Context, msg inboundMessage) {
	_, err := s.gateway.hub.Receipts.MarkRead(ctx, ReadRequest{
		MessageIDs: msg.MessageIDs,
		ReaderID:   s.userID,
		SenderID:   msg.SenderID,
		RequestID:  msg.RequestID,
		Origin:     s.conn,
	})
	if err != nil {
		s.reportError(err, msg.RequestID)
	}
}

func (s *session) handlePresence(ctx context.Context, msg inboundMessage) {
	userID := strings.TrimSpace(msg.UserID)
	if userID == "" {
		s.sendError(CodeValidation, "userId is required", false, msg.RequestID)
		return
	}
	presence := s.gateway.hub.Presence(ctx, userID)
	evt := newEvent(EventPresence)
	evt.RequestID = msg.RequestID
	evt.Presence = &presence
	s.conn.Send(evt)
}

func (s *session) handleCall(msg inboundMessage) {
	if _, err := s.gateway.hub.Signaling.Relay(CallSignalType(msg.Signal), s.userID, msg.To, msg.Payload); err != nil {
		s.reportError(err, msg.RequestID)
	}
}

func (s *session) handleComment(ctx context.Context, msg inboundMessage) {
	if msg.Comment == nil {
		s.sendError(CodeValidation, "comment is required", false, msg.RequestID)
		return
	}
	kind, err := models.ParseContentKind(msg.Comment.Kind)
	if err != nil {
		s.sendError(CodeValidation, err.Error(), false, msg.RequestID)
		return
	}
	_, err = s.gateway.hub.Comments.Apply(ctx, models.CommentMutation{
		Kind:      models.MutationKind(strings.ToLower(strings.TrimSpace(msg.Comment.Action))),
		Item:      models.ContentItem{Kind: kind, ID: msg.Comment.ItemID},
		CommentID: msg.Comment.CommentID,
		ParentID:  msg.Comment.ParentID,
		ActorID:   s.userID,
		Text:      msg.Comment.Text,
	})
	if err != nil {
		s.reportError(err, msg.RequestID)
	}
}

func (s *session) handleTyping(msg inboundMessage, stopped bool) {
	key, ok := s.resolveRoom(msg)
	if !ok {
		return
	}
	if !s.gateway.hub.Rooms.IsMember(s.conn, key) {
		s.sendError(CodeValidation, "join the room first", false, msg.RequestID)
		return
	}
	s.gateway.hub.Comments.Typing(key, s.userID, stopped, s.conn)
}

func (s *session) reportError(err error, requestID string) {
	code, retryable := errorCode(err)
	s.sendError(code, err.Error(), retryable, requestID)
}

func (s *session) sendError(code, message string, retryable bool, requestID string) {
	evt := errorEvent(code, message, retryable, requestID)
	evt.RequestID = requestID
	s.conn.Send(evt)
}
