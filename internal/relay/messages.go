package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"instarelay/internal/models"
	"instarelay/internal/observability/metrics"
	"instarelay/internal/storage"
)

// MaxMessageRunes caps the length of a message body.
const MaxMessageRunes = 4000

// SendRequest is one outgoing direct message. Origin is the connection that
// issued it and may be nil for sends that did not arrive over a socket.
type SendRequest struct {
	SenderID   string
	ReceiverID string
	Body       string
	ReplyTo    string
	MediaURL   string
	MediaType  string
	TempID     string
	RequestID  string
	Origin     *Connection
}

// MessageRelay validates, persists, and fans out direct messages.
type MessageRelay struct {
	store         storage.MessageStore
	registry      *Registry
	conversations *ConversationAggregator
	recorder      *metrics.Recorder
	logger        *slog.Logger

	senders KeyedMutex
}

// NewMessageRelay wires a relay. conversations may be nil.
func NewMessageRelay(store storage.MessageStore, registry *Registry, conversations *ConversationAggregator, logger *slog.Logger) *MessageRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageRelay{
		store:         store,
		registry:      registry,
		conversations: conversations,
		recorder:      metrics.Default(),
		logger:        logger,
	}
}

// NormalizeText applies NFC normalisation and trims surrounding space.
func NormalizeText(text string) string {
	return strings.TrimSpace(norm.NFC.String(text))
}

func (r SendRequest) draft() (models.MessageDraft, error) {
	draft := models.MessageDraft{
		SenderID:   strings.TrimSpace(r.SenderID),
		ReceiverID: strings.TrimSpace(r.ReceiverID),
		Body:       NormalizeText(r.Body),
		ReplyTo:    strings.TrimSpace(r.ReplyTo),
		MediaURL:   strings.TrimSpace(r.MediaURL),
		MediaType:  strings.TrimSpace(r.MediaType),
	}
	switch {
	case draft.SenderID == "":
		return draft, invalid("senderId", "sender is required")
	case draft.ReceiverID == "":
		return draft, invalid("receiverId", "receiver is required")
	case draft.Body == "" && draft.ReplyTo == "" && draft.MediaURL == "":
		return draft, invalid("body", "message needs text, a reply, or media")
	case utf8.RuneCountInString(draft.Body) > MaxMessageRunes:
		return draft, invalid("body", "message exceeds 4000 characters")
	}
	return draft, nil
}

// Send persists req and delivers the stored message to every connection of
// both participants. Sends from one sender are serialised, so their
// deliveries keep submission order.
func (m *MessageRelay) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	draft, err := req.draft()
	if err != nil {
		return models.Message{}, err
	}

	unlock := m.senders.Lock(draft.SenderID)
	defer unlock()

	msg, err := m.store.PersistMessage(ctx, draft)
	if err != nil {
		perr := storeError("persist message", err)
		m.reportFailure(req, draft.SenderID, perr)
		return models.Message{}, perr
	}

	m.deliver(msg, req.TempID)

	if req.Origin != nil {
		ack := newEvent(EventMessageSent)
		ack.RequestID = req.RequestID
		ack.Sent = &SendAck{TempID: req.TempID, MessageID: msg.ID}
		req.Origin.Send(ack)
	}

	if m.conversations != nil {
		m.conversations.Observe(msg)
		for _, userID := range uniqueUsers(msg.SenderID, msg.ReceiverID) {
			evt := newEvent(EventConversationUpdated)
			summary := m.conversations.Summary(ctx, userID, msg)
			evt.Conversation = &summary
			m.registry.DeliverToUsers(evt, userID)
		}
	}

	m.recorder.ObserveRelayEvent(string(EventMessage))
	m.logger.Debug("message relayed", "message_id", msg.ID, "user_id", msg.SenderID, "receiver_id", msg.ReceiverID)
	return msg, nil
}

// deliver writes msg once to every connection of the receiver and the
// sender. The sender's connections see isOwnMessage and the temp id.
func (m *MessageRelay) deliver(msg models.Message, tempID string) {
	incoming := newEvent(EventMessage)
	incoming.Message = &MessageEvent{Message: msg}
	own := newEvent(EventMessage)
	own.Message = &MessageEvent{Message: msg, IsOwnMessage: true, TempID: tempID}

	incomingPayload, err := json.Marshal(incoming)
	if err != nil {
		m.logger.Error("marshal message event", "error", err)
		return
	}
	ownPayload, err := json.Marshal(own)
	if err != nil {
		m.logger.Error("marshal message event", "error", err)
		return
	}

	seen := make(map[*Connection]struct{})
	for _, conn := range m.registry.ConnectionsFor(msg.SenderID) {
		seen[conn] = struct{}{}
		conn.Deliver(ownPayload)
	}
	for _, conn := range m.registry.ConnectionsFor(msg.ReceiverID) {
		if _, dup := seen[conn]; dup {
			continue
		}
		conn.Deliver(incomingPayload)
	}
}

// reportFailure tells the sender a message was not stored: the origin
// connection when known, otherwise every sender connection.
func (m *MessageRelay) reportFailure(req SendRequest, senderID string, err error) {
	m.recorder.ObserveSendFailure("persistence")
	m.logger.Warn("message persistence failed", "user_id", senderID, "error", err)

	evt := newEvent(EventSendFailed)
	evt.RequestID = req.RequestID
	evt.Failed = &SendFailed{TempID: req.TempID, Reason: err.Error(), Retryable: true}
	if req.Origin != nil {
		req.Origin.Send(evt)
		return
	}
	m.registry.DeliverToUsers(evt, senderID)
}

func uniqueUsers(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !containsUser(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func containsUser(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
