package relay

import (
	"encoding/json"
	"time"

	"instarelay/internal/models"
)

// EventType enumerates the outbound frames written to clients.
type EventType string

const (
	EventPresence            EventType = "presence"
	EventMessage             EventType = "message"
	EventMessageSent         EventType = "message_sent"
	EventSendFailed          EventType = "send_failed"
	EventRead                EventType = "read"
	EventConversationUpdated EventType = "conversation_updated"
	EventCall                EventType = "call"
	EventCommentsUpdated     EventType = "comments_updated"
	EventTyping              EventType = "typing"
	EventStopTyping          EventType = "stop_typing"
	EventNotification        EventType = "notification"
	EventJoined              EventType = "joined"
	EventLeft                EventType = "left"
	EventPong                EventType = "pong"
	EventError               EventType = "error"
)

// Event is the wire representation of every outbound frame. Exactly one
// payload pointer is set, matching Type.
type Event struct {
	Type         EventType                   `json:"type"`
	RequestID    string                      `json:"requestId,omitempty"`
	Presence     *PresenceEvent              `json:"presence,omitempty"`
	Message      *MessageEvent               `json:"message,omitempty"`
	Sent         *SendAck                    `json:"sent,omitempty"`
	Failed       *SendFailed                 `json:"failed,omitempty"`
	Read         *ReadStateChanged           `json:"read,omitempty"`
	Conversation *models.ConversationSummary `json:"conversation,omitempty"`
	Call         *CallEvent                  `json:"call,omitempty"`
	Comments     *models.CommentThread       `json:"comments,omitempty"`
	Typing       *TypingEvent                `json:"typing,omitempty"`
	Notification *models.Notification        `json:"notification,omitempty"`
	Room         *RoomEvent                  `json:"room,omitempty"`
	Error        *ErrorPayload               `json:"error,omitempty"`
	OccurredAt   time.Time                   `json:"occurredAt"`
}

// PresenceEvent reports a user's online state.
type PresenceEvent struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// MessageEvent is a delivered direct message as seen by one connection.
type MessageEvent struct {
	models.Message
	IsOwnMessage bool   `json:"isOwnMessage"`
	TempID       string `json:"tempId,omitempty"`
}

// SendAck confirms persistence of a message to the connection that sent it.
type SendAck struct {
	TempID    string `json:"tempId,omitempty"`
	MessageID string `json:"messageId"`
}

// SendFailed tells the sender a message was not persisted.
type SendFailed struct {
	TempID    string `json:"tempId,omitempty"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// ReadStateChanged announces that ReaderID has read messages from SenderID.
type ReadStateChanged struct {
	MessageIDs []string `json:"messageIds"`
	ReaderID   string   `json:"readerId"`
	SenderID   string   `json:"senderId"`
}

// CallEvent carries a relayed call-signaling payload.
type CallEvent struct {
	Type       CallSignalType  `json:"type"`
	FromUserID string          `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// TypingEvent reports that UserID started or stopped typing in Room.
type TypingEvent struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
}

// RoomEvent acknowledges a join or leave.
type RoomEvent struct {
	Room string `json:"room"`
}

// ErrorPayload describes a failed inbound command.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func newEvent(kind EventType) Event {
	return Event{Type: kind, OccurredAt: time.Now().UTC()}
}

func errorEvent(code, message string, retryable bool, requestID string) Event {
	evt := newEvent(EventError)
	evt.Error = &ErrorPayload{Code: code, Message: message, Retryable: retryable, RequestID: requestID}
	return evt
}

func presenceEvent(userID string, online bool, at time.Time) Event {
	evt := newEvent(EventPresence)
	evt.Presence = &PresenceEvent{UserID: userID, Online: online}
	if !online && !at.IsZero() {
		seen := at.UTC()
		evt.Presence.LastSeen = &seen
	}
	return evt
}
