package relay

import (
	"encoding/json"
	"strings"

	"instarelay/internal/observability/metrics"
)

// CallSignalType enumerates call-signaling messages.
type CallSignalType string

const (
	CallInvite       CallSignalType = "invite"
	CallAccept       CallSignalType = "accept"
	CallReject       CallSignalType = "reject"
	CallOffer        CallSignalType = "offer"
	CallAnswer       CallSignalType = "answer"
	CallICECandidate CallSignalType = "ice-candidate"
	CallEnd          CallSignalType = "end"
)

// Valid reports whether t is a known signal type.
func (t CallSignalType) Valid() bool {
	switch t {
	case CallInvite, CallAccept, CallReject, CallOffer, CallAnswer, CallICECandidate, CallEnd:
		return true
	}
	return false
}

// SignalingRelay forwards opaque call payloads between two users' live
// connections. Nothing is stored.
type SignalingRelay struct {
	registry *Registry
	recorder *metrics.Recorder
}

// NewSignalingRelay wires a relay over registry.
func NewSignalingRelay(registry *Registry) *SignalingRelay {
	return &SignalingRelay{registry: registry, recorder: metrics.Default()}
}

// Relay delivers the signal to every connection of toUserID and returns how
// many were reached. An offline target is not an error.
func (s *SignalingRelay) Relay(kind CallSignalType, fromUserID, toUserID string, payload json.RawMessage) (int, error) {
	if !kind.Valid() {
		return 0, invalid("type", "unknown call signal "+string(kind))
	}
	toUserID = strings.TrimSpace(toUserID)
	if toUserID == "" {
		return 0, invalid("to", "target user is required")
	}
	evt := newEvent(EventCall)
	evt.Call = &CallEvent{Type: kind, FromUserID: fromUserID, Payload: payload}
	delivered := s.registry.DeliverToUsers(evt, toUserID)
	s.recorder.ObserveRelayEvent("call:" + string(kind))
	return delivered, nil
}
