package relay

import (
	"context"
	"log/slog"
	"strings"

	"instarelay/internal/models"
	"instarelay/internal/observability/metrics"
	"instarelay/internal/storage"
)

// ReadRequest marks messages from SenderID to ReaderID read.
type ReadRequest struct {
	MessageIDs []string
	ReaderID   string
	SenderID   string
	RequestID  string
	Origin     *Connection
}

// ReceiptPropagator updates read state and tells both parties about it.
type ReceiptPropagator struct {
	store         storage.MessageStore
	registry      *Registry
	conversations *ConversationAggregator
	recorder      *metrics.Recorder
	logger        *slog.Logger
}

// NewReceiptPropagator wires a propagator. conversations may be nil.
func NewReceiptPropagator(store storage.MessageStore, registry *Registry, conversations *ConversationAggregator, logger *slog.Logger) *ReceiptPropagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiptPropagator{
		store:         store,
		registry:      registry,
		conversations: conversations,
		recorder:      metrics.Default(),
		logger:        logger,
	}
}

// MarkRead flips read state for the listed messages that SenderID sent to
// ReaderID and broadcasts the receipt to both parties, even when nothing
// changed. It returns the number of messages updated.
func (p *ReceiptPropagator) MarkRead(ctx context.Context, req ReadRequest) (int, error) {
	ids := make([]string, 0, len(req.MessageIDs))
	seen := make(map[string]struct{}, len(req.MessageIDs))
	for _, id := range req.MessageIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	switch {
	case len(ids) == 0:
		return 0, invalid("messageIds", "at least one message id is required")
	case strings.TrimSpace(req.ReaderID) == "":
		return 0, invalid("readerId", "reader is required")
	case strings.TrimSpace(req.SenderID) == "":
		return 0, invalid("senderId", "sender is required")
	}

	updated, err := p.store.MarkRead(ctx, ids, models.ReadFilter{SenderID: req.SenderID, ReceiverID: req.ReaderID})
	if err != nil {
		p.logger.Warn("mark read failed", "user_id", req.ReaderID, "error", err)
		return 0, storeError("mark messages read", err)
	}

	if p.conversations != nil {
		p.conversations.ObserveRead(req.ReaderID, req.SenderID, ids)
	}
	evt := newEvent(EventRead)
	evt.RequestID = req.RequestID
	evt.Read = &ReadStateChanged{MessageIDs: ids, ReaderID: req.ReaderID, SenderID: req.SenderID}
	p.registry.DeliverToUsers(evt, req.ReaderID, req.SenderID)
	p.recorder.ObserveRelayEvent(string(EventRead))
	return updated, nil
}
