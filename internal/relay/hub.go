package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"instarelay/internal/models"
	"instarelay/internal/observability/logging"
	"instarelay/internal/observability/metrics"
	"instarelay/internal/storage"
)

// HubConfig configures a Hub.
type HubConfig struct {
	Store        storage.Repository
	Queue        Queue
	LastSeen     LastSeenTracker
	Shards       int
	SendBuffer   int
	CommentLimit int
	Recorder     *metrics.Recorder
	Logger       *slog.Logger
}

// Hub wires the relay components around one registry and room manager.
type Hub struct {
	Registry      *Registry
	Rooms         *RoomManager
	Conversations *ConversationAggregator
	Messages      *MessageRelay
	Receipts      *ReceiptPropagator
	Signaling     *SignalingRelay
	Comments      *CommentBroadcaster

	store      storage.Repository
	queue      Queue
	lastSeen   LastSeenTracker
	sendBuffer int
	recorder   *metrics.Recorder
	logger     *slog.Logger
}

// NewHub builds a hub. A nil queue defaults to an in-memory queue and a nil
// last-seen tracker to an in-memory one.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("relay store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "relay")
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	queue := cfg.Queue
	if queue == nil {
		queue = NewMemoryQueue(128)
	}
	lastSeen := cfg.LastSeen
	if lastSeen == nil {
		lastSeen = NewMemoryLastSeen()
	}

	registry := NewRegistry(cfg.Shards, logger)
	rooms := NewRoomManager(logger)
	conversations := NewConversationAggregator(cfg.Store, registry, lastSeen, logger)

	h := &Hub{
		Registry:      registry,
		Rooms:         rooms,
		Conversations: conversations,
		Messages:      NewMessageRelay(cfg.Store, registry, conversations, logger),
		Receipts:      NewReceiptPropagator(cfg.Store, registry, conversations, logger),
		Signaling:     NewSignalingRelay(registry),
		Comments:      NewCommentBroadcaster(cfg.Store, rooms, queue, cfg.CommentLimit, logger),
		store:         cfg.Store,
		queue:         queue,
		lastSeen:      lastSeen,
		sendBuffer:    cfg.SendBuffer,
		recorder:      recorder,
		logger:        logger,
	}
	h.Messages.recorder = recorder
	h.Receipts.recorder = recorder
	h.Signaling.recorder = recorder
	h.Comments.recorder = recorder

	registry.OnPresence(h.observePresence)
	return h, nil
}

func (h *Hub) observePresence(userID string, online bool, at time.Time) {
	h.recorder.ObservePresence(online)
	if online {
		return
	}
	h.Conversations.Forget(userID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.lastSeen.Touch(ctx, userID, at); err != nil {
		h.logger.Warn("record last seen failed", "user_id", userID, "error", err)
	}
}

// NewConnection allocates a connection counted by the hub's metrics.
func (h *Hub) NewConnection() *Connection {
	h.recorder.ConnectionOpened()
	return newConnection(h.sendBuffer, h.recorder)
}

// Connect associates conn with userID.
func (h *Hub) Connect(conn *Connection, userID string) {
	h.Registry.Associate(conn, userID)
}

// Disconnect removes conn from every room and from the registry, then closes
// it. Only the first call has an effect.
func (h *Hub) Disconnect(conn *Connection) {
	if conn == nil || !conn.release() {
		return
	}
	h.Rooms.LeaveAll(conn)
	h.Registry.Disassociate(conn)
	conn.Close()
	h.recorder.ConnectionClosed()
	h.logger.Debug("connection closed", "conn_id", conn.ID(), "reason", conn.CloseReason())
}

// JoinRoom subscribes conn to key.
func (h *Hub) JoinRoom(conn *Connection, key RoomKey) bool {
	return h.Rooms.Join(conn, key)
}

// LeaveRoom unsubscribes conn from key.
func (h *Hub) LeaveRoom(conn *Connection, key RoomKey) bool {
	return h.Rooms.Leave(conn, key)
}

// Presence reports userID's online state and, when offline, the last time
// they were seen if known.
func (h *Hub) Presence(ctx context.Context, userID string) PresenceEvent {
	presence := PresenceEvent{UserID: userID, Online: h.Registry.IsOnline(userID)}
	if presence.Online {
		return presence
	}
	at, ok, err := h.lastSeen.LastSeen(ctx, userID)
	if err != nil {
		h.logger.Warn("last seen lookup failed", "user_id", userID, "error", err)
		return presence
	}
	if ok {
		presence.LastSeen = &at
	}
	return presence
}

// History returns a page of the conversation between userID and peerID and
// marks the peer's unread messages on that page read.
func (h *Hub) History(ctx context.Context, userID, peerID string, limit, offset int) ([]models.Message, error) {
	userID, peerID = strings.TrimSpace(userID), strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, invalid("peerId", "peer is required")
	}
	page, err := h.store.History(ctx, userID, peerID, limit, offset)
	if err != nil {
		return nil, storeError("load history", err)
	}
	var unread []string
	for i := range page {
		if page[i].SenderID == peerID && page[i].ReceiverID == userID && !page[i].IsRead {
			unread = append(unread, page[i].ID)
			page[i].IsRead = true
		}
	}
	if len(unread) > 0 {
		if _, err := h.Receipts.MarkRead(ctx, ReadRequest{MessageIDs: unread, ReaderID: userID, SenderID: peerID}); err != nil {
			h.logger.Warn("mark history read failed", "user_id", userID, "error", err)
		}
	}
	return page, nil
}

// UnreadSummary counts unread messages from senderID to readerID.
func (h *Hub) UnreadSummary(ctx context.Context, readerID, senderID string) (storage.UnreadSummary, error) {
	if strings.TrimSpace(senderID) == "" {
		return storage.UnreadSummary{}, invalid("peerId", "peer is required")
	}
	summary, err := h.store.UnreadSummary(ctx, readerID, senderID)
	if err != nil {
		return storage.UnreadSummary{}, storeError("count unread", err)
	}
	return summary, nil
}

// CommentThread returns the canonical thread of item.
func (h *Hub) CommentThread(ctx context.Context, item models.ContentItem, limit int) (models.CommentThread, error) {
	if !item.Valid() {
		return models.CommentThread{}, invalid("item", "a post or reel id is required")
	}
	if limit <= 0 || limit > storage.DefaultCommentLimit {
		limit = storage.DefaultCommentLimit
	}
	thread, err := h.store.FetchCanonical(ctx, item, limit)
	if err != nil {
		return models.CommentThread{}, storeError("fetch comments", err)
	}
	return thread, nil
}

// Notify publishes a notification for asynchronous persistence and delivery.
func (h *Hub) Notify(ctx context.Context, n models.Notification) error {
	if strings.TrimSpace(n.UserID) == "" {
		return invalid("userId", "recipient is required")
	}
	if !n.Type.Valid() {
		return invalid("type", "unknown notification type "+string(n.Type))
	}
	if n.Item != nil && !n.Item.Valid() {
		return invalid("item", "invalid content item")
	}
	if err := h.queue.Publish(ctx, n); err != nil {
		h.recorder.ObserveNotification("dropped")
		return &PersistenceError{Op: "publish notification", Err: err}
	}
	return nil
}

// Notifications lists the newest notifications of userID.
func (h *Hub) Notifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	list, err := h.store.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, storeError("list notifications", err)
	}
	return list, nil
}

// NotificationWorker returns a worker consuming the hub's queue.
func (h *Hub) NotificationWorker() *NotificationWorker {
	worker := NewNotificationWorker(h.store, h.queue, h.Registry, h.logger)
	worker.recorder = h.recorder
	return worker
}

// Shutdown closes every live connection; transports finish the teardown.
func (h *Hub) Shutdown() {
	h.Registry.CloseAll()
}
