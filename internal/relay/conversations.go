package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"instarelay/internal/models"
	"instarelay/internal/storage"
)

// ConversationAggregator serves each user's recent-conversation list from a
// cache of the newest message per counterpart. The cache is primed from the
// store on first use and kept current by Observe and ObserveRead; merges
// keep the newer message and OR the read flag, so they commute with the
// store load. Only users with a live connection are cached; the entry is
// dropped when they go offline.
type ConversationAggregator struct {
	store    storage.MessageStore
	registry *Registry
	lastSeen LastSeenTracker
	logger   *slog.Logger

	loads singleflight.Group

	mu     sync.Mutex
	heads  map[string]map[string]models.Message
	primed map[string]bool
}

// NewConversationAggregator builds an aggregator. lastSeen may be nil.
func NewConversationAggregator(store storage.MessageStore, registry *Registry, lastSeen LastSeenTracker, logger *slog.Logger) *ConversationAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationAggregator{
		store:    store,
		registry: registry,
		lastSeen: lastSeen,
		logger:   logger,
		heads:    make(map[string]map[string]models.Message),
		primed:   make(map[string]bool),
	}
}

// Recent returns one summary per counterpart of userID, newest first.
func (a *ConversationAggregator) Recent(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	heads, err := a.headsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConversationSummary, 0, len(heads))
	for _, msg := range heads {
		out = append(out, a.Summary(ctx, userID, msg))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.NewerThan(out[j].LastMessage)
	})
	return out, nil
}

func (a *ConversationAggregator) headsFor(ctx context.Context, userID string) ([]models.Message, error) {
	a.mu.Lock()
	if a.primed[userID] {
		out := snapshotHeads(a.heads[userID])
		a.mu.Unlock()
		return out, nil
	}
	a.mu.Unlock()

	v, err, _ := a.loads.Do(userID, func() (any, error) {
		return a.load(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Message), nil
}

// load primes userID's cache. The map is installed before the store query so
// messages observed meanwhile are merged rather than lost.
func (a *ConversationAggregator) load(ctx context.Context, userID string) ([]models.Message, error) {
	a.mu.Lock()
	cache := a.heads[userID]
	if cache == nil {
		cache = make(map[string]models.Message)
		a.heads[userID] = cache
	}
	a.mu.Unlock()

	rows, err := a.store.RecentPerCounterpart(ctx, userID)
	// Checked before relocking: a later offline transition runs Forget,
	// which the nil check below observes.
	retain := a.registry == nil || a.registry.IsOnline(userID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		if a.heads[userID] != nil && !a.primed[userID] {
			delete(a.heads, userID)
		}
		return nil, storeError("load recent conversations", err)
	}
	current := a.heads[userID]
	if current == nil {
		// Forgotten while loading; answer from the rows without caching.
		current = make(map[string]models.Message)
		for _, msg := range rows {
			mergeHead(current, userID, msg)
		}
		return snapshotHeads(current), nil
	}
	for _, msg := range rows {
		mergeHead(current, userID, msg)
	}
	if !retain {
		delete(a.heads, userID)
		return snapshotHeads(current), nil
	}
	a.primed[userID] = true
	return snapshotHeads(current), nil
}

// Observe merges a newly persisted message into both participants' caches.
// Users without a cache are skipped; their next Recent loads from the store.
func (a *ConversationAggregator) Observe(msg models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, userID := range []string{msg.SenderID, msg.ReceiverID} {
		if cache := a.heads[userID]; cache != nil {
			mergeHead(cache, userID, msg)
		}
	}
}

// ObserveRead marks cached heads among ids from senderID to readerID read.
func (a *ConversationAggregator) ObserveRead(readerID, senderID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for userID, counterpart := range map[string]string{readerID: senderID, senderID: readerID} {
		cache := a.heads[userID]
		if cache == nil {
			continue
		}
		head, ok := cache[counterpart]
		if !ok || head.IsRead || head.SenderID != senderID || head.ReceiverID != readerID {
			continue
		}
		if _, match := wanted[head.ID]; match {
			head.IsRead = true
			cache[counterpart] = head
		}
	}
}

// Forget drops userID's cache.
func (a *ConversationAggregator) Forget(userID string) {
	a.mu.Lock()
	delete(a.heads, userID)
	delete(a.primed, userID)
	a.mu.Unlock()
}

// Cached reports whether userID's cache is primed.
func (a *ConversationAggregator) Cached(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.primed[userID]
}

// Summary describes msg's conversation from userID's point of view,
// including the counterpart's presence.
func (a *ConversationAggregator) Summary(ctx context.Context, userID string, msg models.Message) models.ConversationSummary {
	counterpart := msg.Counterpart(userID)
	summary := models.ConversationSummary{
		CounterpartID: counterpart,
		LastMessage:   msg,
		IsOwnMessage:  msg.SenderID == userID,
		Unread:        msg.ReceiverID == userID && !msg.IsRead,
		Presence:      models.PresenceOffline,
	}
	if a.registry != nil && a.registry.IsOnline(counterpart) {
		summary.Presence = models.PresenceOnline
		return summary
	}
	if a.lastSeen == nil {
		return summary
	}
	at, ok, err := a.lastSeen.LastSeen(ctx, counterpart)
	if err != nil {
		a.logger.Warn("last seen lookup failed", "user_id", counterpart, "error", err)
		summary.Presence = models.PresenceUnknown
		return summary
	}
	if ok {
		seen := at
		summary.LastSeen = &seen
	}
	return summary
}

func mergeHead(cache map[string]models.Message, userID string, msg models.Message) {
	counterpart := msg.Counterpart(userID)
	current, ok := cache[counterpart]
	switch {
	case !ok:
		cache[counterpart] = msg
	case current.ID == msg.ID:
		current.IsRead = current.IsRead || msg.IsRead
		cache[counterpart] = current
	case msg.NewerThan(current):
		cache[counterpart] = msg
	}
}

func snapshotHeads(cache map[string]models.Message) []models.Message {
	out := make([]models.Message, 0, len(cache))
	for _, msg := range cache {
		out = append(out, msg)
	}
	return out
}
