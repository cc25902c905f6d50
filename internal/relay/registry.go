package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultRegistryShards is the shard count used when none is configured.
const DefaultRegistryShards = 32

// PresenceObserver is told about every online/offline transition after the
// registry has released its locks.
type PresenceObserver func(userID string, online bool, at time.Time)

// Registry records which live connections belong to which user and emits
// presence transitions. Users are partitioned into shards by identity hash;
// transitions for one user are serialised by that user's shard lock.
type Registry struct {
	shards []*registryShard
	logger *slog.Logger
	now    func() time.Time

	// links serialises Associate and Disassociate per connection.
	// Lock order: links, shard, connMu.
	links  KeyedMutex
	connMu sync.RWMutex
	owners map[*Connection]string

	observerMu sync.RWMutex
	observers  []PresenceObserver
}

type registryShard struct {
	mu    sync.Mutex
	users map[string]map[*Connection]struct{}
}

// NewRegistry builds a registry with the given shard count.
func NewRegistry(shards int, logger *slog.Logger) *Registry {
	if shards <= 0 {
		shards = DefaultRegistryShards
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		shards: make([]*registryShard, shards),
		logger: logger,
		now:    time.Now,
		owners: make(map[*Connection]string),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{users: make(map[string]map[*Connection]struct{})}
	}
	return r
}

func (r *Registry) shardFor(userID string) *registryShard {
	return r.shards[xxhash.Sum64String(userID)%uint64(len(r.shards))]
}

// OnPresence registers an observer for presence transitions.
func (r *Registry) OnPresence(observer PresenceObserver) {
	if observer == nil {
		return
	}
	r.observerMu.Lock()
	r.observers = append(r.observers, observer)
	r.observerMu.Unlock()
}

func (r *Registry) notify(userID string, online bool, at time.Time) {
	r.observerMu.RLock()
	observers := append([]PresenceObserver(nil), r.observers...)
	r.observerMu.RUnlock()
	for _, observer := range observers {
		observer(userID, online, at)
	}
}

// Associate adds conn to userID's connection set. A connection already owned
// by another user is first disassociated from it. The first connection of a
// user announces them online to every other connection.
func (r *Registry) Associate(conn *Connection, userID string) {
	if conn == nil || userID == "" {
		return
	}
	unlock := r.links.Lock(conn.ID())
	defer unlock()

	r.connMu.RLock()
	current, owned := r.owners[conn]
	r.connMu.RUnlock()
	if owned {
		if current == userID {
			return
		}
		r.disassociate(conn)
	}

	shard := r.shardFor(userID)
	shard.mu.Lock()
	set := shard.users[userID]
	if set == nil {
		set = make(map[*Connection]struct{})
		shard.users[userID] = set
	}
	if _, exists := set[conn]; exists {
		shard.mu.Unlock()
		return
	}
	cameOnline := len(set) == 0
	set[conn] = struct{}{}
	r.connMu.Lock()
	r.owners[conn] = userID
	r.connMu.Unlock()
	conn.setUser(userID)

	at := r.now().UTC()
	if cameOnline {
		r.broadcastPresenceLocked(presenceEvent(userID, true, at), conn)
	}
	shard.mu.Unlock()

	r.logger.Debug("connection associated", "conn_id", conn.ID(), "user_id", userID)
	if cameOnline {
		r.notify(userID, true, at)
	}
}

// Disassociate removes conn from whichever user owns it. Removing a user's
// last connection deletes the entry and announces them offline.
func (r *Registry) Disassociate(conn *Connection) {
	if conn == nil {
		return
	}
	unlock := r.links.Lock(conn.ID())
	defer unlock()
	r.disassociate(conn)
}

func (r *Registry) disassociate(conn *Connection) {
	r.connMu.RLock()
	userID, owned := r.owners[conn]
	r.connMu.RUnlock()
	if !owned {
		return
	}

	shard := r.shardFor(userID)
	shard.mu.Lock()
	set := shard.users[userID]
	if _, exists := set[conn]; !exists {
		shard.mu.Unlock()
		return
	}
	delete(set, conn)
	r.connMu.Lock()
	delete(r.owners, conn)
	r.connMu.Unlock()

	wentOffline := len(set) == 0
	at := r.now().UTC()
	if wentOffline {
		delete(shard.users, userID)
		r.broadcastPresenceLocked(presenceEvent(userID, false, at), conn)
	}
	shard.mu.Unlock()

	r.logger.Debug("connection disassociated", "conn_id", conn.ID(), "user_id", userID)
	if wentOffline {
		r.notify(userID, false, at)
	}
}

// broadcastPresenceLocked delivers evt to every associated connection except
// origin. The caller holds the shard lock of the user in evt.
func (r *Registry) broadcastPresenceLocked(evt Event, origin *Connection) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("marshal presence event", "error", err)
		return
	}
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	for conn := range r.owners {
		if conn == origin {
			continue
		}
		conn.Deliver(payload)
	}
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	shard := r.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return len(shard.users[userID]) > 0
}

// ConnectionsFor returns a snapshot of userID's connections.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	shard := r.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	set := shard.users[userID]
	out := make([]*Connection, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// UserOf returns the user owning conn.
func (r *Registry) UserOf(conn *Connection) (string, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	userID, ok := r.owners[conn]
	return userID, ok
}

// OnlineUsers returns every user with a live connection, sorted.
func (r *Registry) OnlineUsers() []string {
	var users []string
	for _, shard := range r.shards {
		shard.mu.Lock()
		for userID := range shard.users {
			users = append(users, userID)
		}
		shard.mu.Unlock()
	}
	sort.Strings(users)
	return users
}

// ConnectionCount returns the number of associated connections.
func (r *Registry) ConnectionCount() int {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return len(r.owners)
}

// DeliverToUsers sends evt once to every connection of the given users and
// returns the number of connections reached. Connections shared between the
// listed users are only written once.
func (r *Registry) DeliverToUsers(evt Event, userIDs ...string) int {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("marshal relay event", "type", evt.Type, "error", err)
		return 0
	}
	seen := make(map[*Connection]struct{})
	delivered := 0
	for _, userID := range userIDs {
		for _, conn := range r.ConnectionsFor(userID) {
			if _, dup := seen[conn]; dup {
				continue
			}
			seen[conn] = struct{}{}
			if conn.Deliver(payload) {
				delivered++
			}
		}
	}
	return delivered
}

// CloseAll closes every associated connection. Transports observe Done and
// run their own teardown.
func (r *Registry) CloseAll() {
	r.connMu.RLock()
	conns := make([]*Connection, 0, len(r.owners))
	for conn := range r.owners {
		conns = append(conns, conn)
	}
	r.connMu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}
