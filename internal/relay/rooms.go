package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"instarelay/internal/models"
)

// RoomKey identifies a broadcast channel. It is either a conversation
// between two users or the comment room of a content item; the zero value is
// invalid.
type RoomKey struct {
	participants [2]string
	item         models.ContentItem
}

// ConversationRoom returns the room shared by a and b regardless of order.
func ConversationRoom(a, b string) RoomKey {
	if b < a {
		a, b = b, a
	}
	return RoomKey{participants: [2]string{a, b}}
}

// ContentRoom returns the comment room of item.
func ContentRoom(item models.ContentItem) RoomKey {
	return RoomKey{item: item}
}

// IsConversation reports whether the key names a conversation room.
func (k RoomKey) IsConversation() bool {
	return k.participants[0] != "" && k.participants[1] != ""
}

// Participants returns the sorted conversation participants.
func (k RoomKey) Participants() (string, string) {
	return k.participants[0], k.participants[1]
}

// Item returns the content item of a content room.
func (k RoomKey) Item() (models.ContentItem, bool) {
	return k.item, k.item.Valid()
}

// Valid reports whether the key names exactly one kind of room.
func (k RoomKey) Valid() bool {
	return k.IsConversation() != k.item.Valid()
}

func (k RoomKey) String() string {
	if k.IsConversation() {
		return "conversation:" + k.participants[0] + ":" + k.participants[1]
	}
	if k.item.Valid() {
		return string(k.item.Kind) + ":" + k.item.ID
	}
	return ""
}

// RoomRef is the wire form of a room in inbound commands. Conversation rooms
// name the peer; the caller is the other participant.
type RoomRef struct {
	Kind   string `json:"kind"`
	ID     string `json:"id,omitempty"`
	PeerID string `json:"peerId,omitempty"`
}

// Resolve turns ref into a key from selfID's point of view.
func (ref RoomRef) Resolve(selfID string) (RoomKey, error) {
	kind := strings.ToLower(strings.TrimSpace(ref.Kind))
	if kind == "conversation" {
		peer := strings.TrimSpace(ref.PeerID)
		if peer == "" || selfID == "" || peer == selfID {
			return RoomKey{}, invalid("room.peerId", "a conversation needs another participant")
		}
		return ConversationRoom(selfID, peer), nil
	}
	contentKind, err := models.ParseContentKind(kind)
	if err != nil {
		return RoomKey{}, invalid("room.kind", err.Error())
	}
	item := models.ContentItem{Kind: contentKind, ID: strings.TrimSpace(ref.ID)}
	if !item.Valid() {
		return RoomKey{}, invalid("room.id", "content id is required")
	}
	return ContentRoom(item), nil
}

// RoomManager tracks which connections subscribe to which rooms. The manager
// lock guards the room index; each room has its own lock, held while a
// broadcast is written so every member sees one room's events in issue
// order. Lock order: manager, then room.
type RoomManager struct {
	logger *slog.Logger

	mu          sync.Mutex
	rooms       map[RoomKey]*room
	memberships map[*Connection]map[RoomKey]struct{}
}

type room struct {
	mu      sync.Mutex
	members map[*Connection]struct{}
}

// NewRoomManager builds an empty manager.
func NewRoomManager(logger *slog.Logger) *RoomManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomManager{
		logger:      logger,
		rooms:       make(map[RoomKey]*room),
		memberships: make(map[*Connection]map[RoomKey]struct{}),
	}
}

// Join subscribes conn to key. It reports false when conn was already a
// member or the key is invalid.
func (m *RoomManager) Join(conn *Connection, key RoomKey) bool {
	if conn == nil || !key.Valid() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[key]
	if r == nil {
		r = &room{members: make(map[*Connection]struct{})}
		m.rooms[key] = r
	}
	r.mu.Lock()
	_, exists := r.members[conn]
	r.members[conn] = struct{}{}
	r.mu.Unlock()
	if exists {
		return false
	}
	joined := m.memberships[conn]
	if joined == nil {
		joined = make(map[RoomKey]struct{})
		m.memberships[conn] = joined
	}
	joined[key] = struct{}{}
	return true
}

// Leave unsubscribes conn from key; it reports whether conn was a member.
func (m *RoomManager) Leave(conn *Connection, key RoomKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(conn, key)
}

func (m *RoomManager) leaveLocked(conn *Connection, key RoomKey) bool {
	r := m.rooms[key]
	if r == nil {
		return false
	}
	r.mu.Lock()
	_, exists := r.members[conn]
	delete(r.members, conn)
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		delete(m.rooms, key)
	}
	if joined := m.memberships[conn]; joined != nil {
		delete(joined, key)
		if len(joined) == 0 {
			delete(m.memberships, conn)
		}
	}
	return exists
}

// LeaveAll removes conn from every room and returns the rooms it left.
func (m *RoomManager) LeaveAll(conn *Connection) []RoomKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	joined := m.memberships[conn]
	left := make([]RoomKey, 0, len(joined))
	for key := range joined {
		left = append(left, key)
	}
	for _, key := range left {
		m.leaveLocked(conn, key)
	}
	return left
}

// IsMember reports whether conn has joined key.
func (m *RoomManager) IsMember(conn *Connection, key RoomKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.memberships[conn][key]
	return ok
}

// Members returns a snapshot of key's members.
func (m *RoomManager) Members(key RoomKey) []*Connection {
	m.mu.Lock()
	r := m.rooms[key]
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.members))
	for conn := range r.members {
		out = append(out, conn)
	}
	return out
}

// Rooms returns the keys conn has joined, sorted by name.
func (m *RoomManager) Rooms(conn *Connection) []RoomKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoomKey, 0, len(m.memberships[conn]))
	for key := range m.memberships[conn] {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of non-empty rooms.
func (m *RoomManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Broadcast delivers evt to every member of key except excluding and
// returns the number of members reached.
func (m *RoomManager) Broadcast(key RoomKey, evt Event, excluding *Connection) int {
	m.mu.Lock()
	r := m.rooms[key]
	m.mu.Unlock()
	if r == nil {
		return 0
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		m.logger.Error("marshal room event", "room", key.String(), "type", evt.Type, "error", err)
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delivered := 0
	for conn := range r.members {
		if conn == excluding {
			continue
		}
		if conn.Deliver(payload) {
			delivered++
		}
	}
	return delivered
}
