package models

import (
	"fmt"
	"strings"
	"time"
)

// Message is a direct message between two users. It is immutable once
// persisted except for IsRead.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Body       string    `json:"body"`
	ReplyTo    string    `json:"replyTo,omitempty"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	MediaType  string    `json:"mediaType,omitempty"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Counterpart returns the other participant of the message from userID's
// point of view.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether userID sent or received the message.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// NewerThan orders messages by creation time, breaking exact ties with the
// higher identifier.
func (m Message) NewerThan(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.After(other.CreatedAt)
	}
	return m.ID > other.ID
}

// MessageDraft carries the fields a client supplies when sending a message.
type MessageDraft struct {
	SenderID   string
	ReceiverID string
	Body       string
	ReplyTo    string
	MediaURL   string
	MediaType  string
}

// ReadFilter restricts a read-state update to messages from SenderID
// addressed to ReceiverID.
type ReadFilter struct {
	SenderID   string
	ReceiverID string
}

// Presence describes the live state of a user.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceUnknown Presence = "unknown"
)

// ConversationSummary is one entry of a user's recent-conversation list.
type ConversationSummary struct {
	CounterpartID string     `json:"counterpartId"`
	LastMessage   Message    `json:"lastMessage"`
	IsOwnMessage  bool       `json:"isOwnMessage"`
	Unread        bool       `json:"unread"`
	Presence      Presence   `json:"presence"`
	LastSeen      *time.Time `json:"lastSeen,omitempty"`
}

// ContentKind names the kinds of content that carry comment threads.
type ContentKind string

const (
	ContentPost ContentKind = "post"
	ContentReel ContentKind = "reel"
)

// ParseContentKind validates a content kind supplied by a client.
func ParseContentKind(value string) (ContentKind, error) {
	switch ContentKind(strings.ToLower(strings.TrimSpace(value))) {
	case ContentPost:
		return ContentPost, nil
	case ContentReel, "reels":
		return ContentReel, nil
	default:
		return "", fmt.Errorf("unsupported content kind %q", value)
	}
}

// ContentItem identifies a post or reel.
type ContentItem struct {
	Kind ContentKind `json:"kind"`
	ID   string      `json:"id"`
}

// Valid reports whether the item has a known kind and an identifier.
func (c ContentItem) Valid() bool {
	return (c.Kind == ContentPost || c.Kind == ContentReel) && strings.TrimSpace(c.ID) != ""
}

func (c ContentItem) String() string {
	return string(c.Kind) + ":" + c.ID
}

// Comment is a comment or reply on a content item. Replies holds the nested
// thread when the comment is part of a canonical listing.
type Comment struct {
	ID        string      `json:"id"`
	Item      ContentItem `json:"item"`
	AuthorID  string      `json:"authorId"`
	Text      string      `json:"text"`
	ParentID  string      `json:"parentId,omitempty"`
	LikedBy   []string    `json:"likedBy"`
	LikeCount int         `json:"likeCount"`
	Edited    bool        `json:"edited"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Replies   []Comment   `json:"replies"`
}

// CommentMetrics aggregates engagement for a content item.
type CommentMetrics struct {
	TotalComments int  `json:"totalComments"`
	TotalReplies  int  `json:"totalReplies"`
	TotalLikes    int  `json:"totalLikes"`
	HasMore       bool `json:"hasMore"`
}

// CommentThread is the canonical, fully recomputed comment state of an item.
type CommentThread struct {
	Item     ContentItem    `json:"item"`
	Comments []Comment      `json:"comments"`
	Metrics  CommentMetrics `json:"metrics"`
	// Stale marks a thread whose recompute failed after a committed
	// mutation; it carries no comments and readers should refetch.
	Stale bool `json:"stale,omitempty"`
}

// MutationKind enumerates the comment mutations.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationEdit   MutationKind = "edit"
	MutationDelete MutationKind = "delete"
	MutationLike   MutationKind = "like"
	MutationUnlike MutationKind = "unlike"
)

// Valid reports whether the kind is a known mutation.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreate, MutationEdit, MutationDelete, MutationLike, MutationUnlike:
		return true
	}
	return false
}

// CommentMutation describes one change to a content item's comments.
// CommentID is required for every kind except create; ParentID is optional
// for create and marks the new comment as a reply.
type CommentMutation struct {
	Kind      MutationKind `json:"kind"`
	Item      ContentItem  `json:"item"`
	CommentID string       `json:"commentId,omitempty"`
	ParentID  string       `json:"parentId,omitempty"`
	ActorID   string       `json:"actorId"`
	Text      string       `json:"text,omitempty"`
}

// MutationResult reports the comment affected by a mutation. ParentAuthorID
// is set for replies. Changed is false when the mutation was a no-op, such
// as liking an already liked comment.
type MutationResult struct {
	Comment        Comment
	ParentAuthorID string
	Changed        bool
}

// NotificationType enumerates activity notifications.
type NotificationType string

const (
	NotificationLike    NotificationType = "like"
	NotificationFollow  NotificationType = "follow"
	NotificationComment NotificationType = "comment"
	NotificationReply   NotificationType = "reply"
	NotificationMention NotificationType = "mention"
)

// Valid reports whether the type is known.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationLike, NotificationFollow, NotificationComment, NotificationReply, NotificationMention:
		return true
	}
	return false
}

// Notification tells UserID that ActorID did something.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	ActorID   string           `json:"actorId"`
	Type      NotificationType `json:"type"`
	Item      *ContentItem     `json:"item,omitempty"`
	CommentID string           `json:"commentId,omitempty"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
}

// SelfInflicted reports whether the actor and recipient are the same user.
func (n Notification) SelfInflicted() bool {
	return n.UserID == n.ActorID
}
