package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"instarelay/internal/models"
)

// RepositoryFactory constructs a repository for cross-backend scenarios.
type RepositoryFactory func(t *testing.T, opts ...Option) Repository

// steppingClock advances by one millisecond on every call so rows created in
// sequence get strictly increasing timestamps.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func openRepository(t *testing.T, factory RepositoryFactory) Repository {
	t.Helper()
	clock := newSteppingClock()
	repo := factory(t, WithClock(clock.Now))
	require.NotNil(t, repo)
	t.Cleanup(func() { _ = repo.Close(context.Background()) })
	return repo
}

func send(t *testing.T, repo Repository, from, to, body string) models.Message {
	t.Helper()
	msg, err := repo.PersistMessage(context.Background(), models.MessageDraft{SenderID: from, ReceiverID: to, Body: body})
	require.NoError(t, err)
	return msg
}

func runRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	t.Run("PersistMessageAssignsIdentity", func(t *testing.T) {
		repo := openRepository(t, factory)
		msg := send(t, repo, "alice", "bob", "hi")
		require.NotEmpty(t, msg.ID)
		require.False(t, msg.CreatedAt.IsZero())
		require.False(t, msg.IsRead)

		_, err := repo.PersistMessage(context.Background(), models.MessageDraft{SenderID: "alice"})
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("MarkReadRespectsFilter", func(t *testing.T) {
		repo := openRepository(t, factory)
		ctx := context.Background()
		first := send(t, repo, "alice", "bob", "one")
		second := send(t, repo, "alice", "bob", "two")
		reverse := send(t, repo, "bob", "alice", "three")

		n, err := repo.MarkRead(ctx, []string{first.ID, second.ID, reverse.ID, "missing"}, models.ReadFilter{SenderID: "alice", ReceiverID: "bob"})
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = repo.MarkRead(ctx, []string{first.ID}, models.ReadFilter{SenderID: "alice", ReceiverID: "bob"})
		require.NoError(t, err)
		require.Zero(t, n, "already read messages must not count")

		summary, err := repo.UnreadSummary(ctx, "alice", "bob")
		require.NoError(t, err)
		require.Equal(t, 1, summary.Count)
		require.NotNil(t, summary.Latest)
		require.Equal(t, reverse.ID, summary.Latest.ID)

		n, err = repo.MarkRead(ctx, nil, models.ReadFilter{SenderID: "alice", ReceiverID: "bob"})
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("RecentPerCounterpartReturnsNewestHead", func(t *testing.T) {
		repo := openRepository(t, factory)
		send(t, repo, "alice", "bob", "old")
		carol := send(t, repo, "carol", "alice", "hey")
		bob := send(t, repo, "bob", "alice", "newest")
		send(t, repo, "bob", "carol", "unrelated")

		heads, err := repo.RecentPerCounterpart(context.Background(), "alice")
		require.NoError(t, err)
		require.Len(t, heads, 2)
		require.Equal(t, bob.ID, heads[0].ID)
		require.Equal(t, carol.ID, heads[1].ID)
	})

	t.Run("HistoryPagesNewestWindowOldestFirst", func(t *testing.T) {
		repo := openRepository(t, factory)
		var sent []models.Message
		for i := 0; i < 8; i++ {
			if i%2 == 0 {
				sent = append(sent, send(t, repo, "alice", "bob", "a"))
			} else {
				sent = append(sent, send(t, repo, "bob", "alice", "b"))
			}
		}
		send(t, repo, "alice", "carol", "other thread")

		page, err := repo.History(context.Background(), "alice", "bob", 0, 0)
		require.NoError(t, err)
		require.Len(t, page, DefaultHistoryLimit)
		require.Equal(t, sent[2].ID, page[0].ID)
		require.Equal(t, sent[7].ID, page[len(page)-1].ID)

		older, err := repo.History(context.Background(), "bob", "alice", 6, 6)
		require.NoError(t, err)
		require.Len(t, older, 2)
		require.Equal(t, sent[0].ID, older[0].ID)
		require.Equal(t, sent[1].ID, older[1].ID)

		empty, err := repo.History(context.Background(), "alice", "bob", 6, 50)
		require.NoError(t, err)
		require.Empty(t, empty)
	})

	t.Run("CommentLifecycle", func(t *testing.T) {
		repo := openRepository(t, factory)
		ctx := context.Background()
		item := models.ContentItem{Kind: models.ContentPost, ID: "p1"}

		root, err := repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationCreate, Item: item, ActorID: "alice", Text: "first"})
		require.NoError(t, err)
		require.True(t, root.Changed)
		require.Empty(t, root.ParentAuthorID)

		reply, err := repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationCreate, Item: item, ActorID: "bob", ParentID: root.Comment.ID, Text: "reply"})
		require.NoError(t, err)
		require.Equal(t, "alice", reply.ParentAuthorID)

		liked, err := repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationLike, Item: item, ActorID: "carol", CommentID: reply.Comment.ID})
		require.NoError(t, err)
		require.True(t, liked.Changed)
		require.Equal(t, "bob", liked.Comment.AuthorID)

		again, err := repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationLike, Item: item, ActorID: "carol", CommentID: reply.Comment.ID})
		require.NoError(t, err)
		require.False(t, again.Changed)

		_, err = repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationEdit, Item: item, ActorID: "bob", CommentID: root.Comment.ID, Text: "hijack"})
		require.ErrorIs(t, err, ErrForbidden)

		edited, err := repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationEdit, Item: item, ActorID: "alice", CommentID: root.Comment.ID, Text: "first!"})
		require.NoError(t, err)
		require.True(t, edited.Comment.Edited)

		_, err = repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationLike, Item: item, ActorID: "carol", CommentID: "missing"})
		require.ErrorIs(t, err, ErrNotFound)

		thread, err := repo.FetchCanonical(ctx, item, DefaultCommentLimit)
		require.NoError(t, err)
		require.Len(t, thread.Comments, 1)
		require.Equal(t, "first!", thread.Comments[0].Text)
		require.Len(t, thread.Comments[0].Replies, 1)
		require.Equal(t, 1, thread.Comments[0].Replies[0].LikeCount)
		require.Equal(t, models.CommentMetrics{TotalComments: 1, TotalReplies: 1, TotalLikes: 1}, thread.Metrics)

		_, err = repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationDelete, Item: item, ActorID: "alice", CommentID: root.Comment.ID})
		require.NoError(t, err)
		thread, err = repo.FetchCanonical(ctx, item, DefaultCommentLimit)
		require.NoError(t, err)
		require.Empty(t, thread.Comments)
		require.Equal(t, models.CommentMetrics{}, thread.Metrics)
	})

	t.Run("CommentsAreScopedToItem", func(t *testing.T) {
		repo := openRepository(t, factory)
		ctx := context.Background()
		post := models.ContentItem{Kind: models.ContentPost, ID: "shared"}
		reel := models.ContentItem{Kind: models.ContentReel, ID: "shared"}

		created, err := repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationCreate, Item: post, ActorID: "alice", Text: "post comment"})
		require.NoError(t, err)

		_, err = repo.ApplyMutation(ctx, models.CommentMutation{Kind: models.MutationLike, Item: reel, ActorID: "bob", CommentID: created.Comment.ID})
		require.ErrorIs(t, err, ErrNotFound)

		thread, err := repo.FetchCanonical(ctx, reel, 0)
		require.NoError(t, err)
		require.Empty(t, thread.Comments)
	})

	t.Run("NotificationsNewestFirst", func(t *testing.T) {
		repo := openRepository(t, factory)
		ctx := context.Background()
		item := models.ContentItem{Kind: models.ContentReel, ID: "r1"}
		first, err := repo.SaveNotification(ctx, models.Notification{UserID: "alice", ActorID: "bob", Type: models.NotificationLike, Item: &item})
		require.NoError(t, err)
		second, err := repo.SaveNotification(ctx, models.Notification{UserID: "alice", ActorID: "carol", Type: models.NotificationFollow})
		require.NoError(t, err)

		list, err := repo.ListNotifications(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, second.ID, list[0].ID)
		require.Equal(t, first.ID, list[1].ID)
		require.NotNil(t, list[1].Item)
		require.Equal(t, item, *list[1].Item)

		_, err = repo.SaveNotification(ctx, models.Notification{UserID: "alice", Type: "poke"})
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("CloseRejectsFurtherCalls", func(t *testing.T) {
		repo := openRepository(t, factory)
		require.NoError(t, repo.Ping(context.Background()))
		require.NoError(t, repo.Close(context.Background()))
		_, err := repo.PersistMessage(context.Background(), models.MessageDraft{SenderID: "a", ReceiverID: "b", Body: "x"})
		require.Error(t, err)
		if _, ok := repo.(*MemoryRepository); ok {
			require.True(t, errors.Is(err, ErrClosed))
		}
	})
}
