package storage

import (
	"sort"

	"instarelay/internal/models"
)

// DefaultCommentLimit bounds the number of top-level comments in a canonical
// listing.
const DefaultCommentLimit = 100

// BuildThread turns the flat comment rows of one item into the canonical
// thread: top-level comments newest first, replies nested under their parent
// ordered by likes, and metrics computed over every row. Every backend builds
// its FetchCanonical result here so that listings are identical regardless of
// storage.
func BuildThread(item models.ContentItem, rows []models.Comment, limit int) models.CommentThread {
	if limit <= 0 {
		limit = DefaultCommentLimit
	}

	byID := make(map[string]models.Comment, len(rows))
	children := make(map[string][]string)
	var topLevel []string
	metrics := models.CommentMetrics{}

	for _, row := range rows {
		row.Item = item
		if row.LikedBy == nil {
			row.LikedBy = []string{}
		}
		row.LikeCount = len(row.LikedBy)
		row.Replies = nil
		byID[row.ID] = row
		metrics.TotalLikes += row.LikeCount
		if row.ParentID == "" {
			topLevel = append(topLevel, row.ID)
			continue
		}
		metrics.TotalReplies++
		children[row.ParentID] = append(children[row.ParentID], row.ID)
	}
	metrics.TotalComments = len(topLevel)

	sort.Slice(topLevel, func(i, j int) bool {
		a, b := byID[topLevel[i]], byID[topLevel[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	for parent := range children {
		ids := children[parent]
		sort.Slice(ids, func(i, j int) bool {
			a, b := byID[ids[i]], byID[ids[j]]
			if a.LikeCount != b.LikeCount {
				return a.LikeCount > b.LikeCount
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	}

	if len(topLevel) > limit {
		metrics.HasMore = true
		topLevel = topLevel[:limit]
	}

	var build func(id string) models.Comment
	build = func(id string) models.Comment {
		comment := byID[id]
		comment.Replies = make([]models.Comment, 0, len(children[id]))
		for _, child := range children[id] {
			comment.Replies = append(comment.Replies, build(child))
		}
		return comment
	}

	comments := make([]models.Comment, 0, len(topLevel))
	for _, id := range topLevel {
		comments = append(comments, build(id))
	}
	return models.CommentThread{Item: item, Comments: comments, Metrics: metrics}
}

// collectSubtree returns id and the ids of every descendant, given a
// parent → children index.
func collectSubtree(id string, children map[string][]string) []string {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		out = append(out, children[out[i]]...)
	}
	return out
}
