package model

import (
	"errors"
	"time"
)

// Post represents a single short post.
//
// Posts are immutable after creation except for deletion (soft delete via
// deleted_at). The ordering key everywhere in the feed path is
// (created_at DESC, id DESC) so that timestamp ties still have a total order.
type Post struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	Content   string     `db:"content" json:"content"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`

	// Joined field, not in the posts table
	Author *UserSummary `json:"author,omitempty"`
}

// FeedPost is an enriched post for feed display.
type FeedPost struct {
	Post
	Author UserSummary `json:"author"`
}

// FeedResponse is the paginated feed response.
type FeedResponse struct {
	Posts      []FeedPost `json:"posts"`
	NextCursor *string    `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
}

// PostListResponse is the paginated author-stream response (profile view).
type PostListResponse struct {
	Posts      []Post  `json:"posts"`
	NextCursor *string `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

// CreatePostRequest is the request body for creating a post.
type CreatePostRequest struct {
	Content string `json:"content"`
}

// MaxPostContentLength bounds post content, measured in runes.
const MaxPostContentLength = 280

// Post errors
var (
	ErrPostNotFound   = errors.New("post not found")
	ErrNotPostOwner   = errors.New("not the owner of this post")
	ErrEmptyContent   = errors.New("post content is required")
	ErrContentTooLong = errors.New("post content too long")
	ErrInvalidCursor  = errors.New("invalid cursor")
)
