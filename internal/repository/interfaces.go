package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/cursor"
	"github.com/lichen-social/lichen/internal/model"
)

type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	// GetSummaries batch-loads user summaries by id; missing ids are simply
	// absent from the result map.
	GetSummaries(ctx context.Context, ids []int64) (map[int64]model.UserSummary, error)
	IncrementFollowerCount(ctx context.Context, tx *sqlx.Tx, userID int64, delta int) error
	IncrementFollowingCount(ctx context.Context, tx *sqlx.Tx, userID int64, delta int) error
}

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *model.RefreshToken) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	Revoke(ctx context.Context, id string, replacedBy *string) error
	RevokeAllForUser(ctx context.Context, userID int64) error
	DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error)
}

// FollowRepository is the follow-graph store adapter. It owns the follows
// relation and nothing else; timeline propagation is the fan-out worker's
// job, driven by events published after the graph mutation commits.
type FollowRepository interface {
	// Create inserts an edge. Returns false (and no error) when the edge
	// already exists, so retried writes are idempotent.
	Create(ctx context.Context, tx *sqlx.Tx, followerID, followeeID int64) (bool, error)
	// Delete removes an edge; model.ErrNotFollowing when absent.
	Delete(ctx context.Context, tx *sqlx.Tx, followerID, followeeID int64) error
	Exists(ctx context.Context, followerID, followeeID int64) (bool, error)
	GetFollowers(ctx context.Context, userID int64, cursor *time.Time, limit int) ([]model.UserSummary, *time.Time, error)
	GetFollowing(ctx context.Context, userID int64, cursor *time.Time, limit int) ([]model.UserSummary, *time.Time, error)
	CheckFollows(ctx context.Context, followerID int64, followeeIDs []int64) (map[int64]bool, error)
	GetFollowerIDs(ctx context.Context, userID int64) ([]int64, error)
	GetFolloweeIDs(ctx context.Context, userID int64) ([]int64, error)
	// CountFollowers backs the fan-out threshold decision.
	CountFollowers(ctx context.Context, userID int64) (int64, error)
}

// PostRepository is the post store adapter: per-author streams ordered by
// (created_at DESC, id DESC) with keyset pagination.
type PostRepository interface {
	Create(ctx context.Context, authorID int64, content string) (*model.Post, error)
	GetByID(ctx context.Context, postID int64) (*model.Post, error)
	// GetByIDs hydrates posts preserving input order. Deleted posts and
	// posts whose author row is gone are silently excluded.
	GetByIDs(ctx context.Context, postIDs []int64) ([]model.Post, error)
	Delete(ctx context.Context, postID, userID int64) error
	GetAuthorID(ctx context.Context, postID int64) (int64, error)
	// PostsByAuthor pages one author's stream, newest first, strictly older
	// than before when set.
	PostsByAuthor(ctx context.Context, authorID int64, before *cursor.Cursor, limit int) ([]model.Post, error)
	// EntriesByAuthor is the reference-only variant used by the pull-merge
	// path and by fan-out backfill. since, when non-nil, bounds how far back
	// entries are taken.
	EntriesByAuthor(ctx context.Context, authorID int64, before *cursor.Cursor, since *time.Time, limit int) ([]cache.Entry, error)
	// EntriesByAuthors bulk-loads the newest entries across a set of
	// authors, for timeline warming.
	EntriesByAuthors(ctx context.Context, authorIDs []int64, limit int) ([]cache.Entry, error)
}
