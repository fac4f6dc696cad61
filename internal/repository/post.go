package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/cursor"
	"github.com/lichen-social/lichen/internal/model"
)

type postRepository struct {
	db *sqlx.DB
}

func NewPostRepository(db *sqlx.DB) PostRepository {
	return &postRepository{db: db}
}

// Create inserts a post and bumps the author's post count in one
// transaction. The server assigns the id and created_at, so id order matches
// insertion order per author.
func (r *postRepository) Create(ctx context.Context, authorID int64, content string) (*model.Post, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var post model.Post
	query := `
		INSERT INTO posts (user_id, content)
		VALUES ($1, $2)
		RETURNING id, user_id, content, created_at
	`
	err = tx.GetContext(ctx, &post, query, authorID, content)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("insert post: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE users SET post_count = post_count + 1 WHERE id = $1`, authorID)
	if err != nil {
		return nil, fmt.Errorf("increment post count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &post, nil
}

func (r *postRepository) GetByID(ctx context.Context, postID int64) (*model.Post, error) {
	query := `
		SELECT id, user_id, content, created_at
		FROM posts
		WHERE id = $1 AND deleted_at IS NULL
	`
	var post model.Post
	err := r.db.GetContext(ctx, &post, query, postID)
	if err == sql.ErrNoRows {
		return nil, model.ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}

	return &post, nil
}

// GetByIDs hydrates posts for a page of timeline references, preserving the
// input order. The users join drops posts whose author row is gone (store
// invariant violation: logged and excluded rather than failing the read).
// Deleted posts are likewise excluded, which is what makes stale timeline
// references harmless.
func (r *postRepository) GetByIDs(ctx context.Context, postIDs []int64) ([]model.Post, error) {
	if len(postIDs) == 0 {
		return []model.Post{}, nil
	}

	query := `
		SELECT p.id, p.user_id, p.content, p.created_at
		FROM posts p
		JOIN users u ON u.id = p.user_id
		WHERE p.id = ANY($1) AND p.deleted_at IS NULL
	`
	var posts []model.Post
	err := r.db.SelectContext(ctx, &posts, query, pq.Array(postIDs))
	if err != nil {
		return nil, fmt.Errorf("get posts by ids: %w", err)
	}

	postsMap := make(map[int64]model.Post, len(posts))
	for _, p := range posts {
		postsMap[p.ID] = p
	}
	ordered := make([]model.Post, 0, len(postIDs))
	for _, id := range postIDs {
		if p, ok := postsMap[id]; ok {
			ordered = append(ordered, p)
		}
	}

	if dropped := len(postIDs) - len(ordered); dropped > 0 {
		log.Printf("[PostRepo] GetByIDs: dropped %d deleted/orphaned of %d requested", dropped, len(postIDs))
	}

	return ordered, nil
}

// Delete performs a soft delete, verifying ownership.
func (r *postRepository) Delete(ctx context.Context, postID, userID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE posts SET deleted_at = NOW()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, postID, userID)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish wrong owner from missing post
		var exists bool
		r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM posts WHERE id = $1 AND deleted_at IS NULL)`, postID)
		if exists {
			return model.ErrNotPostOwner
		}
		return model.ErrPostNotFound
	}

	_, err = tx.ExecContext(ctx, `UPDATE users SET post_count = post_count - 1 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("decrement post count: %w", err)
	}

	return tx.Commit()
}

func (r *postRepository) GetAuthorID(ctx context.Context, postID int64) (int64, error) {
	var authorID int64
	err := r.db.GetContext(ctx, &authorID, `SELECT user_id FROM posts WHERE id = $1`, postID)
	if err == sql.ErrNoRows {
		return 0, model.ErrPostNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get author id: %w", err)
	}
	return authorID, nil
}

// postOrderKey is the pagination key: epoch seconds floored to match the
// cursor encoding and the timeline ZSET scores. Comparing full-precision
// created_at against a second-resolution cursor would skip rows whose
// sub-second fraction sorts before the page boundary, so ordering,
// comparison and cursor all use this same truncated key.
const postOrderKey = "FLOOR(EXTRACT(EPOCH FROM created_at))::bigint"

// PostsByAuthor pages one author's stream with keyset pagination on the
// (epoch second, id) key. Items strictly older than the cursor are never
// duplicated or skipped even when newer posts land between pages.
func (r *postRepository) PostsByAuthor(ctx context.Context, authorID int64, before *cursor.Cursor, limit int) ([]model.Post, error) {
	var query string
	var args []interface{}

	if before == nil {
		query = `
			SELECT id, user_id, content, created_at
			FROM posts
			WHERE user_id = $1 AND deleted_at IS NULL
			ORDER BY ` + postOrderKey + ` DESC, id DESC
			LIMIT $2
		`
		args = []interface{}{authorID, limit}
	} else {
		query = `
			SELECT id, user_id, content, created_at
			FROM posts
			WHERE user_id = $1 AND deleted_at IS NULL
			  AND (` + postOrderKey + `, id) < ($2, $3)
			ORDER BY ` + postOrderKey + ` DESC, id DESC
			LIMIT $4
		`
		args = []interface{}{authorID, before.Timestamp, before.ID, limit}
	}

	var posts []model.Post
	err := r.db.SelectContext(ctx, &posts, query, args...)
	if err != nil {
		return nil, fmt.Errorf("posts by author: %w", err)
	}
	return posts, nil
}

type entryRow struct {
	ID        int64 `db:"id"`
	UserID    int64 `db:"user_id"`
	Timestamp int64 `db:"ts"`
}

func entriesFromRows(rows []entryRow) []cache.Entry {
	entries := make([]cache.Entry, len(rows))
	for i, row := range rows {
		entries[i] = cache.Entry{PostID: row.ID, AuthorID: row.UserID, Timestamp: row.Timestamp}
	}
	return entries
}

// EntriesByAuthor returns timeline references for one author, newest first.
// Used as the pull stream in the hybrid merge and as the backfill source on
// new follows (with since bounding the window). Scores are floored to whole
// seconds, the same transformation Time.Unix applies on the fan-out path, so
// a post enters the ZSET with one score regardless of which path wrote it.
func (r *postRepository) EntriesByAuthor(ctx context.Context, authorID int64, before *cursor.Cursor, since *time.Time, limit int) ([]cache.Entry, error) {
	query := `
		SELECT id, user_id, ` + postOrderKey + ` AS ts
		FROM posts
		WHERE user_id = $1 AND deleted_at IS NULL
	`
	args := []interface{}{authorID}

	if before != nil {
		query += fmt.Sprintf(" AND (%s, id) < ($%d, $%d)", postOrderKey, len(args)+1, len(args)+2)
		args = append(args, before.Timestamp, before.ID)
	}
	if since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", len(args)+1)
		args = append(args, since.UTC())
	}

	query += fmt.Sprintf(" ORDER BY %s DESC, id DESC LIMIT $%d", postOrderKey, len(args)+1)
	args = append(args, limit)

	var rows []entryRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("entries by author: %w", err)
	}
	return entriesFromRows(rows), nil
}

// EntriesByAuthors bulk-loads the newest entries across a followee set, for
// warming a cold timeline.
func (r *postRepository) EntriesByAuthors(ctx context.Context, authorIDs []int64, limit int) ([]cache.Entry, error) {
	if len(authorIDs) == 0 {
		return []cache.Entry{}, nil
	}

	query := `
		SELECT id, user_id, ` + postOrderKey + ` AS ts
		FROM posts
		WHERE user_id = ANY($1) AND deleted_at IS NULL
		ORDER BY ` + postOrderKey + ` DESC, id DESC
		LIMIT $2
	`
	var rows []entryRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(authorIDs), limit); err != nil {
		return nil, fmt.Errorf("entries by authors: %w", err)
	}
	return entriesFromRows(rows), nil
}
