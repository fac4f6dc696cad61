package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/cursor"
	"github.com/lichen-social/lichen/internal/model"
	"github.com/lichen-social/lichen/internal/queue"
)

// Mocks implement the repository and cache interfaces with per-test
// function fields. Unset fields return zero values, so each test only
// defines the behavior it cares about.

type mockUserRepository struct {
	createFn           func(ctx context.Context, user *model.User) error
	getByIDFn          func(ctx context.Context, id int64) (*model.User, error)
	getByUsernameFn    func(ctx context.Context, username string) (*model.User, error)
	existsByUsernameFn func(ctx context.Context, username string) (bool, error)
	existsByEmailFn    func(ctx context.Context, email string) (bool, error)
	getSummariesFn     func(ctx context.Context, ids []int64) (map[int64]model.UserSummary, error)

	createCalls int
}

func (m *mockUserRepository) Create(ctx context.Context, user *model.User) error {
	m.createCalls++
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return &model.User{ID: id, Username: "user"}, nil
}

func (m *mockUserRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	if m.getByUsernameFn != nil {
		return m.getByUsernameFn(ctx, username)
	}
	return nil, model.ErrUserNotFound
}

func (m *mockUserRepository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	if m.existsByUsernameFn != nil {
		return m.existsByUsernameFn(ctx, username)
	}
	return false, nil
}

func (m *mockUserRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	if m.existsByEmailFn != nil {
		return m.existsByEmailFn(ctx, email)
	}
	return false, nil
}

func (m *mockUserRepository) GetSummaries(ctx context.Context, ids []int64) (map[int64]model.UserSummary, error) {
	if m.getSummariesFn != nil {
		return m.getSummariesFn(ctx, ids)
	}
	out := make(map[int64]model.UserSummary, len(ids))
	for _, id := range ids {
		out[id] = model.UserSummary{ID: id, Username: "user"}
	}
	return out, nil
}

func (m *mockUserRepository) IncrementFollowerCount(ctx context.Context, tx *sqlx.Tx, userID int64, delta int) error {
	return nil
}

func (m *mockUserRepository) IncrementFollowingCount(ctx context.Context, tx *sqlx.Tx, userID int64, delta int) error {
	return nil
}

type mockFollowRepository struct {
	createFn         func(ctx context.Context, tx *sqlx.Tx, followerID, followeeID int64) (bool, error)
	deleteFn         func(ctx context.Context, tx *sqlx.Tx, followerID, followeeID int64) error
	existsFn         func(ctx context.Context, followerID, followeeID int64) (bool, error)
	getFollowersFn   func(ctx context.Context, userID int64, cursor *time.Time, limit int) ([]model.UserSummary, *time.Time, error)
	getFollowingFn   func(ctx context.Context, userID int64, cursor *time.Time, limit int) ([]model.UserSummary, *time.Time, error)
	checkFollowsFn   func(ctx context.Context, followerID int64, followeeIDs []int64) (map[int64]bool, error)
	getFollowerIDsFn func(ctx context.Context, userID int64) ([]int64, error)
	getFolloweeIDsFn func(ctx context.Context, userID int64) ([]int64, error)
	countFollowersFn func(ctx context.Context, userID int64) (int64, error)
}

func (m *mockFollowRepository) Create(ctx context.Context, tx *sqlx.Tx, followerID, followeeID int64) (bool, error) {
	if m.createFn != nil {
		return m.createFn(ctx, tx, followerID, followeeID)
	}
	return true, nil
}

func (m *mockFollowRepository) Delete(ctx context.Context, tx *sqlx.Tx, followerID, followeeID int64) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, tx, followerID, followeeID)
	}
	return nil
}

func (m *mockFollowRepository) Exists(ctx context.Context, followerID, followeeID int64) (bool, error) {
	if m.existsFn != nil {
		return m.existsFn(ctx, followerID, followeeID)
	}
	return false, nil
}

func (m *mockFollowRepository) GetFollowers(ctx context.Context, userID int64, cursor *time.Time, limit int) ([]model.UserSummary, *time.Time, error) {
	if m.getFollowersFn != nil {
		return m.getFollowersFn(ctx, userID, cursor, limit)
	}
	return nil, nil, nil
}

func (m *mockFollowRepository) GetFollowing(ctx context.Context, userID int64, cursor *time.Time, limit int) ([]model.UserSummary, *time.Time, error) {
	if m.getFollowingFn != nil {
		return m.getFollowingFn(ctx, userID, cursor, limit)
	}
	return nil, nil, nil
}

func (m *mockFollowRepository) CheckFollows(ctx context.Context, followerID int64, followeeIDs []int64) (map[int64]bool, error) {
	if m.checkFollowsFn != nil {
		return m.checkFollowsFn(ctx, followerID, followeeIDs)
	}
	return map[int64]bool{}, nil
}

func (m *mockFollowRepository) GetFollowerIDs(ctx context.Context, userID int64) ([]int64, error) {
	if m.getFollowerIDsFn != nil {
		return m.getFollowerIDsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockFollowRepository) GetFolloweeIDs(ctx context.Context, userID int64) ([]int64, error) {
	if m.getFolloweeIDsFn != nil {
		return m.getFolloweeIDsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockFollowRepository) CountFollowers(ctx context.Context, userID int64) (int64, error) {
	if m.countFollowersFn != nil {
		return m.countFollowersFn(ctx, userID)
	}
	return 0, nil
}

type mockPostRepository struct {
	createFn           func(ctx context.Context, authorID int64, content string) (*model.Post, error)
	getByIDFn          func(ctx context.Context, postID int64) (*model.Post, error)
	getByIDsFn         func(ctx context.Context, postIDs []int64) ([]model.Post, error)
	deleteFn           func(ctx context.Context, postID, userID int64) error
	postsByAuthorFn    func(ctx context.Context, authorID int64, before *cursor.Cursor, limit int) ([]model.Post, error)
	entriesByAuthorFn  func(ctx context.Context, authorID int64, before *cursor.Cursor, since *time.Time, limit int) ([]cache.Entry, error)
	entriesByAuthorsFn func(ctx context.Context, authorIDs []int64, limit int) ([]cache.Entry, error)

	createCalls int
}

func (m *mockPostRepository) Create(ctx context.Context, authorID int64, content string) (*model.Post, error) {
	m.createCalls++
	if m.createFn != nil {
		return m.createFn(ctx, authorID, content)
	}
	return &model.Post{ID: 1, UserID: authorID, Content: content, CreatedAt: time.Now()}, nil
}

func (m *mockPostRepository) GetByID(ctx context.Context, postID int64) (*model.Post, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, postID)
	}
	return nil, model.ErrPostNotFound
}

func (m *mockPostRepository) GetByIDs(ctx context.Context, postIDs []int64) ([]model.Post, error) {
	if m.getByIDsFn != nil {
		return m.getByIDsFn(ctx, postIDs)
	}
	// Default: every reference hydrates to a live post
	posts := make([]model.Post, len(postIDs))
	for i, id := range postIDs {
		posts[i] = model.Post{ID: id, UserID: 1, Content: "post"}
	}
	return posts, nil
}

func (m *mockPostRepository) Delete(ctx context.Context, postID, userID int64) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, postID, userID)
	}
	return nil
}

func (m *mockPostRepository) GetAuthorID(ctx context.Context, postID int64) (int64, error) {
	return 0, model.ErrPostNotFound
}

func (m *mockPostRepository) PostsByAuthor(ctx context.Context, authorID int64, before *cursor.Cursor, limit int) ([]model.Post, error) {
	if m.postsByAuthorFn != nil {
		return m.postsByAuthorFn(ctx, authorID, before, limit)
	}
	return nil, nil
}

func (m *mockPostRepository) EntriesByAuthor(ctx context.Context, authorID int64, before *cursor.Cursor, since *time.Time, limit int) ([]cache.Entry, error) {
	if m.entriesByAuthorFn != nil {
		return m.entriesByAuthorFn(ctx, authorID, before, since, limit)
	}
	return nil, nil
}

func (m *mockPostRepository) EntriesByAuthors(ctx context.Context, authorIDs []int64, limit int) ([]cache.Entry, error) {
	if m.entriesByAuthorsFn != nil {
		return m.entriesByAuthorsFn(ctx, authorIDs, limit)
	}
	return nil, nil
}

type mockTimelineCache struct {
	pageFn              func(ctx context.Context, userID int64, before *cursor.Cursor, limit int) ([]cache.Entry, error)
	existsFn            func(ctx context.Context, userID int64) (bool, error)
	suppressedAuthorsFn func(ctx context.Context, userID int64) (map[int64]bool, error)
	filterCelebritiesFn func(ctx context.Context, authorIDs []int64) (map[int64]bool, error)

	added       []cache.Entry
	suppressed  []int64
	unsuppressd []int64
}

func (m *mockTimelineCache) AddEntry(ctx context.Context, userID int64, e cache.Entry) error {
	m.added = append(m.added, e)
	return nil
}

func (m *mockTimelineCache) AddEntries(ctx context.Context, userID int64, entries []cache.Entry) error {
	m.added = append(m.added, entries...)
	return nil
}

func (m *mockTimelineCache) RemovePost(ctx context.Context, userID int64, e cache.Entry) error {
	return nil
}

func (m *mockTimelineCache) RemoveAuthorEntries(ctx context.Context, userID, authorID int64) (int64, error) {
	return 0, nil
}

func (m *mockTimelineCache) Page(ctx context.Context, userID int64, before *cursor.Cursor, limit int) ([]cache.Entry, error) {
	if m.pageFn != nil {
		return m.pageFn(ctx, userID, before, limit)
	}
	return nil, nil
}

func (m *mockTimelineCache) Exists(ctx context.Context, userID int64) (bool, error) {
	if m.existsFn != nil {
		return m.existsFn(ctx, userID)
	}
	return true, nil
}

func (m *mockTimelineCache) Size(ctx context.Context, userID int64) (int64, error) {
	return 0, nil
}

func (m *mockTimelineCache) SuppressAuthor(ctx context.Context, userID, authorID int64) error {
	m.suppressed = append(m.suppressed, authorID)
	return nil
}

func (m *mockTimelineCache) UnsuppressAuthor(ctx context.Context, userID, authorID int64) error {
	m.unsuppressd = append(m.unsuppressd, authorID)
	return nil
}

func (m *mockTimelineCache) SuppressedAuthors(ctx context.Context, userID int64) (map[int64]bool, error) {
	if m.suppressedAuthorsFn != nil {
		return m.suppressedAuthorsFn(ctx, userID)
	}
	return map[int64]bool{}, nil
}

func (m *mockTimelineCache) MarkCelebrity(ctx context.Context, authorID int64) error {
	return nil
}

func (m *mockTimelineCache) UnmarkCelebrity(ctx context.Context, authorID int64) error {
	return nil
}

func (m *mockTimelineCache) FilterCelebrities(ctx context.Context, authorIDs []int64) (map[int64]bool, error) {
	if m.filterCelebritiesFn != nil {
		return m.filterCelebritiesFn(ctx, authorIDs)
	}
	out := make(map[int64]bool, len(authorIDs))
	for _, id := range authorIDs {
		out[id] = false
	}
	return out, nil
}

type mockPublisher struct {
	published []queue.FeedEvent
	publishFn func(ctx context.Context, stream string, event queue.FeedEvent) (string, error)
}

func (m *mockPublisher) Publish(ctx context.Context, stream string, event queue.FeedEvent) (string, error) {
	m.published = append(m.published, event)
	if m.publishFn != nil {
		return m.publishFn(ctx, stream, event)
	}
	return "1-0", nil
}
