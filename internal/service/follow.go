package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/model"
	"github.com/lichen-social/lichen/internal/queue"
	"github.com/lichen-social/lichen/internal/repository"
)

type FollowService struct {
	db         *sqlx.DB
	followRepo repository.FollowRepository
	userRepo   repository.UserRepository
	timelines  cache.TimelineCache
	publisher  queue.Publisher

	listDefaultLimit int
	listMaxLimit     int
}

func NewFollowService(
	db *sqlx.DB,
	followRepo repository.FollowRepository,
	userRepo repository.UserRepository,
	timelines cache.TimelineCache,
	publisher queue.Publisher,
	defaultLimit, maxLimit int,
) *FollowService {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	if maxLimit <= 0 {
		maxLimit = 50
	}
	return &FollowService{
		db:               db,
		followRepo:       followRepo,
		userRepo:         userRepo,
		timelines:        timelines,
		publisher:        publisher,
		listDefaultLimit: defaultLimit,
		listMaxLimit:     maxLimit,
	}
}

// Follow creates a follow edge from followerID to followeeID. The edge and
// both counters commit in one transaction; timeline backfill happens async
// via the published event. The suppression tombstone is cleared
// synchronously so a refollow immediately stops hiding the followee.
func (s *FollowService) Follow(ctx context.Context, followerID, followeeID int64) error {
	if followerID == followeeID {
		return model.ErrCannotFollowSelf
	}

	if _, err := s.userRepo.GetByID(ctx, followeeID); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.followRepo.Create(ctx, tx, followerID, followeeID)
	if err != nil {
		return err
	}
	if !inserted {
		return model.ErrAlreadyFollowing
	}

	if err := s.userRepo.IncrementFollowerCount(ctx, tx, followeeID, 1); err != nil {
		return err
	}
	if err := s.userRepo.IncrementFollowingCount(ctx, tx, followerID, 1); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if err := s.timelines.UnsuppressAuthor(ctx, followerID, followeeID); err != nil {
		log.Printf("[FollowService] Unsuppress FAILED: follower=%d followee=%d err=%v", followerID, followeeID, err)
	}

	event := queue.NewUserFollowedEvent(followerID, followeeID)
	if _, err := s.publisher.Publish(ctx, queue.StreamTimeline, event); err != nil {
		log.Printf("[FollowService] Failed to publish UserFollowed event: follower=%d followee=%d err=%v", followerID, followeeID, err)
	}

	return nil
}

// Unfollow removes the edge and synchronously writes a suppression
// tombstone so the next feed read already excludes the ex-followee.
// Physical removal of cached entries is the worker's job.
func (s *FollowService) Unfollow(ctx context.Context, followerID, followeeID int64) error {
	if followerID == followeeID {
		// A self-edge can never exist, so this is just an edge that isn't there
		return model.ErrNotFollowing
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.followRepo.Delete(ctx, tx, followerID, followeeID); err != nil {
		return err
	}

	if err := s.userRepo.IncrementFollowerCount(ctx, tx, followeeID, -1); err != nil {
		return err
	}
	if err := s.userRepo.IncrementFollowingCount(ctx, tx, followerID, -1); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if err := s.timelines.SuppressAuthor(ctx, followerID, followeeID); err != nil {
		log.Printf("[FollowService] Suppress FAILED: follower=%d followee=%d err=%v", followerID, followeeID, err)
	}

	event := queue.NewUserUnfollowedEvent(followerID, followeeID)
	if _, err := s.publisher.Publish(ctx, queue.StreamTimeline, event); err != nil {
		log.Printf("[FollowService] Failed to publish UserUnfollowed event: follower=%d followee=%d err=%v", followerID, followeeID, err)
	}

	return nil
}

// GetFollowers pages the users following userID, newest edge first. When
// viewerID is non-zero, each row carries whether the viewer follows them.
func (s *FollowService) GetFollowers(ctx context.Context, userID, viewerID int64, cursorStr *string, limit int) (*model.FollowListResponse, error) {
	return s.pageList(ctx, viewerID, cursorStr, limit, func(ctx context.Context, before *time.Time, limit int) ([]model.UserSummary, *time.Time, error) {
		return s.followRepo.GetFollowers(ctx, userID, before, limit)
	})
}

// GetFollowing pages the users that userID follows.
func (s *FollowService) GetFollowing(ctx context.Context, userID, viewerID int64, cursorStr *string, limit int) (*model.FollowListResponse, error) {
	return s.pageList(ctx, viewerID, cursorStr, limit, func(ctx context.Context, before *time.Time, limit int) ([]model.UserSummary, *time.Time, error) {
		return s.followRepo.GetFollowing(ctx, userID, before, limit)
	})
}

func (s *FollowService) pageList(
	ctx context.Context,
	viewerID int64,
	cursorStr *string,
	limit int,
	page func(ctx context.Context, before *time.Time, limit int) ([]model.UserSummary, *time.Time, error),
) (*model.FollowListResponse, error) {
	if limit <= 0 {
		limit = s.listDefaultLimit
	}
	if limit > s.listMaxLimit {
		limit = s.listMaxLimit
	}

	var before *time.Time
	if cursorStr != nil {
		t, err := time.Parse(time.RFC3339Nano, *cursorStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidCursor, err)
		}
		before = &t
	}

	users, next, err := page(ctx, before, limit)
	if err != nil {
		return nil, err
	}

	if viewerID != 0 && len(users) > 0 {
		if err := s.enrichWithFollowStatus(ctx, viewerID, users); err != nil {
			log.Printf("[FollowService] Follow status enrichment FAILED: viewer=%d err=%v", viewerID, err)
		}
	}

	var nextCursor *string
	if next != nil {
		c := next.UTC().Format(time.RFC3339Nano)
		nextCursor = &c
	}
	if users == nil {
		users = []model.UserSummary{}
	}

	return &model.FollowListResponse{
		Users:      users,
		NextCursor: nextCursor,
		HasMore:    next != nil,
	}, nil
}

func (s *FollowService) enrichWithFollowStatus(ctx context.Context, viewerID int64, users []model.UserSummary) error {
	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}

	follows, err := s.followRepo.CheckFollows(ctx, viewerID, ids)
	if err != nil {
		return err
	}

	for i := range users {
		users[i].IsFollowing = follows[users[i].ID]
	}
	return nil
}
