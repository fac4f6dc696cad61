package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/cursor"
	"github.com/lichen-social/lichen/internal/model"
	"github.com/lichen-social/lichen/internal/repository"
)

// FeedConfig carries the read-path tuning knobs.
type FeedConfig struct {
	DefaultLimit int
	MaxLimit     int
	// WarmLimit is how many entries to load when warming a cold timeline;
	// normally the push retention count.
	WarmLimit int
}

// FeedService assembles a user's home feed: the precomputed push timeline
// merged with read-time pull streams from followees excluded from fan-out.
type FeedService struct {
	timelines  cache.TimelineCache
	postRepo   repository.PostRepository
	followRepo repository.FollowRepository
	userRepo   repository.UserRepository
	cfg        FeedConfig
}

func NewFeedService(
	timelines cache.TimelineCache,
	postRepo repository.PostRepository,
	followRepo repository.FollowRepository,
	userRepo repository.UserRepository,
	cfg FeedConfig,
) *FeedService {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 50
	}
	if cfg.WarmLimit <= 0 {
		cfg.WarmLimit = cache.DefaultRetention
	}
	return &FeedService{
		timelines:  timelines,
		postRepo:   postRepo,
		followRepo: followRepo,
		userRepo:   userRepo,
		cfg:        cfg,
	}
}

// GetFeed returns one page of the user's feed, newest first.
//
// Flow:
//  1. Resolve the followee set; following nobody is an empty feed, not an
//     error.
//  2. Split followees into push authors (served from the precomputed
//     timeline) and celebrities (merged from the post store at read time).
//  3. Warm the timeline if its key has lapsed.
//  4. K-way merge the cached stream with one pull stream per celebrity,
//     in (created_at DESC, id DESC) order.
//  5. Hydrate the merged references and build the next cursor.
func (s *FeedService) GetFeed(ctx context.Context, userID int64, cursorStr *string, limit int) (*model.FeedResponse, error) {
	startTime := time.Now()

	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	var before *cursor.Cursor
	if cursorStr != nil {
		c, err := cursor.Decode(*cursorStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidCursor, err)
		}
		before = &c
	}

	followeeIDs, err := s.followRepo.GetFolloweeIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get followee ids: %w", err)
	}
	if len(followeeIDs) == 0 {
		return &model.FeedResponse{Posts: []model.FeedPost{}}, nil
	}

	celebs, err := s.timelines.FilterCelebrities(ctx, followeeIDs)
	if err != nil {
		// Degrade to pure pull: merge every followee from the post store
		log.Printf("[FeedService] celebrity lookup failed for user=%d, falling back to pull: %v", userID, err)
		celebs = make(map[int64]bool, len(followeeIDs))
		for _, id := range followeeIDs {
			celebs[id] = true
		}
	}

	followeeSet := make(map[int64]bool, len(followeeIDs))
	var pushAuthors, pullAuthors []int64
	for _, id := range followeeIDs {
		followeeSet[id] = true
		if celebs[id] {
			pullAuthors = append(pullAuthors, id)
		} else {
			pushAuthors = append(pushAuthors, id)
		}
	}

	streams := make([]entryStream, 0, len(pullAuthors)+1)

	if len(pushAuthors) > 0 {
		if err := s.ensureWarm(ctx, userID, pushAuthors); err != nil {
			log.Printf("[FeedService] timeline warm failed for user=%d: %v", userID, err)
			// Keep going; the cached stream just serves whatever is there
		}

		suppressed, err := s.timelines.SuppressedAuthors(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load suppressed authors: %w", err)
		}

		cached := newBatchStream(func(ctx context.Context, b *cursor.Cursor, n int) ([]cache.Entry, error) {
			return s.timelines.Page(ctx, userID, b, n)
		}, before, limit)

		// The cached timeline may hold entries from unfollowed or
		// tombstoned authors awaiting compaction, and entries from authors
		// that have since crossed the celebrity threshold (those arrive via
		// the pull streams instead). All are filtered here, at read time.
		streams = append(streams, &filteredStream{
			inner: cached,
			accept: func(e cache.Entry) bool {
				return followeeSet[e.AuthorID] && !suppressed[e.AuthorID] && !celebs[e.AuthorID]
			},
		})
	}

	for _, authorID := range pullAuthors {
		authorID := authorID
		streams = append(streams, newBatchStream(func(ctx context.Context, b *cursor.Cursor, n int) ([]cache.Entry, error) {
			return s.postRepo.EntriesByAuthor(ctx, authorID, b, nil, n)
		}, before, limit))
	}

	entries, hasMore, err := mergeStreams(ctx, streams, limit)
	if err != nil {
		return nil, fmt.Errorf("merge feed streams: %w", err)
	}

	posts, err := s.hydrate(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("hydrate posts: %w", err)
	}

	var nextCursor *string
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		c := cursor.Encode(last.Timestamp, last.PostID)
		nextCursor = &c
	}

	log.Printf("[FeedService] GetFeed OK: user=%d posts=%d pull_streams=%d hasMore=%v duration=%v",
		userID, len(posts), len(pullAuthors), hasMore, time.Since(startTime))

	return &model.FeedResponse{
		Posts:      posts,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// ensureWarm rebuilds the user's precomputed timeline when its key has
// expired or never existed (new user, TTL lapse).
func (s *FeedService) ensureWarm(ctx context.Context, userID int64, pushAuthors []int64) error {
	exists, err := s.timelines.Exists(ctx, userID)
	if err != nil {
		return fmt.Errorf("check timeline exists: %w", err)
	}
	if exists {
		return nil
	}

	entries, err := s.postRepo.EntriesByAuthors(ctx, pushAuthors, s.cfg.WarmLimit)
	if err != nil {
		return fmt.Errorf("load warm entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := s.timelines.AddEntries(ctx, userID, entries); err != nil {
		return fmt.Errorf("warm timeline: %w", err)
	}

	log.Printf("[FeedService] Timeline warmed: user=%d entries=%d", userID, len(entries))
	return nil
}

// hydrate resolves timeline references into full posts with author
// summaries. References to deleted posts (removal still propagating) and to
// posts whose author is gone simply drop out here.
func (s *FeedService) hydrate(ctx context.Context, entries []cache.Entry) ([]model.FeedPost, error) {
	if len(entries) == 0 {
		return []model.FeedPost{}, nil
	}

	postIDs := make([]int64, len(entries))
	for i, e := range entries {
		postIDs[i] = e.PostID
	}

	posts, err := s.postRepo.GetByIDs(ctx, postIDs)
	if err != nil {
		return nil, fmt.Errorf("get posts by ids: %w", err)
	}

	authorIDSet := make(map[int64]struct{})
	for _, p := range posts {
		authorIDSet[p.UserID] = struct{}{}
	}
	authorIDs := make([]int64, 0, len(authorIDSet))
	for id := range authorIDSet {
		authorIDs = append(authorIDs, id)
	}

	authors, err := s.userRepo.GetSummaries(ctx, authorIDs)
	if err != nil {
		log.Printf("[FeedService] author lookup failed: %v", err)
		authors = map[int64]model.UserSummary{}
	}

	feedPosts := make([]model.FeedPost, len(posts))
	for i, p := range posts {
		author := authors[p.UserID]
		author.IsFollowing = true // feed posts are by definition from followees
		feedPosts[i] = model.FeedPost{Post: p, Author: author}
	}

	return feedPosts, nil
}
