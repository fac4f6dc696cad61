package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/cursor"
	"github.com/lichen-social/lichen/internal/queue"
)

// ErrUnknownEvent marks an event the handler can never process. Retrying is
// pointless; the manager acknowledges and drops such messages instead of
// leaving them pending.
var ErrUnknownEvent = errors.New("unknown event type")

// FollowerProvider abstracts the follow-graph reads the fan-out needs, so
// workers don't depend on the repository package directly.
type FollowerProvider interface {
	GetFollowerIDs(ctx context.Context, userID int64) ([]int64, error)
	CountFollowers(ctx context.Context, userID int64) (int64, error)
}

// PostEntriesProvider supplies timeline references for backfill on follow.
type PostEntriesProvider interface {
	EntriesByAuthor(ctx context.Context, authorID int64, before *cursor.Cursor, since *time.Time, limit int) ([]cache.Entry, error)
}

// HandlerConfig carries the fan-out tuning knobs.
type HandlerConfig struct {
	// FanoutThreshold: authors with more followers than this are excluded
	// from push fan-out and merged at read time instead.
	FanoutThreshold int64

	// BackfillWindow bounds how far back a new follow is backfilled. Posts
	// older than the window are reachable only through the author's profile
	// stream; this staleness is intentional and bounded.
	BackfillWindow time.Duration

	// BackfillLimit caps the number of posts backfilled per follow event.
	BackfillLimit int
}

// Handler processes timeline events from the queue. It is the push-mode
// fan-out writer plus the asynchronous side of consistency maintenance
// (backfill on follow, compaction on unfollow, removal on delete). All of
// its writes are idempotent, so redelivered messages are safe.
type Handler struct {
	timelines cache.TimelineCache
	followers FollowerProvider
	posts     PostEntriesProvider
	cfg       HandlerConfig
}

// NewHandler creates a new event handler.
func NewHandler(timelines cache.TimelineCache, followers FollowerProvider, posts PostEntriesProvider, cfg HandlerConfig) *Handler {
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 50
	}
	return &Handler{
		timelines: timelines,
		followers: followers,
		posts:     posts,
		cfg:       cfg,
	}
}

// HandleEvent routes an event to the appropriate handler based on type.
func (h *Handler) HandleEvent(ctx context.Context, event queue.FeedEvent) error {
	var err error

	switch event.Type {
	case queue.EventPostCreated:
		err = h.handlePostCreated(ctx, event)
	case queue.EventPostDeleted:
		err = h.handlePostDeleted(ctx, event)
	case queue.EventUserFollowed:
		err = h.handleUserFollowed(ctx, event)
	case queue.EventUserUnfollowed:
		err = h.handleUserUnfollowed(ctx, event)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event.Type)
	}

	if err != nil {
		return fmt.Errorf("handle %s: %w", event.Type, err)
	}
	return nil
}

// handlePostCreated fans a new post out to follower timelines, unless the
// author is over the fan-out threshold, in which case the author is marked
// as a celebrity and the post is left to the read-time merge.
func (h *Handler) handlePostCreated(ctx context.Context, event queue.FeedEvent) error {
	count, err := h.followers.CountFollowers(ctx, event.AuthorID)
	if err != nil {
		return fmt.Errorf("count followers: %w", err)
	}

	if count > h.cfg.FanoutThreshold {
		log.Printf("[Worker] PostCreated: author=%d followers=%d over threshold, skipping push", event.AuthorID, count)
		return h.timelines.MarkCelebrity(ctx, event.AuthorID)
	}

	// The author may have dropped back under the threshold since their last
	// post; from here on their posts are pushed again.
	if err := h.timelines.UnmarkCelebrity(ctx, event.AuthorID); err != nil {
		log.Printf("[Worker] PostCreated: unmark celebrity author=%d err=%v", event.AuthorID, err)
	}

	followerIDs, err := h.followers.GetFollowerIDs(ctx, event.AuthorID)
	if err != nil {
		return fmt.Errorf("get followers: %w", err)
	}

	entry := cache.Entry{PostID: event.PostID, AuthorID: event.AuthorID, Timestamp: event.Timestamp}

	var failed int
	for _, followerID := range followerIDs {
		if err := h.timelines.AddEntry(ctx, followerID, entry); err != nil {
			log.Printf("[Worker] PostCreated: push to user=%d failed: %v", followerID, err)
			failed++
		}
	}

	log.Printf("[Worker] PostCreated DONE: post=%d fanout=%d failed=%d", event.PostID, len(followerIDs), failed)
	if failed > 0 && failed == len(followerIDs) {
		return fmt.Errorf("fan-out failed for all %d followers", failed)
	}
	return nil
}

// handlePostDeleted removes a post from all follower timelines. Removal is
// idempotent; a redelivered delete is a no-op.
func (h *Handler) handlePostDeleted(ctx context.Context, event queue.FeedEvent) error {
	followerIDs, err := h.followers.GetFollowerIDs(ctx, event.AuthorID)
	if err != nil {
		return fmt.Errorf("get followers: %w", err)
	}

	entry := cache.Entry{PostID: event.PostID, AuthorID: event.AuthorID, Timestamp: event.Timestamp}

	var failed int
	for _, followerID := range followerIDs {
		if err := h.timelines.RemovePost(ctx, followerID, entry); err != nil {
			log.Printf("[Worker] PostDeleted: remove from user=%d failed: %v", followerID, err)
			failed++
		}
	}

	log.Printf("[Worker] PostDeleted DONE: post=%d fanout=%d failed=%d", event.PostID, len(followerIDs), failed)
	if failed > 0 && failed == len(followerIDs) {
		return fmt.Errorf("removal failed for all %d followers", failed)
	}
	return nil
}

// handleUserFollowed backfills the follower's timeline with the followee's
// posts from inside the backfill window. Older history is intentionally not
// copied; it stays reachable through the followee's profile stream.
func (h *Handler) handleUserFollowed(ctx context.Context, event queue.FeedEvent) error {
	// Clear any tombstone left by an earlier unfollow. The follow service
	// also does this synchronously; repeating it here covers reordered
	// deliveries.
	if err := h.timelines.UnsuppressAuthor(ctx, event.FollowerID, event.FolloweeID); err != nil {
		log.Printf("[Worker] UserFollowed: unsuppress follower=%d author=%d err=%v", event.FollowerID, event.FolloweeID, err)
	}

	since := time.Now().Add(-h.cfg.BackfillWindow)
	entries, err := h.posts.EntriesByAuthor(ctx, event.FolloweeID, nil, &since, h.cfg.BackfillLimit)
	if err != nil {
		return fmt.Errorf("load backfill entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := h.timelines.AddEntries(ctx, event.FollowerID, entries); err != nil {
		return fmt.Errorf("backfill timeline: %w", err)
	}

	log.Printf("[Worker] UserFollowed DONE: follower=%d followee=%d backfilled=%d", event.FollowerID, event.FolloweeID, len(entries))
	return nil
}

// handleUserUnfollowed compacts the followee's entries out of the
// follower's timeline. The suppression tombstone set synchronously at
// unfollow time stays in place: it keeps any racing fan-out insert from
// resurfacing, and is only cleared on refollow.
//
// The tombstone also gates the compaction itself. With several consumers in
// the group, an unfollow event can be processed after the refollow that
// superseded it; the refollow clears the tombstone synchronously, so a
// cleared tombstone here means the edge is live again and compacting would
// strip valid entries.
func (h *Handler) handleUserUnfollowed(ctx context.Context, event queue.FeedEvent) error {
	suppressed, err := h.timelines.SuppressedAuthors(ctx, event.FollowerID)
	if err != nil {
		return fmt.Errorf("load suppressed authors: %w", err)
	}
	if !suppressed[event.FolloweeID] {
		log.Printf("[Worker] UserUnfollowed SKIPPED: follower=%d followee=%d refollowed, tombstone cleared", event.FollowerID, event.FolloweeID)
		return nil
	}

	removed, err := h.timelines.RemoveAuthorEntries(ctx, event.FollowerID, event.FolloweeID)
	if err != nil {
		return fmt.Errorf("compact timeline: %w", err)
	}

	log.Printf("[Worker] UserUnfollowed DONE: follower=%d followee=%d removed=%d", event.FollowerID, event.FolloweeID, removed)
	return nil
}
