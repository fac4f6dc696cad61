package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lichen-social/lichen/internal/cache"
	"github.com/lichen-social/lichen/internal/cursor"
	"github.com/lichen-social/lichen/internal/queue"
)

type mockTimelineCache struct {
	addEntryFn          func(ctx context.Context, userID int64, e cache.Entry) error
	suppressedAuthorsFn func(ctx context.Context, userID int64) (map[int64]bool, error)

	added        map[int64][]cache.Entry // userID -> entries
	removed      map[int64][]int64       // userID -> post ids
	compacted    map[int64][]int64       // userID -> author ids
	celebrities  []int64
	uncelebrated []int64
	unsuppressed []int64
}

func newMockTimelineCache() *mockTimelineCache {
	return &mockTimelineCache{
		added:     make(map[int64][]cache.Entry),
		removed:   make(map[int64][]int64),
		compacted: make(map[int64][]int64),
	}
}

func (m *mockTimelineCache) AddEntry(ctx context.Context, userID int64, e cache.Entry) error {
	if m.addEntryFn != nil {
		if err := m.addEntryFn(ctx, userID, e); err != nil {
			return err
		}
	}
	m.added[userID] = append(m.added[userID], e)
	return nil
}

func (m *mockTimelineCache) AddEntries(ctx context.Context, userID int64, entries []cache.Entry) error {
	m.added[userID] = append(m.added[userID], entries...)
	return nil
}

func (m *mockTimelineCache) RemovePost(ctx context.Context, userID int64, e cache.Entry) error {
	m.removed[userID] = append(m.removed[userID], e.PostID)
	return nil
}

func (m *mockTimelineCache) RemoveAuthorEntries(ctx context.Context, userID, authorID int64) (int64, error) {
	m.compacted[userID] = append(m.compacted[userID], authorID)
	return 1, nil
}

func (m *mockTimelineCache) Page(ctx context.Context, userID int64, before *cursor.Cursor, limit int) ([]cache.Entry, error) {
	return nil, nil
}

func (m *mockTimelineCache) Exists(ctx context.Context, userID int64) (bool, error) {
	return true, nil
}

func (m *mockTimelineCache) Size(ctx context.Context, userID int64) (int64, error) {
	return 0, nil
}

func (m *mockTimelineCache) SuppressAuthor(ctx context.Context, userID, authorID int64) error {
	return nil
}

func (m *mockTimelineCache) UnsuppressAuthor(ctx context.Context, userID, authorID int64) error {
	m.unsuppressed = append(m.unsuppressed, authorID)
	return nil
}

func (m *mockTimelineCache) SuppressedAuthors(ctx context.Context, userID int64) (map[int64]bool, error) {
	if m.suppressedAuthorsFn != nil {
		return m.suppressedAuthorsFn(ctx, userID)
	}
	return map[int64]bool{}, nil
}

func (m *mockTimelineCache) MarkCelebrity(ctx context.Context, authorID int64) error {
	m.celebrities = append(m.celebrities, authorID)
	return nil
}

func (m *mockTimelineCache) UnmarkCelebrity(ctx context.Context, authorID int64) error {
	m.uncelebrated = append(m.uncelebrated, authorID)
	return nil
}

func (m *mockTimelineCache) FilterCelebrities(ctx context.Context, authorIDs []int64) (map[int64]bool, error) {
	return map[int64]bool{}, nil
}

type mockFollowers struct {
	followerIDs []int64
	count       int64
}

func (m *mockFollowers) GetFollowerIDs(ctx context.Context, userID int64) ([]int64, error) {
	return m.followerIDs, nil
}

func (m *mockFollowers) CountFollowers(ctx context.Context, userID int64) (int64, error) {
	return m.count, nil
}

type mockPostEntries struct {
	entriesFn func(ctx context.Context, authorID int64, before *cursor.Cursor, since *time.Time, limit int) ([]cache.Entry, error)
}

func (m *mockPostEntries) EntriesByAuthor(ctx context.Context, authorID int64, before *cursor.Cursor, since *time.Time, limit int) ([]cache.Entry, error) {
	if m.entriesFn != nil {
		return m.entriesFn(ctx, authorID, before, since, limit)
	}
	return nil, nil
}

func TestHandler_PostCreated_PushesToAllFollowers(t *testing.T) {
	timelines := newMockTimelineCache()
	followers := &mockFollowers{followerIDs: []int64{10, 11, 12}, count: 3}
	h := NewHandler(timelines, followers, &mockPostEntries{}, HandlerConfig{FanoutThreshold: 1000})

	event := queue.NewPostCreatedEvent(7, 1, time.Now())
	if err := h.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	for _, followerID := range []int64{10, 11, 12} {
		entries := timelines.added[followerID]
		if len(entries) != 1 || entries[0].PostID != 7 || entries[0].AuthorID != 1 {
			t.Errorf("follower %d entries = %v, want post 7 by author 1", followerID, entries)
		}
	}
	if len(timelines.celebrities) != 0 {
		t.Errorf("author marked celebrity at %d followers, threshold 1000", followers.count)
	}
	// A previously celebrity author who dropped under the threshold pushes again
	if len(timelines.uncelebrated) != 1 || timelines.uncelebrated[0] != 1 {
		t.Errorf("uncelebrated = %v, want [1]", timelines.uncelebrated)
	}
}

func TestHandler_PostCreated_OverThresholdSkipsPush(t *testing.T) {
	timelines := newMockTimelineCache()
	followers := &mockFollowers{followerIDs: []int64{10, 11}, count: 5001}
	h := NewHandler(timelines, followers, &mockPostEntries{}, HandlerConfig{FanoutThreshold: 5000})

	event := queue.NewPostCreatedEvent(7, 1, time.Now())
	if err := h.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(timelines.added) != 0 {
		t.Errorf("entries pushed for over-threshold author: %v", timelines.added)
	}
	if len(timelines.celebrities) != 1 || timelines.celebrities[0] != 1 {
		t.Errorf("celebrities = %v, want [1]", timelines.celebrities)
	}
}

func TestHandler_PostCreated_ExactlyAtThresholdStillPushes(t *testing.T) {
	timelines := newMockTimelineCache()
	followers := &mockFollowers{followerIDs: []int64{10}, count: 5000}
	h := NewHandler(timelines, followers, &mockPostEntries{}, HandlerConfig{FanoutThreshold: 5000})

	event := queue.NewPostCreatedEvent(7, 1, time.Now())
	if err := h.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(timelines.added[10]) != 1 {
		t.Error("author at exactly the threshold should still be pushed")
	}
}

func TestHandler_PostCreated_PartialFailureSucceeds(t *testing.T) {
	timelines := newMockTimelineCache()
	timelines.addEntryFn = func(ctx context.Context, userID int64, e cache.Entry) error {
		if userID == 11 {
			return errors.New("write failed")
		}
		return nil
	}
	followers := &mockFollowers{followerIDs: []int64{10, 11, 12}, count: 3}
	h := NewHandler(timelines, followers, &mockPostEntries{}, HandlerConfig{FanoutThreshold: 1000})

	event := queue.NewPostCreatedEvent(7, 1, time.Now())
	if err := h.HandleEvent(context.Background(), event); err != nil {
		t.Errorf("partial fan-out failure should not fail the event: %v", err)
	}
}

func TestHandler_PostCreated_TotalFailureErrors(t *testing.T) {
	timelines := newMockTimelineCache()
	timelines.addEntryFn = func(ctx context.Context, userID int64, e cache.Entry) error {
		return errors.New("write failed")
	}
	followers := &mockFollowers{followerIDs: []int64{10, 11}, count: 2}
	h := NewHandler(timelines, followers, &mockPostEntries{}, HandlerConfig{FanoutThreshold: 1000})

	event := queue.NewPostCreatedEvent(7, 1, time.Now())
	if err := h.HandleEvent(context.Background(), event); err == nil {
		t.Error("total fan-out failure should fail the event for redelivery")
	}
}

func TestHandler_PostDeleted_RemovesFromAllFollowers(t *testing.T) {
	timelines := newMockTimelineCache()
	followers := &mockFollowers{followerIDs: []int64{10, 11}}
	h := NewHandler(timelines, followers, &mockPostEntries{}, HandlerConfig{})

	event := queue.NewPostDeletedEvent(7, 1)
	if err := h.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	for _, followerID := range []int64{10, 11} {
		if len(timelines.removed[followerID]) != 1 || timelines.removed[followerID][0] != 7 {
			t.Errorf("follower %d removals = %v, want [7]", followerID, timelines.removed[followerID])
		}
	}
}

func TestHandler_UserFollowed_BackfillsWithinWindow(t *testing.T) {
	window := 30 * 24 * time.Hour
	var gotSince time.Time
	var gotLimit int

	posts := &mockPostEntries{
		entriesFn: func(ctx context.Context, authorID int64, before *cursor.Cursor, since *time.Time, limit int) ([]cache.Entry, error) {
			if authorID != 2 {
				t.Errorf("backfill author = %d, want 2", authorID)
			}
			if since == nil {
				t.Fatal("backfill must be bounded by the window")
			}
			gotSince = *since
			gotLimit = limit
			return []cache.Entry{
				{PostID: 20, AuthorID: 2, Timestamp: time.Now().Unix()},
				{PostID: 19, AuthorID: 2, Timestamp: time.Now().Unix() - 60},
			}, nil
		},
	}

	timelines := newMockTimelineCache()
	h := NewHandler(timelines, &mockFollowers{}, posts, HandlerConfig{BackfillWindow: window, BackfillLimit: 50})

	event := queue.NewUserFollowedEvent(1, 2)
	if err := h.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	wantSince := time.Now().Add(-window)
	if diff := gotSince.Sub(wantSince); diff < -time.Minute || diff > time.Minute {
		t.Errorf("backfill since = %v, want about %v", gotSince, wantSince)
	}
	if gotLimit != 50 {
		t.Errorf("backfill limit = %d, want 50", gotLimit)
	}

	if len(timelines.added[1]) != 2 {
		t.Errorf("follower timeline got %d entries, want 2", len(timelines.added[1]))
	}
	// Refollow clears the tombstone even when the sync clear was missed
	if len(timelines.unsuppressed) != 1 || timelines.unsuppressed[0] != 2 {
		t.Errorf("unsuppressed = %v, want [2]", timelines.unsuppressed)
	}
}

func TestHandler_UserUnfollowed_CompactsTimeline(t *testing.T) {
	timelines := newMockTimelineCache()
	timelines.suppressedAuthorsFn = func(ctx context.Context, userID int64) (map[int64]bool, error) {
		return map[int64]bool{2: true}, nil
	}
	h := NewHandler(timelines, &mockFollowers{}, &mockPostEntries{}, HandlerConfig{})

	event := queue.NewUserUnfollowedEvent(1, 2)
	if err := h.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(timelines.compacted[1]) != 1 || timelines.compacted[1][0] != 2 {
		t.Errorf("compacted = %v, want author 2 removed from follower 1", timelines.compacted)
	}
}

func TestHandler_UserUnfollowed_RefollowSkipsCompaction(t *testing.T) {
	// Unfollow then quick refollow, with the unfollow event delivered last:
	// the refollow already cleared the tombstone, so the stale compaction
	// must not strip the live timeline.
	timelines := newMockTimelineCache()
	timelines.suppressedAuthorsFn = func(ctx context.Context, userID int64) (map[int64]bool, error) {
		return map[int64]bool{}, nil
	}
	h := NewHandler(timelines, &mockFollowers{}, &mockPostEntries{}, HandlerConfig{})

	event := queue.NewUserUnfollowedEvent(1, 2)
	if err := h.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(timelines.compacted) != 0 {
		t.Errorf("compacted = %v, want no compaction after refollow", timelines.compacted)
	}
}

func TestHandler_UnknownEventType(t *testing.T) {
	h := NewHandler(newMockTimelineCache(), &mockFollowers{}, &mockPostEntries{}, HandlerConfig{})

	err := h.HandleEvent(context.Background(), queue.FeedEvent{Type: "post_liked"})
	if err == nil {
		t.Error("unknown event type should error")
	}
}
