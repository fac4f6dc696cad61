package cache

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lichen-social/lichen/internal/cursor"
)

const (
	// TimelineKeyPrefix is the key prefix for per-user precomputed timelines
	TimelineKeyPrefix = "timeline:user:"

	// SuppressedKeyPrefix is the key prefix for per-user suppressed-author sets
	SuppressedKeyPrefix = "timeline:suppressed:"

	// CelebrityKey is the set of authors excluded from push fan-out
	CelebrityKey = "timeline:celebrities"

	// TimelineTTL is the TTL for timeline keys (7 days, refreshed on access)
	TimelineTTL = 7 * 24 * time.Hour

	// DefaultRetention is the fallback per-timeline entry cap
	DefaultRetention = 500
)

// Entry is a timeline reference: enough to page and merge without hydrating.
type Entry struct {
	PostID    int64
	AuthorID  int64
	Timestamp int64 // unix seconds
}

// TimelineCache is the precomputed (push-mode) timeline store.
//
// Timelines are owned by the fan-out worker; the feed service only reads
// them. Inserts are keyed by post id so retried fan-out jobs are idempotent.
// Unfollow is O(1): the follower's suppressed-author set acts as a tombstone
// filtered at read time until the worker compacts the entries away.
type TimelineCache interface {
	// AddEntry inserts one entry into a user's timeline.
	// Pipeline: ZADD + ZREMRANGEBYRANK (retention cap) + EXPIRE (refresh TTL).
	AddEntry(ctx context.Context, userID int64, e Entry) error

	// AddEntries bulk-inserts entries (fan-out backfill, cache warming).
	AddEntries(ctx context.Context, userID int64, entries []Entry) error

	// RemovePost removes a single post reference from a user's timeline.
	RemovePost(ctx context.Context, userID int64, e Entry) error

	// RemoveAuthorEntries deletes every entry by the given author from a
	// user's timeline. This is the compaction step behind the unfollow
	// tombstone; it may scan the whole (bounded) timeline.
	RemoveAuthorEntries(ctx context.Context, userID, authorID int64) (int64, error)

	// Page returns entries strictly older than before (newest first when
	// before is nil), in (timestamp DESC, post id DESC) order.
	Page(ctx context.Context, userID int64, before *cursor.Cursor, limit int) ([]Entry, error)

	// Exists reports whether the user has a timeline key at all. False means
	// new user or TTL lapse; callers should warm the timeline.
	Exists(ctx context.Context, userID int64) (bool, error)

	// Size returns the number of entries in a user's timeline.
	Size(ctx context.Context, userID int64) (int64, error)

	// SuppressAuthor tombstones an author in the user's timeline.
	SuppressAuthor(ctx context.Context, userID, authorID int64) error

	// UnsuppressAuthor clears a tombstone (refollow).
	UnsuppressAuthor(ctx context.Context, userID, authorID int64) error

	// SuppressedAuthors returns the user's current tombstone set.
	SuppressedAuthors(ctx context.Context, userID int64) (map[int64]bool, error)

	// MarkCelebrity / UnmarkCelebrity maintain the set of authors whose
	// posts are merged at read time instead of pushed.
	MarkCelebrity(ctx context.Context, authorID int64) error
	UnmarkCelebrity(ctx context.Context, authorID int64) error

	// FilterCelebrities reports, for each given author, whether they are in
	// the celebrity set. Single round trip via SMISMEMBER.
	FilterCelebrities(ctx context.Context, authorIDs []int64) (map[int64]bool, error)
}

// RedisTimelineCache implements TimelineCache on Redis sorted sets.
type RedisTimelineCache struct {
	client    *redis.Client
	retention int
}

// NewTimelineCache creates a TimelineCache backed by Redis. retention caps
// the number of entries kept per timeline.
func NewTimelineCache(client *redis.Client, retention int) TimelineCache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisTimelineCache{client: client, retention: retention}
}

func timelineKey(userID int64) string {
	return fmt.Sprintf("%s%d", TimelineKeyPrefix, userID)
}

func suppressedKey(userID int64) string {
	return fmt.Sprintf("%s%d", SuppressedKeyPrefix, userID)
}

// member encodes an entry as "postID:authorID" so reads can filter by author
// without hydrating, and duplicate inserts of the same post collapse.
func member(e Entry) string {
	return fmt.Sprintf("%d:%d", e.PostID, e.AuthorID)
}

func parseMember(m string, score float64) (Entry, error) {
	parts := strings.SplitN(m, ":", 2)
	if len(parts) != 2 {
		return Entry{}, fmt.Errorf("malformed timeline member %q", m)
	}
	postID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parse post id: %w", err)
	}
	authorID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parse author id: %w", err)
	}
	return Entry{PostID: postID, AuthorID: authorID, Timestamp: int64(score)}, nil
}

func (c *RedisTimelineCache) AddEntry(ctx context.Context, userID int64, e Entry) error {
	return c.AddEntries(ctx, userID, []Entry{e})
}

func (c *RedisTimelineCache) AddEntries(ctx context.Context, userID int64, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	key := timelineKey(userID)

	members := make([]redis.Z, len(entries))
	for i, e := range entries {
		members[i] = redis.Z{Score: float64(e.Timestamp), Member: member(e)}
	}

	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, key, members...)
	// Keep the newest retention entries, drop the rest
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-c.retention-1))
	pipe.Expire(ctx, key, TimelineTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[TimelineCache] AddEntries FAILED: user=%d n=%d err=%v", userID, len(entries), err)
		return fmt.Errorf("add timeline entries: %w", err)
	}
	return nil
}

func (c *RedisTimelineCache) RemovePost(ctx context.Context, userID int64, e Entry) error {
	key := timelineKey(userID)
	if err := c.client.ZRem(ctx, key, member(e)).Err(); err != nil {
		log.Printf("[TimelineCache] RemovePost FAILED: user=%d post=%d err=%v", userID, e.PostID, err)
		return fmt.Errorf("remove timeline entry: %w", err)
	}
	return nil
}

func (c *RedisTimelineCache) RemoveAuthorEntries(ctx context.Context, userID, authorID int64) (int64, error) {
	key := timelineKey(userID)
	suffix := ":" + strconv.FormatInt(authorID, 10)

	members, err := c.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan timeline: %w", err)
	}

	var stale []interface{}
	for _, m := range members {
		if strings.HasSuffix(m, suffix) {
			stale = append(stale, m)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed, err := c.client.ZRem(ctx, key, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("compact timeline: %w", err)
	}

	log.Printf("[TimelineCache] Compacted: user=%d author=%d removed=%d", userID, authorID, removed)
	return removed, nil
}

// Page walks the sorted set newest-first. Redis orders equal scores by
// member string, not by post id, so the page is fetched score-inclusive,
// filtered against the cursor position and re-sorted before trimming. The
// whole tie group at the page boundary is consumed so the cut never lands
// inside an equal-timestamp run.
func (c *RedisTimelineCache) Page(ctx context.Context, userID int64, before *cursor.Cursor, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	key := timelineKey(userID)

	max := "+inf"
	if before != nil {
		// Inclusive on the cursor score; exact position filtering happens below
		max = strconv.FormatInt(before.Timestamp, 10)
	}

	batch := int64(limit)
	if batch < 16 {
		batch = 16
	}

	var out []Entry
	offset := int64(0)
	for {
		zs, err := c.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    max,
			Offset: offset,
			Count:  batch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("page timeline: %w", err)
		}
		if len(zs) == 0 {
			break
		}
		offset += int64(len(zs))

		for _, z := range zs {
			e, err := parseMember(z.Member.(string), z.Score)
			if err != nil {
				// Malformed member: skip rather than fail the read
				log.Printf("[TimelineCache] Page: user=%d skipping %v", userID, err)
				continue
			}
			if before != nil && !before.Before(e.Timestamp, e.PostID) {
				continue
			}
			out = append(out, e)
		}

		if len(out) >= limit && zs[len(zs)-1].Score < float64(out[limit-1].Timestamp) {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].PostID > out[j].PostID
	})
	if len(out) > limit {
		out = out[:limit]
	}

	c.client.Expire(ctx, key, TimelineTTL)
	return out, nil
}

func (c *RedisTimelineCache) Exists(ctx context.Context, userID int64) (bool, error) {
	n, err := c.client.Exists(ctx, timelineKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check timeline exists: %w", err)
	}
	return n > 0, nil
}

func (c *RedisTimelineCache) Size(ctx context.Context, userID int64) (int64, error) {
	n, err := c.client.ZCard(ctx, timelineKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("timeline size: %w", err)
	}
	return n, nil
}

func (c *RedisTimelineCache) SuppressAuthor(ctx context.Context, userID, authorID int64) error {
	key := suppressedKey(userID)
	pipe := c.client.Pipeline()
	pipe.SAdd(ctx, key, authorID)
	pipe.Expire(ctx, key, TimelineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("suppress author: %w", err)
	}
	return nil
}

func (c *RedisTimelineCache) UnsuppressAuthor(ctx context.Context, userID, authorID int64) error {
	if err := c.client.SRem(ctx, suppressedKey(userID), authorID).Err(); err != nil {
		return fmt.Errorf("unsuppress author: %w", err)
	}
	return nil
}

func (c *RedisTimelineCache) SuppressedAuthors(ctx context.Context, userID int64) (map[int64]bool, error) {
	members, err := c.client.SMembers(ctx, suppressedKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("suppressed authors: %w", err)
	}

	out := make(map[int64]bool, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out[id] = true
	}
	return out, nil
}

func (c *RedisTimelineCache) MarkCelebrity(ctx context.Context, authorID int64) error {
	if err := c.client.SAdd(ctx, CelebrityKey, authorID).Err(); err != nil {
		return fmt.Errorf("mark celebrity: %w", err)
	}
	return nil
}

func (c *RedisTimelineCache) UnmarkCelebrity(ctx context.Context, authorID int64) error {
	if err := c.client.SRem(ctx, CelebrityKey, authorID).Err(); err != nil {
		return fmt.Errorf("unmark celebrity: %w", err)
	}
	return nil
}

func (c *RedisTimelineCache) FilterCelebrities(ctx context.Context, authorIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(authorIDs))
	if len(authorIDs) == 0 {
		return out, nil
	}

	members := make([]interface{}, len(authorIDs))
	for i, id := range authorIDs {
		members[i] = id
	}

	flags, err := c.client.SMIsMember(ctx, CelebrityKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("filter celebrities: %w", err)
	}

	for i, id := range authorIDs {
		out[id] = flags[i]
	}
	return out, nil
}
