package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types for the timeline stream
const (
	EventPostCreated    = "post_created"
	EventPostDeleted    = "post_deleted"
	EventUserFollowed   = "user_followed"
	EventUserUnfollowed = "user_unfollowed"
)

// Stream names
const (
	StreamTimeline = "stream:timeline"
)

// Consumer group name for fan-out workers
const (
	ConsumerGroupFanout = "fanout_workers"
)

// FeedEvent represents an event published to the timeline stream.
// All feed-related events share this structure.
type FeedEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // Unix seconds when event occurred

	// Post events (PostCreated, PostDeleted)
	PostID   int64 `json:"post_id,omitempty"`
	AuthorID int64 `json:"author_id,omitempty"`

	// Follow events (UserFollowed, UserUnfollowed)
	FollowerID int64 `json:"follower_id,omitempty"`
	FolloweeID int64 `json:"followee_id,omitempty"`
}

// NewPostCreatedEvent creates an event for a new post. The worker fans the
// post out to followers' timelines (or marks the author as a celebrity when
// they are over the fan-out threshold).
func NewPostCreatedEvent(postID, authorID int64, createdAt time.Time) FeedEvent {
	return FeedEvent{
		Type:      EventPostCreated,
		Timestamp: createdAt.Unix(),
		PostID:    postID,
		AuthorID:  authorID,
	}
}

// NewPostDeletedEvent creates an event for a deleted post. The worker
// removes the post from all follower timelines; removal is idempotent and
// best-effort.
func NewPostDeletedEvent(postID, authorID int64) FeedEvent {
	return FeedEvent{
		Type:      EventPostDeleted,
		Timestamp: time.Now().Unix(),
		PostID:    postID,
		AuthorID:  authorID,
	}
}

// NewUserFollowedEvent creates an event for a new follow edge. The worker
// backfills the followee's recent posts into the follower's timeline.
func NewUserFollowedEvent(followerID, followeeID int64) FeedEvent {
	return FeedEvent{
		Type:       EventUserFollowed,
		Timestamp:  time.Now().Unix(),
		FollowerID: followerID,
		FolloweeID: followeeID,
	}
}

// NewUserUnfollowedEvent creates an event for a removed follow edge. The
// worker compacts the followee's entries out of the follower's timeline;
// until then the read path filters them via the suppression tombstone.
func NewUserUnfollowedEvent(followerID, followeeID int64) FeedEvent {
	return FeedEvent{
		Type:       EventUserUnfollowed,
		Timestamp:  time.Now().Unix(),
		FollowerID: followerID,
		FolloweeID: followeeID,
	}
}

// ToMap converts the event to a map for Redis XADD.
// Redis Streams store field-value pairs, so the event is serialized to JSON
// in a "data" field.
func (e FeedEvent) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return map[string]interface{}{
		"type": e.Type,
		"data": string(data),
	}, nil
}

// ParseFeedEvent parses a FeedEvent from Redis stream message values.
func ParseFeedEvent(values map[string]interface{}) (FeedEvent, error) {
	data, ok := values["data"].(string)
	if !ok {
		return FeedEvent{}, fmt.Errorf("missing or invalid 'data' field")
	}

	var event FeedEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return FeedEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return event, nil
}
