package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/lichen-social/lichen/internal/cursor"
	"github.com/lichen-social/lichen/internal/model"
	"github.com/lichen-social/lichen/internal/queue"
	"github.com/lichen-social/lichen/internal/repository"
)

type PostService struct {
	postRepo  repository.PostRepository
	userRepo  repository.UserRepository
	publisher queue.Publisher

	profileDefaultLimit int
	profileMaxLimit     int
}

func NewPostService(
	postRepo repository.PostRepository,
	userRepo repository.UserRepository,
	publisher queue.Publisher,
	defaultLimit, maxLimit int,
) *PostService {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	if maxLimit <= 0 {
		maxLimit = 50
	}
	return &PostService{
		postRepo:            postRepo,
		userRepo:            userRepo,
		publisher:           publisher,
		profileDefaultLimit: defaultLimit,
		profileMaxLimit:     maxLimit,
	}
}

// Create validates and stores a new post, then publishes the fan-out event.
// Validation failures reject the request before anything is written.
func (s *PostService) Create(ctx context.Context, userID int64, req model.CreatePostRequest) (*model.Post, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, model.ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > model.MaxPostContentLength {
		return nil, model.ErrContentTooLong
	}

	post, err := s.postRepo.Create(ctx, userID, content)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}

	// Publish for async fan-out. Failure is logged, not surfaced: the post
	// exists and the timeline warm path will still pick it up.
	event := queue.NewPostCreatedEvent(post.ID, userID, post.CreatedAt)
	if _, err := s.publisher.Publish(ctx, queue.StreamTimeline, event); err != nil {
		log.Printf("[PostService] Failed to publish PostCreated event: post=%d err=%v", post.ID, err)
	}

	author, err := s.userRepo.GetByID(ctx, userID)
	if err == nil {
		post.Author = &model.UserSummary{ID: author.ID, Username: author.Username}
	}

	return post, nil
}

// GetByID retrieves a single post.
func (s *PostService) GetByID(ctx context.Context, postID int64) (*model.Post, error) {
	post, err := s.postRepo.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}

	author, err := s.userRepo.GetByID(ctx, post.UserID)
	if err == nil {
		post.Author = &model.UserSummary{ID: author.ID, Username: author.Username}
	}

	return post, nil
}

// Delete soft-deletes a post (validating ownership) and publishes the
// async removal event. The soft delete is immediately visible to every
// hydrated read, so the author gets read-after-write while follower
// timelines converge in the background.
func (s *PostService) Delete(ctx context.Context, postID, userID int64) error {
	if err := s.postRepo.Delete(ctx, postID, userID); err != nil {
		return err
	}

	event := queue.NewPostDeletedEvent(postID, userID)
	if _, err := s.publisher.Publish(ctx, queue.StreamTimeline, event); err != nil {
		log.Printf("[PostService] Failed to publish PostDeleted event: post=%d err=%v", postID, err)
	}

	return nil
}

// GetUserPosts pages one author's stream (profile view), newest first. This
// is also the escape hatch for history older than the backfill window,
// which never enters follower timelines.
func (s *PostService) GetUserPosts(ctx context.Context, userID int64, cursorStr *string, limit int) (*model.PostListResponse, error) {
	if limit <= 0 {
		limit = s.profileDefaultLimit
	}
	if limit > s.profileMaxLimit {
		limit = s.profileMaxLimit
	}

	var before *cursor.Cursor
	if cursorStr != nil {
		c, err := cursor.Decode(*cursorStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidCursor, err)
		}
		before = &c
	}

	// limit+1 trick: the extra row tells us whether another page exists
	posts, err := s.postRepo.PostsByAuthor(ctx, userID, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("posts by author: %w", err)
	}

	hasMore := len(posts) > limit
	if hasMore {
		posts = posts[:limit]
	}

	var nextCursor *string
	if hasMore {
		last := posts[len(posts)-1]
		c := cursor.Encode(last.CreatedAt.Unix(), last.ID)
		nextCursor = &c
	}
	if posts == nil {
		posts = []model.Post{}
	}

	return &model.PostListResponse{
		Posts:      posts,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
