package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lichen-social/lichen/internal/httputil"
	"github.com/lichen-social/lichen/internal/model"
	"github.com/lichen-social/lichen/internal/service"
	"github.com/lichen-social/lichen/internal/transport/http/middleware"
)

type FollowHandler struct {
	followService *service.FollowService
}

func NewFollowHandler(followService *service.FollowService) *FollowHandler {
	return &FollowHandler{
		followService: followService,
	}
}

func (h *FollowHandler) Follow(w http.ResponseWriter, r *http.Request) {
	followerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	followeeIDStr := chi.URLParam(r, "id")
	followeeID, err := strconv.ParseInt(followeeIDStr, 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid user ID")
		return
	}

	if err := h.followService.Follow(r.Context(), followerID, followeeID); err != nil {
		switch {
		case errors.Is(err, model.ErrCannotFollowSelf):
			httputil.WriteBadRequest(w, err.Error())
		case errors.Is(err, model.ErrAlreadyFollowing):
			httputil.WriteConflict(w, err.Error())
		case errors.Is(err, model.ErrUserNotFound):
			httputil.WriteNotFound(w, err.Error())
		default:
			log.Printf("[ERROR] Follow handler: %v", err)
			httputil.WriteInternalError(w, "Failed to follow user")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Successfully followed user",
	})
}

func (h *FollowHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	followerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	followeeIDStr := chi.URLParam(r, "id")
	followeeID, err := strconv.ParseInt(followeeIDStr, 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid user ID")
		return
	}

	if err := h.followService.Unfollow(r.Context(), followerID, followeeID); err != nil {
		switch {
		case errors.Is(err, model.ErrNotFollowing):
			httputil.WriteNotFound(w, err.Error())
		default:
			log.Printf("[ERROR] Unfollow handler: %v", err)
			httputil.WriteInternalError(w, "Failed to unfollow user")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Successfully unfollowed user",
	})
}

func (h *FollowHandler) GetFollowers(w http.ResponseWriter, r *http.Request) {
	h.pageList(w, r, h.followService.GetFollowers, "Failed to fetch followers")
}

func (h *FollowHandler) GetFollowing(w http.ResponseWriter, r *http.Request) {
	h.pageList(w, r, h.followService.GetFollowing, "Failed to fetch following")
}

func (h *FollowHandler) pageList(
	w http.ResponseWriter,
	r *http.Request,
	page func(ctx context.Context, userID, viewerID int64, cursor *string, limit int) (*model.FollowListResponse, error),
	failMessage string,
) {
	userIDStr := chi.URLParam(r, "id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid user ID")
		return
	}

	cursor, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	var viewerID int64
	if id, ok := middleware.GetUserIDFromContext(r.Context()); ok {
		viewerID = id
	}

	result, err := page(r.Context(), userID, viewerID, cursor, limit)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCursor) {
			httputil.WriteBadRequest(w, "Invalid cursor format")
			return
		}
		log.Printf("[ERROR] Follow list handler: user=%d err=%v", userID, err)
		httputil.WriteInternalError(w, failMessage)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}
