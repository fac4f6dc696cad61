package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/lichen-social/lichen/internal/httputil"
	"github.com/lichen-social/lichen/internal/model"
	"github.com/lichen-social/lichen/internal/service"
	"github.com/lichen-social/lichen/internal/transport/http/middleware"
)

type FeedHandler struct {
	feedService *service.FeedService
}

func NewFeedHandler(feedService *service.FeedService) *FeedHandler {
	return &FeedHandler{
		feedService: feedService,
	}
}

// GetFeed handles GET /feed
// Returns the paginated home timeline for the authenticated user.
//
// Query params:
//   - cursor: optional, opaque pagination cursor from a previous page
//   - limit: optional, number of posts per page (default 10, max 50)
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	cursor, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	feed, err := h.feedService.GetFeed(r.Context(), userID, cursor, limit)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCursor) {
			httputil.WriteBadRequest(w, "Invalid cursor")
			return
		}
		log.Printf("[ERROR] GetFeed handler: user=%d err=%v", userID, err)
		httputil.WriteInternalError(w, "Failed to get feed")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, feed)
}
