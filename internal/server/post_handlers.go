package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handlePublishPost(c *gin.Context) {
	var request publishRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	post, err := h.maps.PublishPost(c.Request.Context(), c.GetString(userIDContextKey), request.newPost())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, feed.NewPostPayload(post))
}

// handleToggleLike serves both the client route and the feed API. Only service sessions may
// like on behalf of the user named in the body.
func (h *httpHandler) handleToggleLike(c *gin.Context) {
	var request feed.LikeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	if onBehalf := strings.TrimSpace(request.UserID); onBehalf != "" && onBehalf != userID {
		if !hasRole(c, ServiceRole) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		userID = onBehalf
	}
	likes, liked, err := h.maps.ToggleLike(c.Request.Context(), userID, c.Param("postID"), request.Liked)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, feed.LikeResponse{Likes: likes, Liked: liked})
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	post, err := h.maps.AddComment(c.Request.Context(), c.GetString(userIDContextKey), c.Param("postID"), request.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, feed.NewPostPayload(post))
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	userID := c.Param("userID")
	if userID != c.GetString(userIDContextKey) && !hasRole(c, ServiceRole) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	entries, err := h.feed.FetchFeedWithUsers(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, feed.NewFeedPayload(entries))
}

func (h *httpHandler) handleFetchPost(c *gin.Context) {
	post, err := h.feed.FetchPost(c.Request.Context(), c.Param("postID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, feed.NewPostPayload(post))
}
