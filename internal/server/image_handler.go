package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const imageCacheControl = "private, max-age=86400"

// handleImage serves an image of an annotation on the caller's map through the two-tier cache,
// downloading it on a full miss.
func (h *httpHandler) handleImage(c *gin.Context) {
	rawURL := strings.TrimSpace(c.Query("url"))
	if rawURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	img, err := h.maps.Image(c.Request.Context(), c.GetString(userIDContextKey), rawURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", imageCacheControl)
	c.Data(http.StatusOK, img.ContentType, img.Data)
}
