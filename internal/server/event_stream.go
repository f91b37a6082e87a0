package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventStreamReady     = "ready"
	eventStreamHeartbeat = "heartbeat"
)

// handleEventStream relays the user's post events as server-sent events until the client leaves.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	events, cleanup := h.maps.Events().Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(eventStreamReady, gin.H{"userId": userID})
	c.Writer.Flush()

	h.logger.Debug("event stream opened", zap.String("user_id", userID))
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case <-heartbeat.C:
			c.SSEvent(eventStreamHeartbeat, gin.H{"timestamp": h.clock().UTC()})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("user_id", userID))
}
