package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/geo"
	"github.com/gin-gonic/gin"
)

var worldRegion = geo.Region{MinLatitude: -90, MinLongitude: -180, MaxLatitude: 90, MaxLongitude: 180}

func (h *httpHandler) handleMapView(c *gin.Context) {
	region, err := parseRegion(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_region"})
		return
	}
	userID := c.GetString(userIDContextKey)
	view, err := h.maps.View(c.Request.Context(), userID, region)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newViewPayload(view, h.maps.State(userID)))
}

func (h *httpHandler) handleListAnnotations(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	values, err := h.maps.Annotations(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, annotationsPayload{
		State:       h.maps.State(userID).String(),
		Annotations: newAnnotationPayloads(values),
	})
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	result, err := h.maps.Refresh(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, refreshPayload{Added: result.Added, Skipped: result.Skipped, Failed: result.Failed})
}

func (h *httpHandler) handleRemoveAnnotation(c *gin.Context) {
	if err := h.maps.RemoveAnnotation(c.Request.Context(), c.GetString(userIDContextKey), c.Param("postID")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveAll(c *gin.Context) {
	if err := h.maps.RemoveAll(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClusterMembers(c *gin.Context) {
	members, err := h.maps.Members(c.Request.Context(), c.GetString(userIDContextKey), c.Param("clusterID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": newAnnotationPayloads(members)})
}

func (h *httpHandler) handleSelectMember(c *gin.Context) {
	var request selectRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	selected, err := h.maps.Select(c.Request.Context(), c.GetString(userIDContextKey), c.Param("clusterID"), request.AnnotationID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAnnotationPayload(selected))
}

// parseRegion reads min_lat, min_lng, max_lat and max_lng. A request without any bound covers
// the whole world.
func parseRegion(c *gin.Context) (geo.Region, error) {
	keys := []string{"min_lat", "min_lng", "max_lat", "max_lng"}
	values := make([]float64, 0, len(keys))
	for _, key := range keys {
		raw := strings.TrimSpace(c.Query(key))
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return geo.Region{}, fmt.Errorf("%s: %w", key, err)
		}
		values = append(values, parsed)
	}
	switch len(values) {
	case 0:
		return worldRegion, nil
	case len(keys):
		return geo.NewRegion(values[0], values[1], values[2], values[3])
	default:
		return geo.Region{}, fmt.Errorf("%w: all four bounds required", geo.ErrInvalidRegion)
	}
}
