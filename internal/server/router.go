package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/auth"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/clustering"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/geo"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/imagecache"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/maps"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "findmyfood_user_id"
	rolesContextKey  = "findmyfood_user_roles"

	// ServiceRole marks session tokens that may act on behalf of any user through the feed API.
	ServiceRole = "feed-service"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingMapService       = errors.New("map service dependency required")
	errMissingImageStore       = errors.New("image store dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto the canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// Dependencies lists the collaborators of the HTTP handler. Feed is optional; when set the
// feed API consumed by remote map servers is exposed under /api.
type Dependencies struct {
	SessionValidator  SessionValidator
	SessionCookie     string
	Users             UserResolver
	Maps              *maps.Service
	Feed              feed.Source
	Images            *imagecache.Store
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router serving the map API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Maps == nil {
		return nil, errMissingMapService
	}
	if deps.Images == nil {
		return nil, errMissingImageStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:      deps.SessionValidator,
		sessionCookie: strings.TrimSpace(deps.SessionCookie),
		users:         deps.Users,
		maps:          deps.Maps,
		feed:          deps.Feed,
		images:        deps.Images,
		heartbeat:     heartbeat,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/map", handler.handleMapView)
	protected.GET("/map/annotations", handler.handleListAnnotations)
	protected.POST("/map/refresh", handler.handleRefresh)
	protected.DELETE("/map/annotations", handler.handleRemoveAll)
	protected.DELETE("/map/annotations/:postID", handler.handleRemoveAnnotation)
	protected.GET("/map/clusters/:clusterID", handler.handleClusterMembers)
	protected.POST("/map/clusters/:clusterID/select", handler.handleSelectMember)
	protected.GET("/map/events", handler.handleEventStream)
	protected.POST("/posts", handler.handlePublishPost)
	protected.POST("/posts/:postID/like", handler.handleToggleLike)
	protected.POST("/posts/:postID/comments", handler.handleAddComment)
	protected.GET("/images", handler.handleImage)
	protected.POST("/auth/logout", handler.handleLogout)

	if deps.Feed != nil {
		api := protected.Group("/api")
		api.GET("/users/:userID/feed", handler.handleFeed)
		api.GET("/posts/:postID", handler.handleFetchPost)
		api.POST("/posts/:postID/like", handler.handleToggleLike)
	}

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions      SessionValidator
	sessionCookie string
	users         UserResolver
	maps          *maps.Service
	feed          feed.Source
	images        *imagecache.Store
	heartbeat     time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.images.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"imageMemoryItems": stats.MemoryItems,
		"imageMemoryBytes": stats.MemoryBytes,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID := strings.TrimSpace(claims.UserID)
	if h.users != nil {
		resolved, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
		if err != nil {
			h.logger.Warn("user resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userID = resolved
	}
	c.Set(userIDContextKey, userID)
	c.Set(rolesContextKey, claims.UserRoles)
	c.Next()
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.maps.Logout(userID); err != nil {
		h.writeError(c, err)
		return
	}
	if h.sessionCookie != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(h.sessionCookie, "", -1, "/", "", c.Request.TLS != nil, true)
	}
	c.Status(http.StatusNoContent)
}

func hasRole(c *gin.Context, role string) bool {
	roles, _ := c.Get(rolesContextKey)
	values, _ := roles.([]string)
	return slices.Contains(values, role)
}

// writeError maps domain errors onto HTTP statuses and reports the error code.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorCode(err)})
}

func statusForError(err error) int {
	var transportErr *imagecache.TransportError
	var decodeErr *imagecache.DecodeError
	switch {
	case errors.Is(err, maps.ErrInvalidUserID),
		errors.Is(err, feed.ErrInvalidPost),
		errors.Is(err, feed.ErrInvalidID),
		errors.Is(err, geo.ErrInvalidLocation),
		errors.Is(err, geo.ErrInvalidRegion):
		return http.StatusBadRequest
	case errors.Is(err, maps.ErrAnnotationNotFound),
		errors.Is(err, maps.ErrImageNotOnMap),
		errors.Is(err, clustering.ErrClusterNotFound),
		errors.Is(err, clustering.ErrMemberNotFound),
		errors.Is(err, feed.ErrPostNotFound),
		errors.Is(err, feed.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, maps.ErrPublishingUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &transportErr), errors.As(err, &decodeErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	switch statusForError(err) {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadGateway:
		return "upstream_failed"
	default:
		return "internal_error"
	}
}
