package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/batchupdate"
	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/bookmarks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey    = "bookmarkd_owner_id"
	credentialContextKey = "bookmarkd_credential"
	accessTokenQueryKey  = "access_token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingScheduler        = errors.New("update scheduler dependency required")
	errMissingBookmarkReader   = errors.New("bookmark reader dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

type UpdateScheduler interface {
	ScheduleUpdate(ctx context.Context, request batchupdate.UpdateRequest) (batchupdate.Ack, error)
}

type BookmarkReader interface {
	GetBookmark(ctx context.Context, ownerID bookmarks.OwnerID, bookmarkID bookmarks.BookmarkID) (bookmarks.Bookmark, error)
}

type Dependencies struct {
	Sessions          SessionValidator
	Scheduler         UpdateScheduler
	Bookmarks         BookmarkReader
	Realtime          *RealtimeDispatcher
	Limiter           *CallerLimiter
	Metrics           http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if deps.Bookmarks == nil {
		return nil, errMissingBookmarkReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		scheduler: deps.Scheduler,
		bookmarks: deps.Bookmarks,
		realtime:  deps.Realtime,
		limiter:   deps.Limiter,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/bookmarks")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stream", handler.handleStream)
	protected.POST("/:id/updates", handler.rateLimit, handler.handleScheduleUpdate)
	protected.GET("/:id", handler.handleGetBookmark)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	scheduler UpdateScheduler
	bookmarks BookmarkReader
	realtime  *RealtimeDispatcher
	limiter   *CallerLimiter
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type updateRequestPayload struct {
	Title          *string  `json:"title"`
	Note           *string  `json:"note"`
	URL            *string  `json:"url"`
	Excerpt        *string  `json:"excerpt"`
	CollectionName *string  `json:"collectionName"`
	TagNames       []string `json:"tagNames"`
	FaviconURL     *string  `json:"faviconUrl"`
}

func (p updateRequestPayload) isEmpty() bool {
	return p.Title == nil && p.Note == nil && p.URL == nil && p.Excerpt == nil &&
		p.CollectionName == nil && p.TagNames == nil && p.FaviconURL == nil
}

type scheduleResponsePayload struct {
	Status string `json:"status"`
	Fields int    `json:"fields"`
}

func (h *httpHandler) handleScheduleUpdate(c *gin.Context) {
	credential := c.GetString(credentialContextKey)
	if credential == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload updateRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if payload.isEmpty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_update"})
		return
	}

	ack, err := h.scheduler.ScheduleUpdate(c.Request.Context(), batchupdate.UpdateRequest{
		ResourceID:     c.Param("id"),
		Credential:     credential,
		Title:          payload.Title,
		Note:           payload.Note,
		URL:            payload.URL,
		Excerpt:        payload.Excerpt,
		CollectionName: payload.CollectionName,
		TagNames:       payload.TagNames,
		FaviconURL:     payload.FaviconURL,
	})
	if err != nil {
		if errors.Is(err, batchupdate.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to schedule bookmark update",
			zap.String("bookmark_id", c.Param("id")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "schedule_failed"})
		return
	}

	c.JSON(http.StatusAccepted, scheduleResponsePayload{Status: "scheduled", Fields: ack.Fields})
}

type bookmarkResponsePayload struct {
	BookmarkID     string   `json:"id"`
	URL            string   `json:"url"`
	Title          string   `json:"title"`
	Note           string   `json:"note"`
	Excerpt        string   `json:"excerpt"`
	FaviconURL     string   `json:"faviconUrl"`
	CollectionName string   `json:"collectionName"`
	TagNames       []string `json:"tagNames"`
	Version        int64    `json:"version"`
	UpdatedAt      int64    `json:"updated_at_s"`
}

func (h *httpHandler) handleGetBookmark(c *gin.Context) {
	ownerID, err := bookmarks.NewOwnerID(c.GetString(ownerIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	bookmarkID, err := bookmarks.NewBookmarkID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bookmark_id"})
		return
	}

	record, err := h.bookmarks.GetBookmark(c.Request.Context(), ownerID, bookmarkID)
	if err != nil {
		if errors.Is(err, bookmarks.ErrBookmarkNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("failed to load bookmark", zap.String("bookmark_id", bookmarkID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}

	tagNames := record.TagNames
	if tagNames == nil {
		tagNames = []string{}
	}
	c.JSON(http.StatusOK, bookmarkResponsePayload{
		BookmarkID:     record.BookmarkID,
		URL:            record.URL,
		Title:          record.Title,
		Note:           record.Note,
		Excerpt:        record.Excerpt,
		FaviconURL:     record.FaviconURL,
		CollectionName: record.CollectionName,
		TagNames:       tagNames,
		Version:        record.Version,
		UpdatedAt:      record.UpdatedAtSeconds,
	})
}

type realtimeEventPayload struct {
	BookmarkIDs []string `json:"bookmarkIds,omitempty"`
	Timestamp   string   `json:"timestamp"`
	Source      string   `json:"source"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream_unavailable"})
		return
	}
	ownerID := c.GetString(ownerIDContextKey)

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, ownerID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			h.writeEvent(c, message.EventType, realtimeEventPayload{
				BookmarkIDs: message.BookmarkIDs,
				Timestamp:   message.Timestamp.UTC().Format(time.RFC3339),
				Source:      realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			h.writeEvent(c, realtimeEventHeartbeat, realtimeEventPayload{
				Timestamp: tick.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}

func (h *httpHandler) writeEvent(c *gin.Context, eventType string, payload realtimeEventPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to encode realtime event", zap.Error(err))
		return
	}
	c.SSEvent(eventType, string(data))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.Request)
	if err != nil {
		// event streams cannot set headers from the browser
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, claims.UserID)
	c.Set(credentialContextKey, token)
	c.Next()
}

func (h *httpHandler) rateLimit(c *gin.Context) {
	if !h.limiter.Allow(c.GetString(ownerIDContextKey)) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}
