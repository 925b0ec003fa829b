package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
	"github.com/MarcoPoloResearchLab/melowod/internal/auth"
	"github.com/MarcoPoloResearchLab/melowod/internal/cache"
	"github.com/MarcoPoloResearchLab/melowod/internal/gamification"
	"github.com/MarcoPoloResearchLab/melowod/internal/store"
	"github.com/MarcoPoloResearchLab/melowod/internal/triggers"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "melowod_user_id"
	defaultHeartbeatInterval = 30 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingStore            = errors.New("store dependency required")
	errMissingCache            = errors.New("cache dependency required")
	errMissingEngines          = errors.New("engine registry dependency required")
	errMissingEvents           = errors.New("event publisher dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// EventPublisher emits document-created events. *triggers.Bus satisfies it.
type EventPublisher interface {
	Publish(eventType, path string, payload any) (triggers.Event, error)
}

// Limiter admits requests per key, evaluated at the request clock.
type Limiter interface {
	AllowAt(key string, at time.Time) bool
}

type Dependencies struct {
	Sessions   SessionValidator
	Users      UserResolver
	Store      *store.Store
	Cache      *cache.Cache
	Engines    *gamification.Registry
	Events     EventPublisher
	Limiter    Limiter
	Version    string
	Heartbeat  time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
	CORSOrigin []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserResolver
	case deps.Store == nil:
		return nil, errMissingStore
	case deps.Cache == nil:
		return nil, errMissingCache
	case deps.Engines == nil:
		return nil, errMissingEngines
	case deps.Events == nil:
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSOrigin...))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		users:     deps.Users,
		store:     deps.Store,
		cache:     deps.Cache,
		engines:   deps.Engines,
		events:    deps.Events,
		live:      newLiveDocuments(deps.Cache, logger),
		limiter:   deps.Limiter,
		version:   deps.Version,
		heartbeat: heartbeat,
		clock:     clock,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/results", handler.handleCreateResult)
	protected.GET("/me/stats", handler.handleStats)
	protected.GET("/me/progress", handler.handleProgress)
	protected.GET("/me/points", handler.handlePoints)
	protected.POST("/me/achievements/check", handler.handleCheckAchievements)
	protected.GET("/me/events", handler.handleEvents)
	protected.GET("/achievements", handler.handleAchievements)
	protected.GET("/rankings/:date", handler.handleRankings)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "If-None-Match"},
		ExposeHeaders:    []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) > 0 {
		config.AllowOrigins = origins
	} else {
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	users     UserResolver
	store     *store.Store
	cache     *cache.Cache
	engines   *gamification.Registry
	events    EventPublisher
	live      *liveDocuments
	limiter   Limiter
	version   string
	heartbeat time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	payload := gin.H{"status": "ok"}
	if h.version != "" {
		payload["version"] = h.version
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func errorBody(err error) errorPayload {
	code := apperrors.CodeOf(err)
	return errorPayload{Error: string(code), Message: apperrors.UserMessage(err)}
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	c.JSON(status, errorBody(err))
}
