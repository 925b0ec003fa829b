package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
	"github.com/MarcoPoloResearchLab/melowod/internal/cache"
	"github.com/MarcoPoloResearchLab/melowod/internal/gamification"
	"github.com/MarcoPoloResearchLab/melowod/internal/store"
	"github.com/MarcoPoloResearchLab/melowod/internal/triggers"
	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	opCreateResult = "server.create_result"
	opStats        = "server.stats"
	opProgress     = "server.progress"
	opCheck        = "server.check_achievements"
	opAchievements = "server.achievements"
	opRankings     = "server.rankings"
	opEvents       = "server.events"
	opPoints       = "server.points"
)

type resultRequestPayload struct {
	WodID       string   `json:"wod_id"`
	Score       *float64 `json:"score"`
	Level       string   `json:"level"`
	ScoringType string   `json:"scoring_type"`
	Notes       string   `json:"notes"`
}

type resultResponsePayload struct {
	Result            wod.Result                   `json:"result"`
	Gamification      *gamification.WorkoutOutcome `json:"gamification,omitempty"`
	GamificationError *errorPayload                `json:"gamification_error,omitempty"`
}

func (h *httpHandler) handleCreateResult(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if h.limiter != nil && !h.limiter.AllowAt(userID, h.clock()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	var request resultRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Score == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	level, err := wod.ParseDifficulty(request.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_level"})
		return
	}
	resultID, err := triggers.NewEventID()
	if err != nil {
		h.writeError(c, opCreateResult, apperrors.Wrap(apperrors.CodeInternal, opCreateResult, err))
		return
	}
	result := wod.Result{
		ID:          resultID,
		UserID:      userID,
		WodID:       strings.TrimSpace(request.WodID),
		Score:       *request.Score,
		Level:       level,
		ScoringType: wod.ScoringType(strings.ToLower(strings.TrimSpace(request.ScoringType))),
		Notes:       request.Notes,
		CreatedAt:   h.clock().UTC(),
	}

	ctx := c.Request.Context()
	if err := h.store.CreateResult(ctx, result); err != nil {
		h.writeError(c, opCreateResult, err)
		return
	}
	if _, err := h.events.Publish(triggers.EventWodResultCreated, store.ResultPath(result.ID), result); err != nil {
		h.logger.Error("failed to publish result event",
			zap.String("operation", opCreateResult),
			zap.String("result_id", result.ID),
			zap.Error(err))
	}

	response := resultResponsePayload{Result: result}
	outcome, err := h.recordWorkout(ctx, result)
	if err != nil {
		body := errorBody(err)
		response.GamificationError = &body
		h.logger.Warn("gamification update failed",
			zap.String("user_id", userID),
			zap.String("result_id", result.ID),
			zap.Error(err))
		if outcome.State.UserID != "" {
			response.Gamification = &outcome
		}
	} else {
		response.Gamification = &outcome
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) recordWorkout(ctx context.Context, result wod.Result) (gamification.WorkoutOutcome, error) {
	engine, err := h.engines.Engine(ctx, result.UserID)
	if err != nil {
		return gamification.WorkoutOutcome{}, err
	}
	outcome, err := engine.RecordWorkout(ctx, result)
	if err != nil {
		outcome.State = engine.State()
		// The next request reloads the engine from what was actually stored.
		h.engines.Forget(result.UserID)
	}
	return outcome, err
}

func (h *httpHandler) handleStats(c *gin.Context) {
	h.serveDocument(c, opStats, store.StatsPath(c.GetString(userIDContextKey)), 0)
}

func (h *httpHandler) handlePoints(c *gin.Context) {
	limit := store.PointHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, store.PointHistoryLimit)
	}
	userID := c.GetString(userIDContextKey)
	events, err := cache.GetJSON(c.Request.Context(), h.cache, store.PointHistoryPath(userID), func(ctx context.Context) ([]store.PointEvent, error) {
		return h.store.PointHistory(ctx, userID, store.PointHistoryLimit)
	}, cache.GetOptions{})
	if err != nil {
		h.writeError(c, opPoints, err)
		return
	}
	if events == nil {
		events = []store.PointEvent{}
	}
	if len(events) > limit {
		events = events[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *httpHandler) handleRankings(c *gin.Context) {
	date := c.Param("date")
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}
	// Past rankings never change once computed.
	ttl := time.Duration(0)
	if h.clock().UTC().Sub(day) > 48*time.Hour {
		ttl = 24 * time.Hour
	}
	h.serveDocument(c, opRankings, store.RankingPath(date), ttl)
}

func (h *httpHandler) serveDocument(c *gin.Context, operation, path string, ttl time.Duration) {
	entry, err := h.cache.Get(c.Request.Context(), path, func(ctx context.Context) ([]byte, error) {
		return h.store.Document(ctx, path)
	}, cache.GetOptions{ExpiresIn: ttl})
	if err != nil {
		h.writeError(c, operation, err)
		return
	}
	etag := `"` + entry.Hash + `"`
	c.Header("ETag", etag)
	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", entry.Data)
}

func (h *httpHandler) engine(c *gin.Context, operation string) (*gamification.Engine, bool) {
	engine, err := h.engines.Engine(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, operation, err)
		return nil, false
	}
	return engine, true
}

func (h *httpHandler) handleProgress(c *gin.Context) {
	engine, ok := h.engine(c, opProgress)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, engine.State())
}

type checkResponsePayload struct {
	Unlocked []gamification.Achievement `json:"unlocked"`
	State    gamification.State         `json:"state"`
}

func (h *httpHandler) handleCheckAchievements(c *gin.Context) {
	engine, ok := h.engine(c, opCheck)
	if !ok {
		return
	}
	unlocked, err := engine.CheckAchievements(c.Request.Context())
	if err != nil {
		h.writeError(c, opCheck, err)
		return
	}
	if unlocked == nil {
		unlocked = []gamification.Achievement{}
	}
	c.JSON(http.StatusOK, checkResponsePayload{Unlocked: unlocked, State: engine.State()})
}

type achievementPayload struct {
	gamification.Achievement
	Unlocked   bool                  `json:"unlocked"`
	UnlockedAt *time.Time            `json:"unlockedAt,omitempty"`
	Progress   gamification.Progress `json:"progress"`
}

func (h *httpHandler) handleAchievements(c *gin.Context) {
	engine, ok := h.engine(c, opAchievements)
	if !ok {
		return
	}
	facts, err := engine.Facts(c.Request.Context())
	if err != nil {
		h.writeError(c, opAchievements, err)
		return
	}
	unlockedAt := make(map[string]time.Time)
	for _, unlocked := range engine.State().Unlocked {
		unlockedAt[unlocked.AchievementID] = unlocked.UnlockedAt
	}
	catalog := engine.Catalog()
	response := make([]achievementPayload, 0, len(catalog))
	for _, achievement := range catalog {
		entry := achievementPayload{Achievement: achievement, Progress: achievement.Requirement.ProgressOf(facts)}
		if at, ok := unlockedAt[achievement.ID]; ok {
			entry.Unlocked = true
			entry.UnlockedAt = &at
		}
		response = append(response, entry)
	}
	c.JSON(http.StatusOK, gin.H{"achievements": response})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	path := store.StatsPath(userID)
	ctx := c.Request.Context()

	stream, release, err := h.live.listen(path)
	if err != nil {
		h.writeError(c, opEvents, apperrors.Wrap(apperrors.CodeUnavailable, opEvents, err))
		return
	}
	defer release()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	snapshot, err := h.cache.Get(ctx, path, func(ctx context.Context) ([]byte, error) {
		return h.store.Document(ctx, path)
	}, cache.GetOptions{})
	if err == nil {
		h.sendEvent(c, "stats", snapshot.Data)
	} else if !apperrors.IsNotFound(err) {
		h.logger.Warn("stats snapshot failed", zap.String("user_id", userID), zap.Error(err))
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-stream:
			if !ok {
				return
			}
			h.sendEvent(c, "stats", data)
		case <-heartbeat.C:
			h.sendEvent(c, "heartbeat", []byte(`{}`))
		}
	}
}

func (h *httpHandler) sendEvent(c *gin.Context, name string, data []byte) {
	c.SSEvent(name, json.RawMessage(data))
	c.Writer.Flush()
}
