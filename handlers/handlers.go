package handlers

import (
	"net/http"
	"time"

	"polymarket-mirror/signing"
	"polymarket-mirror/storage"
	"polymarket-mirror/syncer"

	"github.com/gin-gonic/gin"
)

// Handler handles HTTP requests
type Handler struct {
	store          storage.DataStore
	authority      *signing.Authority
	tradingBreaker *syncer.TradingBreaker
	startedAt      time.Time
}

// NewHandler creates a new handler
func NewHandler(store storage.DataStore, authority *signing.Authority, tradingBreaker *syncer.TradingBreaker) *Handler {
	return &Handler{
		store:          store,
		authority:      authority,
		tradingBreaker: tradingBreaker,
		startedAt:      time.Now(),
	}
}

// Health reports liveness and the position of both breakers.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"uptime":          time.Since(h.startedAt).String(),
		"tradingBreaker":  string(h.tradingBreaker.State()),
		"signingBreaker":  string(h.authority.BreakerState()),
		"signingProvider": h.authority.ProviderName(),
	})
}

// GetStats returns copy attempt counts grouped by status.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.GetCopyStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetSigningStats returns rate limiter occupancy and breaker state.
func (h *Handler) GetSigningStats(c *gin.Context) {
	limiter := h.authority.LimiterStats()
	c.JSON(http.StatusOK, gin.H{
		"provider":    h.authority.ProviderName(),
		"breaker":     string(h.authority.BreakerState()),
		"globalCount": limiter.GlobalCount,
		"activeUsers": limiter.ActiveUsers,
	})
}

// GetBreakerStats reports the position of both circuit breakers.
func (h *Handler) GetBreakerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"trading": string(h.tradingBreaker.State()),
		"signing": string(h.authority.BreakerState()),
	})
}

// GetAttempt returns one copy attempt for debugging.
func (h *Handler) GetAttempt(c *gin.Context) {
	userID := c.Param("userId")
	eventID := c.Param("eventId")
	if userID == "" || eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId and eventId required"})
		return
	}

	attempt, err := h.store.GetCopyAttempt(c.Request.Context(), userID, eventID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load attempt"})
		return
	}
	if attempt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attempt not found"})
		return
	}
	c.JSON(http.StatusOK, attempt)
}

// RegisterRoutes attaches all endpoints to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/stats", h.GetStats)
	r.GET("/stats/signing", h.GetSigningStats)
	r.GET("/stats/breakers", h.GetBreakerStats)
	r.GET("/attempts/:userId/:eventId", h.GetAttempt)
}
