// Package api wires the HTTP surface spec.md §6 enumerates onto gin, the
// teacher's transport of choice. Every handler here is a thin adapter: all
// decision logic lives in internal/token, internal/shuffler,
// internal/collector, internal/reducer, and internal/store.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/privanalytics/internal/apierr"
	"github.com/rawblock/privanalytics/internal/collector"
	"github.com/rawblock/privanalytics/internal/metrics"
	"github.com/rawblock/privanalytics/internal/models"
	"github.com/rawblock/privanalytics/internal/reducer"
	"github.com/rawblock/privanalytics/internal/shuffler"
	"github.com/rawblock/privanalytics/internal/store"
	"github.com/rawblock/privanalytics/internal/token"
)

// Handler holds every collaborator the HTTP surface dispatches into.
type Handler struct {
	Tokens    *token.Service
	Shuffler  *shuffler.Shuffler
	Collector *collector.Collector
	Reducer   *reducer.Reducer
	Store     store.Store
	Hub       *Hub

	AllowedOrigins       string // comma-separated allow-list; "" or "*" means any
	AdminAuthToken       string
	LiveWatermarkSeconds int
	CSPHeaderValue       string
}

// SetupRouter builds the gin engine, grouping public and admin-protected
// routes the same way the teacher's SetupRouter does.
func SetupRouter(h *Handler, ginMode string) *gin.Engine {
	r := gin.Default()
	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware(h.AllowedOrigins))
	r.Use(securityHeadersMiddleware(h.CSPHeaderValue))

	r.POST("/upload-token", h.handleIssueToken)
	r.POST("/shuffle", h.handleShuffle)
	r.GET("/aggregate", h.handleAggregate)
	r.GET("/health/liveness", h.handleLiveness)
	r.GET("/health/readiness", h.handleReadiness)
	r.GET("/stream", h.Hub.Subscribe)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	admin := r.Group("/")
	admin.Use(AdminAuthMiddleware(h.AdminAuthToken, ginMode))
	{
		admin.POST("/admin/revoke-token", h.handleRevokeToken)
		admin.POST("/admin/revoke-tokens", h.handleRevokeTokens)
		admin.POST("/admin/reduce", h.handleReduceOnDemand)
		admin.POST("/collect", h.handleCollect)
	}

	return r
}

// requestIDMiddleware stamps every request with a UUID, echoed back as
// X-Request-ID so an operator can correlate a client report with the
// [Shuffler]/[Reducer]-prefixed log lines it produced.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Writer.Header().Set("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

// corsMiddleware mirrors the teacher's ALLOWED_ORIGINS allow-list CORS
// handling in internal/api/routes.go's SetupRouter.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Bypass-Delay")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// securityHeadersMiddleware sets the CSP header spec.md §6 enumerates as a
// configuration value.
func securityHeadersMiddleware(csp string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if csp != "" {
			c.Writer.Header().Set("Content-Security-Policy", csp)
		}
		c.Next()
	}
}

// handleIssueToken implements POST /upload-token.
func (h *Handler) handleIssueToken(c *gin.Context) {
	var body struct {
		SiteID        string  `json:"site_id" binding:"required"`
		AllowedOrigin string  `json:"allowed_origin" binding:"required"`
		EpsilonBudget float64 `json:"epsilon_budget"`
		SamplingRate  float64 `json:"sampling_rate"`
		TTLSeconds    int     `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.Tokens.Issue(c.Request.Context(), token.IssueRequest{
		SiteID:        body.SiteID,
		AllowedOrigin: body.AllowedOrigin,
		EpsilonBudget: body.EpsilonBudget,
		SamplingRate:  body.SamplingRate,
		TTLSeconds:    body.TTLSeconds,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      result.Token,
		"expires_at": result.ExpiresAt,
		"jti":        result.JTI,
	})
}

// handleShuffle implements POST /shuffle.
func (h *Handler) handleShuffle(c *gin.Context) {
	var body models.BatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	req := shuffler.HandleRequest{
		Token:       body.Token,
		Origin:      c.Request.Header.Get("Origin"),
		SourceIP:    c.ClientIP(),
		Nonce:       body.Nonce,
		Batch:       body.Batch,
		BypassDelay: c.GetHeader("X-Bypass-Delay") != "",
	}

	if err := h.Shuffler.Handle(c.Request.Context(), req); err != nil {
		writeError(c, err)
		return
	}

	if h.Hub != nil && len(body.Batch) > 0 {
		h.Hub.BroadcastBatchAccepted(body.Batch[0].SiteID, len(body.Batch))
	}
	c.Status(http.StatusAccepted)
}

// handleCollect implements POST /collect, the internal hand-off the Shuffler
// otherwise calls in-process; exposed over HTTP only for an operator running
// the Collector as a separate deployable, gated behind AdminAuthMiddleware.
func (h *Handler) handleCollect(c *gin.Context) {
	var body struct {
		SiteID           string                    `json:"site_id" binding:"required"`
		ServerReceivedAt time.Time                 `json:"server_received_at"`
		Reports          []models.PrivatizedEvent `json:"reports"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.ServerReceivedAt.IsZero() {
		body.ServerReceivedAt = time.Now().UTC()
	}

	if err := h.Collector.Ingest(c.Request.Context(), collector.Request{
		SiteID:           body.SiteID,
		ServerReceivedAt: body.ServerReceivedAt,
		Reports:          body.Reports,
	}); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// handleRevokeToken implements POST /admin/revoke-token.
func (h *Handler) handleRevokeToken(c *gin.Context) {
	var body struct {
		JTI       string `json:"jti"`
		TokenHash string `json:"token_hash"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || (body.JTI == "" && body.TokenHash == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jti or token_hash required"})
		return
	}

	var (
		affected int64
		err      error
	)
	if body.JTI != "" {
		affected, err = h.Tokens.RevokeByJTI(c.Request.Context(), body.JTI)
	} else {
		affected, err = h.Tokens.RevokeByHash(c.Request.Context(), body.TokenHash)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if affected == 0 {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleReduceOnDemand implements POST /admin/reduce, the on-demand trigger
// spec.md §4.6 describes alongside the reducer's periodic schedule. Body:
// {"start_day": "2026-07-01", "end_day": "2026-07-01"}.
func (h *Handler) handleReduceOnDemand(c *gin.Context) {
	var body struct {
		StartDay string `json:"start_day" binding:"required"`
		EndDay   string `json:"end_day" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_day and end_day (YYYY-MM-DD) are required"})
		return
	}

	start, err := time.Parse("2006-01-02", body.StartDay)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_day must be YYYY-MM-DD"})
		return
	}
	end, err := time.Parse("2006-01-02", body.EndDay)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end_day must be YYYY-MM-DD"})
		return
	}

	if err := h.Reducer.Run(c.Request.Context(), start, end); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// handleRevokeTokens implements POST /admin/revoke-tokens.
func (h *Handler) handleRevokeTokens(c *gin.Context) {
	var body struct {
		SiteID string `json:"site_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "site_id required"})
		return
	}
	if _, err := h.Tokens.RevokeBySite(c.Request.Context(), body.SiteID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAggregate implements GET /aggregate?site_id&metric&window=live|standard,
// a SPEC_FULL.md supplement sourced from the original implementation's
// routers/aggregates.py: "live" restricts to windows starting within the
// configured watermark; "standard" returns everything.
func (h *Handler) handleAggregate(c *gin.Context) {
	siteID := c.Query("site_id")
	metric := c.Query("metric")
	windowKind := c.DefaultQuery("window", "standard")
	if siteID == "" || metric == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "site_id and metric are required"})
		return
	}

	var since *time.Time
	if windowKind == "live" {
		cutoff := time.Now().UTC().Add(-time.Duration(h.LiveWatermarkSeconds) * time.Second)
		since = &cutoff
	} else if windowKind != "standard" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "window must be live or standard"})
		return
	}

	windows, err := h.Store.WindowsForSite(c.Request.Context(), siteID, metric, since)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"site_id": siteID,
		"metric":  metric,
		"window":  windowKind,
		"points":  windows,
	})
}

func (h *Handler) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleReadiness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps a typed *apierr.Error to the status codes spec.md §7
// enumerates. Unrecognized errors (TransientDB-equivalent) surface as 500;
// the reducer's scheduler, not this layer, is responsible for retrying.
func writeError(c *gin.Context, err error) {
	typed, ok := apierr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	switch typed.Kind {
	case apierr.KindInvalidToken, apierr.KindExpired, apierr.KindRevoked, apierr.KindOriginMismatch:
		// Per spec.md §7: no sub-kind leaked in the body, only the status.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case apierr.KindReplay:
		c.JSON(http.StatusConflict, gin.H{"error": "replay detected"})
	case apierr.KindRateLimited:
		c.Header("Retry-After", strconv.Itoa(60))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
	case apierr.KindPlanForbidden:
		c.JSON(http.StatusForbidden, gin.H{"error": "plan forbids this ingestion path"})
	case apierr.KindInvalidInput:
		c.JSON(http.StatusBadRequest, gin.H{"error": typed.Message})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
