package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/triallabs/trial-guard/internal/guard"
	"github.com/triallabs/trial-guard/internal/middleware"
)

// Exposes the guarded trial operations to the web frontend. Every endpoint
// maps to exactly one admission check; a denial here is terminal for the
// request and retrying is the client's decision.
type TrialHandler struct {
	guard *guard.Guard
}

func NewTrialHandler(g *guard.Guard) *TrialHandler {
	return &TrialHandler{guard: g}
}

// POST /api/v1/trial/session
func (h *TrialHandler) CreateSession(c *gin.Context) {
	req := middleware.GuardRequest(c)

	decision, session := h.guard.CreateSession(c.Request.Context(), req)
	if !decision.Allowed {
		writeDenial(c, decision)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"allowed":    true,
		"session_id": session.SessionID,
		"expires_at": session.ExpiresAt,
	})
}

// POST /api/v1/trial/session/:id/extend
func (h *TrialHandler) ExtendSession(c *gin.Context) {
	req := middleware.GuardRequest(c)
	req.SessionID = c.Param("id")

	decision, session := h.guard.ExtendSession(c.Request.Context(), req)
	if !decision.Allowed {
		writeDenial(c, decision)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":              true,
		"expires_at":           session.ExpiresAt,
		"extensions_remaining": decision.Remaining,
	})
}

// POST /api/v1/trial/generate
//
// Stand-in for the metered AI operation: the admission check and usage
// recording are real, the generation itself belongs to the caller.
func (h *TrialHandler) Generate(c *gin.Context) {
	req := middleware.GuardRequest(c)

	decision := h.guard.CheckCall(c.Request.Context(), req)
	if !decision.Allowed {
		writeDenial(c, decision)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":   true,
		"remaining": decision.Remaining,
	})
}

// POST /api/v1/trial/project
func (h *TrialHandler) CreateProject(c *gin.Context) {
	req := middleware.GuardRequest(c)

	decision := h.guard.CheckProjectCreate(c.Request.Context(), req)
	if !decision.Allowed {
		writeDenial(c, decision)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"allowed":   true,
		"remaining": decision.Remaining,
	})
}

// Maps a denial to the response contract:
// { allowed, reason, retry_after_seconds?, remaining?, message? }
func writeDenial(c *gin.Context, decision guard.Decision) {
	body := gin.H{
		"allowed": false,
		"reason":  decision.Reason,
	}

	status := http.StatusForbidden
	switch decision.Reason {
	case guard.ReasonRateLimited, guard.ReasonSessionCapReached:
		status = http.StatusTooManyRequests
		body["retry_after_seconds"] = decision.RetryAfterSeconds
		c.Header("Retry-After", fmt.Sprintf("%d", decision.RetryAfterSeconds))
	case guard.ReasonSessionQuotaExhausted, guard.ReasonGlobalQuotaExhausted, guard.ReasonProjectQuotaExhausted:
		body["message"] = "Trial limit reached - create an account to continue"
	case guard.ReasonSessionExpired:
		body["message"] = "Trial session has expired"
	case guard.ReasonExtensionCapReached:
		body["message"] = "No extensions remaining for this session"
	case guard.ReasonBlocked:
		// Opaque on purpose: no remediation detail for blocked callers.
	case guard.ReasonStoreUnavailable:
		status = http.StatusServiceUnavailable
		body["message"] = "Service temporarily unavailable"
	}

	c.JSON(status, body)
}
