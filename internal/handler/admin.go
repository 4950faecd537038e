package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/triallabs/trial-guard/internal/config"
	"github.com/triallabs/trial-guard/internal/ledger"
	"github.com/triallabs/trial-guard/internal/repository"
	"github.com/triallabs/trial-guard/internal/service"
)

// Review surface for flagged/blocked identities. Reads go through the
// repository; the flag/block mutations go through the ledger like every
// other write.
type AdminHandler struct {
	auth     *service.AdminAuthService
	visitors *repository.VisitorRepository
	ledger   ledger.Ledger
	policy   config.LimitPolicy
}

func NewAdminHandler(auth *service.AdminAuthService, visitors *repository.VisitorRepository, usageLedger ledger.Ledger, policy config.LimitPolicy) *AdminHandler {
	return &AdminHandler{
		auth:     auth,
		visitors: visitors,
		ledger:   usageLedger,
		policy:   policy,
	}
}

func (h *AdminHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *AdminHandler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=12"`
		Name     string `json:"name"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.auth.Register(c.Request.Context(), req.Email, req.Password, req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Admin created"})
}

// GET /api/v1/admin/visitors/flagged
func (h *AdminHandler) ListFlagged(c *gin.Context) {
	records, err := h.visitors.ListFlagged(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, records)
}

// GET /api/v1/admin/visitors/top
func (h *AdminHandler) TopConsumers(c *gin.Context) {
	records, err := h.visitors.TopConsumers(c.Request.Context(), 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, records)
}

// GET /api/v1/admin/visitors/:origin/:fingerprint/denials
func (h *AdminHandler) DenialHistory(c *gin.Context) {
	events, err := h.visitors.DenialHistory(c.Request.Context(), c.Param("origin"), c.Param("fingerprint"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, events)
}

// GET /api/v1/admin/visitors/:origin/:fingerprint/sessions
func (h *AdminHandler) SessionHistory(c *gin.Context) {
	sessions, err := h.visitors.SessionHistory(c.Request.Context(), c.Param("fingerprint"), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, sessions)
}

// POST /api/v1/admin/visitors/:origin/:fingerprint/block
func (h *AdminHandler) Block(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.ledger.SetBlocked(c.Request.Context(), c.Param("origin"), c.Param("fingerprint"), true, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Visitor blocked"})
}

// POST /api/v1/admin/visitors/:origin/:fingerprint/unblock
func (h *AdminHandler) Unblock(c *gin.Context) {
	err := h.ledger.SetBlocked(c.Request.Context(), c.Param("origin"), c.Param("fingerprint"), false, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Visitor unblocked"})
}

// POST /api/v1/admin/visitors/:origin/:fingerprint/clear-flag
//
// The only path that un-flags an identity: flag promotion is monotonic and
// automated logic never clears it.
func (h *AdminHandler) ClearFlag(c *gin.Context) {
	err := h.ledger.ClearFlag(c.Request.Context(), c.Param("origin"), c.Param("fingerprint"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Flag cleared"})
}

// GET /api/v1/admin/policy
//
// The exact limit values this process loaded at startup, for audit.
func (h *AdminHandler) Policy(c *gin.Context) {
	c.JSON(http.StatusOK, h.policy)
}
