package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/triallabs/trial-guard/internal/healthcheck"
)

type SystemHandler struct {
	checker *healthcheck.Checker
}

func NewSystemHandler(checker *healthcheck.Checker) *SystemHandler {
	return &SystemHandler{checker: checker}
}

// GET /health
//
// Unhealthy stores mean admission is currently failing closed, so report 503.
func (h *SystemHandler) Health(c *gin.Context) {
	overall := h.checker.OverallHealth()

	status := http.StatusOK
	if !overall.Healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, overall)
}
