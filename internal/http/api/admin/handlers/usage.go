package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/models"
)

// UsageReader is the read side of the usage ledger.
type UsageReader interface {
	Get(ctx context.Context, service string) (models.UsageLedger, error)
	List(ctx context.Context) ([]models.UsageLedger, error)
	CheckQuota(ctx context.Context, service string, estimate float64) (bool, error)
}

// UsageHandler serves the usage dashboard endpoints.
type UsageHandler struct {
	ledger UsageReader
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(ledger UsageReader) *UsageHandler {
	return &UsageHandler{ledger: ledger}
}

// List returns every ledger entry.
func (h *UsageHandler) List(c *gin.Context) {
	entries, err := h.ledger.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": entries})
}

// Get returns one service's entry with today's counters adjusted to the current day.
func (h *UsageHandler) Get(c *gin.Context) {
	entry, err := h.ledger.Get(c.Request.Context(), c.Param("service"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Quota reports whether an estimated call would fit under the service's daily limit.
func (h *UsageHandler) Quota(c *gin.Context) {
	estimate := 0.0
	if raw := strings.TrimSpace(c.Query("estimate")); raw != "" {
		v, errParse := strconv.ParseFloat(raw, 64)
		if errParse != nil || v < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid estimate", "kind": string(apperr.KindInvalidInput)})
			return
		}
		estimate = v
	}
	service := c.Param("service")
	allowed, err := h.ledger.CheckQuota(c.Request.Context(), service, estimate)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": service, "estimate": estimate, "allowed": allowed})
}

func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	message := err.Error()
	if kind == apperr.KindInternal {
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message, "kind": string(kind)})
}
