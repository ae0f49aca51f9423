package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GuestHandler issues guest tokens and reports their balance.
type GuestHandler struct {
	tokens GuestTokens
}

// NewGuestHandler constructs a GuestHandler.
func NewGuestHandler(tokens GuestTokens) *GuestHandler {
	return &GuestHandler{tokens: tokens}
}

// Issue mints a fresh guest token.
func (h *GuestHandler) Issue(c *gin.Context) {
	tok, err := h.tokens.IssueToken()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tok)
}

// Status returns the remaining free checks for the presented token.
func (h *GuestHandler) Status(c *gin.Context) {
	token := strings.TrimSpace(c.GetHeader(HeaderGuestToken))
	if token == "" {
		badRequest(c, "missing guest token")
		return
	}
	grant, err := h.tokens.Status(c.Request.Context(), token)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}
