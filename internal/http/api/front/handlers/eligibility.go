package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/schemewise/governance/internal/verdict"
)

// EligibilityHandler serves eligibility checks and their history.
type EligibilityHandler struct {
	checker Checker
}

// NewEligibilityHandler constructs an EligibilityHandler.
func NewEligibilityHandler(checker Checker) *EligibilityHandler {
	return &EligibilityHandler{checker: checker}
}

type checkRequest struct {
	Profile  verdict.Profile `json:"profile"`
	SchemeID string          `json:"schemeId"`
	Language string          `json:"language"`
}

func bindCheck(c *gin.Context) (checkRequest, bool) {
	var body checkRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid body")
		return checkRequest{}, false
	}
	if strings.TrimSpace(body.Language) == "" {
		body.Language = "en"
	}
	return body, true
}

// Check runs a check for the authenticated user.
func (h *EligibilityHandler) Check(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	body, ok := bindCheck(c)
	if !ok {
		return
	}
	v, err := h.checker.CheckEligibility(c.Request.Context(), userID, body.Profile, body.SchemeID, body.Language)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// PublicCheck runs a guest-limited check.
func (h *EligibilityHandler) PublicCheck(c *gin.Context) {
	token := strings.TrimSpace(c.GetHeader(HeaderGuestToken))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing guest token", "kind": "guest-token-invalid"})
		return
	}
	body, ok := bindCheck(c)
	if !ok {
		return
	}
	res, err := h.checker.CheckEligibilityPublic(c.Request.Context(), token, c.ClientIP(), claimedRemaining(c), body.Profile, body.SchemeID, body.Language)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// History lists the user's recent checks.
func (h *EligibilityHandler) History(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	rows, err := h.checker.History(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checks": rows})
}

type translateRequest struct {
	Verdict  verdict.Verdict `json:"verdict"`
	Language string          `json:"language"`
}

// Translate returns the verdict in the requested language.
func (h *EligibilityHandler) Translate(c *gin.Context) {
	var body translateRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid body")
		return
	}
	v, err := h.checker.TranslateVerdict(c.Request.Context(), getSession(c), getCaller(c), body.Verdict, body.Language)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}
