package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/audio"
	"github.com/schemewise/governance/internal/eligibility"
	"github.com/schemewise/governance/internal/guest"
	"github.com/schemewise/governance/internal/models"
	"github.com/schemewise/governance/internal/verdict"
	log "github.com/sirupsen/logrus"
)

const (
	// HeaderGuestToken carries the anonymous caller's signed token.
	HeaderGuestToken = "X-Guest-Token"
	// HeaderGuestRemaining carries the client's advisory view of its remaining free checks.
	HeaderGuestRemaining = "X-Guest-Remaining"

	retryAfterSeconds = "5"
)

// Checker is the eligibility surface the handlers need.
type Checker interface {
	CheckEligibility(ctx context.Context, userID uint64, profile verdict.Profile, schemeID, language string) (verdict.Verdict, error)
	CheckEligibilityPublic(ctx context.Context, guestToken, client string, claimedRemaining *int, profile verdict.Profile, schemeID, language string) (eligibility.PublicResult, error)
	History(ctx context.Context, userID uint64, limit int) ([]models.EligibilityCheck, error)
	TranslateVerdict(ctx context.Context, session string, caller eligibility.Caller, v verdict.Verdict, language string) (verdict.Verdict, error)
	SynthesizeSpeech(ctx context.Context, session string, caller eligibility.Caller, text, language string) (audio.Handle, error)
	EndSession(ctx context.Context, session string) error
}

// GuestTokens issues and inspects guest tokens.
type GuestTokens interface {
	IssueToken() (guest.Token, error)
	Status(ctx context.Context, token string) (guest.Grant, error)
}

// getUserID extracts the user ID from gin context.
func getUserID(c *gin.Context) uint64 {
	val, exists := c.Get("userID")
	if !exists {
		return 0
	}
	switch v := val.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case uint:
		return uint64(v)
	case int:
		return uint64(v)
	default:
		return 0
	}
}

// getCaller returns whoever the request is metered against.
func getCaller(c *gin.Context) eligibility.Caller {
	return eligibility.Caller{UserID: getUserID(c), GuestID: c.GetString("guestID")}
}

func getSession(c *gin.Context) string {
	return c.GetString("sessionID")
}

// claimedRemaining parses X-Guest-Remaining. A missing or garbled header is no claim.
func claimedRemaining(c *gin.Context) *int {
	raw := strings.TrimSpace(c.GetHeader(HeaderGuestRemaining))
	if raw == "" {
		return nil
	}
	n, errParse := strconv.Atoi(raw)
	if errParse != nil {
		return nil
	}
	return &n
}

// respondError maps err onto a status code and a {"error","kind"} body.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Err != nil {
		message = appErr.Err.Error()
	}
	if kind == apperr.KindInternal {
		message = "internal error"
	}
	if kind == apperr.KindUpstreamRateLimited || kind == apperr.KindContention {
		c.Header("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Warn("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message, "kind": string(kind)})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message, "kind": string(apperr.KindInvalidInput)})
}
