// Package guest caps anonymous eligibility checks with a server-side counter per guest token.
package guest

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/metrics"
	"github.com/schemewise/governance/internal/security"
	"github.com/schemewise/governance/internal/settings"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Grant is the outcome of a successful check authorization.
type Grant struct {
	GuestID   string `json:"guestId"`
	Remaining int    `json:"remaining"` // Display only; the server re-checks every request.

	clientKey string
}

// Token is a freshly issued guest token.
type Token struct {
	Token     string    `json:"token"`
	GuestID   string    `json:"guestId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Remaining int       `json:"remaining"`
}

// Limiter authorizes anonymous checks.
//
// Tokens are free to mint, so a second counter keyed on the client address and the UTC day
// caps what one client can draw by cycling tokens.
type Limiter struct {
	store              CounterStore
	secret             string
	tokenTTL           time.Duration
	defaultLimit       int
	defaultClientLimit int
	now                func() time.Time
}

// NewLimiter builds a Limiter. defaultLimit applies while the settings table has no override.
func NewLimiter(store CounterStore, secret string, tokenTTL time.Duration, defaultLimit int) *Limiter {
	if defaultLimit < 0 {
		defaultLimit = 0
	}
	return &Limiter{store: store, secret: secret, tokenTTL: tokenTTL, defaultLimit: defaultLimit, now: time.Now}
}

// WithClientDailyLimit sets the fallback per-client daily ceiling. Zero or less means the
// per-guest limit.
func (l *Limiter) WithClientDailyLimit(limit int) *Limiter {
	l.defaultClientLimit = limit
	return l
}

// Limit returns the current ceiling of free checks per guest.
func (l *Limiter) Limit() int {
	limit := settings.Int(settings.GuestCheckLimitKey, l.defaultLimit)
	if limit < 0 {
		return 0
	}
	return limit
}

// ClientDailyLimit returns the ceiling of free checks one client address gets per UTC day.
func (l *Limiter) ClientDailyLimit() int {
	limit := settings.Int(settings.GuestClientDailyLimitKey, l.defaultClientLimit)
	if limit <= 0 {
		return l.Limit()
	}
	return limit
}

// IssueToken signs a token for a new guest.
func (l *Limiter) IssueToken() (Token, error) {
	const op = "guest.IssueToken"
	signed, claims, err := security.GenerateGuestToken(l.secret, l.tokenTTL)
	if err != nil {
		return Token{}, apperr.E(apperr.KindInternal, op, err)
	}
	return Token{
		Token:     signed,
		GuestID:   claims.GuestID(),
		ExpiresAt: claims.ExpiresAt.Time,
		Remaining: l.Limit(),
	}, nil
}

// Grant authorizes one check for the guest behind token, charged to both the guest and the
// client address. An empty client skips the address counter. claimedRemaining is what the
// client believes it has left; it never affects the decision.
func (l *Limiter) Grant(ctx context.Context, token, client string, claimedRemaining *int) (Grant, error) {
	const op = "guest.Grant"
	guestID, errVerify := l.verify(op, token)
	if errVerify != nil {
		metrics.GuestGrants.WithLabelValues("invalid_token").Inc()
		return Grant{}, errVerify
	}

	limit := l.Limit()
	used, granted, errAcquire := l.store.Acquire(ctx, guestID, limit)
	if errAcquire != nil {
		metrics.GuestGrants.WithLabelValues("error").Inc()
		return Grant{}, apperr.E(apperr.KindInternal, op, errAcquire)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	if claimedRemaining != nil && *claimedRemaining != remaining+boolToInt(granted) {
		log.WithFields(log.Fields{
			"guest_id":          guestID,
			"claimed_remaining": *claimedRemaining,
			"server_remaining":  remaining + boolToInt(granted),
		}).Info("guest: client counter disagrees with server")
	}
	if !granted {
		metrics.GuestGrants.WithLabelValues("denied").Inc()
		return Grant{GuestID: guestID, Remaining: 0}, apperr.Errorf(apperr.KindGuestLimitReached, op,
			"guest %s used %d of %d free checks", guestID, used, limit)
	}

	grant := Grant{GuestID: guestID, Remaining: remaining}
	if key := l.clientKey(client); key != "" {
		clientLimit := l.ClientDailyLimit()
		clientUsed, clientGranted, errClient := l.store.Acquire(ctx, key, clientLimit)
		if errClient != nil || !clientGranted {
			if errUndo := l.store.Release(context.WithoutCancel(ctx), guestID); errUndo != nil {
				log.WithError(errUndo).WithField("guest_id", guestID).Error("guest: failed to undo guest grant")
			}
		}
		if errClient != nil {
			metrics.GuestGrants.WithLabelValues("error").Inc()
			return Grant{}, apperr.E(apperr.KindInternal, op, errClient)
		}
		if !clientGranted {
			metrics.GuestGrants.WithLabelValues("denied_client").Inc()
			return Grant{GuestID: guestID, Remaining: 0}, apperr.Errorf(apperr.KindGuestLimitReached, op,
				"client used %d of %d free checks today", clientUsed, clientLimit)
		}
		grant.clientKey = key
		if left := clientLimit - clientUsed; left < grant.Remaining {
			grant.Remaining = left
		}
	}
	metrics.GuestGrants.WithLabelValues("granted").Inc()
	return grant, nil
}

// Release refunds a granted check, used when the check itself failed upstream.
func (l *Limiter) Release(ctx context.Context, grant Grant) error {
	const op = "guest.Release"
	if strings.TrimSpace(grant.GuestID) == "" {
		return apperr.Errorf(apperr.KindInvalidInput, op, "empty guest id")
	}
	if errRelease := l.store.Release(ctx, grant.GuestID); errRelease != nil {
		return apperr.E(apperr.KindInternal, op, errRelease)
	}
	if grant.clientKey != "" {
		if errRelease := l.store.Release(ctx, grant.clientKey); errRelease != nil {
			return apperr.E(apperr.KindInternal, op, errRelease)
		}
	}
	metrics.GuestGrants.WithLabelValues("released").Inc()
	return nil
}

// Status returns the guest's remaining balance without consuming anything.
func (l *Limiter) Status(ctx context.Context, token string) (Grant, error) {
	const op = "guest.Status"
	guestID, errVerify := l.verify(op, token)
	if errVerify != nil {
		return Grant{}, errVerify
	}
	used, errUsed := l.store.Used(ctx, guestID)
	if errUsed != nil {
		return Grant{}, apperr.E(apperr.KindInternal, op, errUsed)
	}
	remaining := l.Limit() - used
	if remaining < 0 {
		remaining = 0
	}
	return Grant{GuestID: guestID, Remaining: remaining}, nil
}

func (l *Limiter) verify(op, token string) (string, error) {
	claims, err := security.ParseGuestToken(l.secret, token)
	if err != nil {
		if errors.Is(err, security.ErrExpiredToken) {
			return "", apperr.Errorf(apperr.KindGuestTokenInvalid, op, "guest token expired")
		}
		return "", apperr.Errorf(apperr.KindGuestTokenInvalid, op, "guest token rejected")
	}
	return claims.GuestID(), nil
}

// clientKey hashes the address so raw IPs never reach the counter store.
func (l *Limiter) clientKey(client string) string {
	client = strings.TrimSpace(client)
	if client == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(client))
	return "client:" + hex.EncodeToString(sum[:16]) + ":" + l.now().UTC().Format("2006-01-02")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
