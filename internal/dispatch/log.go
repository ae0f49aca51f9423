package dispatch

import (
	"errors"

	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/util"
	log "github.com/sirupsen/logrus"
)

// logOutcome logs one upstream attempt with severity derived from its HTTP status code.
func logOutcome(service string, cred Credential, attempt int, err error) {
	entry := log.WithFields(log.Fields{
		"service":  service,
		"provider": cred.Pool,
		"slot":     cred.Slot,
		"key":      util.HideAPIKey(cred.APIKey),
		"attempt":  attempt,
		"success":  err == nil,
	})

	if err == nil {
		entry.Debug("upstream call succeeded")
		return
	}

	statusCode, ok := apperr.StatusCodeOf(err)
	if !ok {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			entry.WithError(err).Info("upstream call returned a classified error")
			return
		}
		entry.WithError(err).Warn("upstream call failed without status")
		return
	}
	entry = entry.WithField("status_code", statusCode)

	switch {
	case statusCode == 401:
		entry.Warn("unauthorized: credentials may be invalid or expired")
	case statusCode == 403:
		entry.Warn("forbidden: access denied")
	case statusCode == 429:
		entry.Warn("rate limited: too many requests")
	case statusCode == 500:
		entry.Error("internal server error from upstream")
	case statusCode == 502:
		entry.Error("bad gateway from upstream")
	case statusCode == 503:
		entry.Error("service unavailable from upstream")
	case statusCode >= 400 && statusCode < 500:
		entry.Warnf("client error: %v", err)
	case statusCode >= 500:
		entry.Errorf("server error: %v", err)
	default:
		entry.Infof("request failed: %v", err)
	}
}
