package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const healthTimeout = 3 * time.Second

// Check reports the state of one dependency; nil means healthy.
type Check func(ctx context.Context) error

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db     *gorm.DB
	checks map[string]Check
}

// NewHealthHandler constructs a HealthHandler. checks names the optional dependencies
// (audio store, redis) reported next to the database.
func NewHealthHandler(db *gorm.DB, checks map[string]Check) *HealthHandler {
	return &HealthHandler{db: db, checks: checks}
}

// Healthz reports every component and answers 503 when any of them is down.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	ok := true
	components := gin.H{}
	report := func(name string, err error) {
		if err != nil {
			ok = false
			components[name] = "down"
			log.WithError(err).WithField("component", name).Warn("health: component check failed")
			return
		}
		components[name] = "up"
	}

	report("database", h.pingDB(ctx))
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if check := h.checks[name]; check != nil {
			report(name, check(ctx))
		}
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ok": ok, "components": components})
}

func (h *HealthHandler) pingDB(ctx context.Context) error {
	if h.db == nil {
		return errors.New("no database")
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
