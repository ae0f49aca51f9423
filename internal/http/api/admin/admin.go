package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/schemewise/governance/internal/http/api/admin/handlers"
	"github.com/schemewise/governance/internal/metrics"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers health, metrics and usage dashboard routes. checks adds
// named dependencies to the health report.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, ledger handlers.UsageReader, checks map[string]handlers.Check) {
	if r == nil || db == nil || ledger == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db, checks)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	usageHandler := handlers.NewUsageHandler(ledger)
	usage := r.Group("/v1/usage")
	usage.GET("", usageHandler.List)
	usage.GET("/:service", usageHandler.Get)
	usage.GET("/:service/quota", usageHandler.Quota)
}
