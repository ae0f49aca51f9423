package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/schemewise/governance/internal/audio"
	"github.com/schemewise/governance/internal/cache"
	"github.com/schemewise/governance/internal/config"
	"github.com/schemewise/governance/internal/db"
	"github.com/schemewise/governance/internal/dispatch"
	"github.com/schemewise/governance/internal/eligibility"
	"github.com/schemewise/governance/internal/guest"
	relayhttp "github.com/schemewise/governance/internal/http"
	"github.com/schemewise/governance/internal/http/api/admin"
	adminhandlers "github.com/schemewise/governance/internal/http/api/admin/handlers"
	"github.com/schemewise/governance/internal/http/api/front"
	"github.com/schemewise/governance/internal/ledger"
	"github.com/schemewise/governance/internal/logging"
	"github.com/schemewise/governance/internal/providers"
	"github.com/schemewise/governance/internal/services"
	"github.com/schemewise/governance/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	shutdownTimeout      = 15 * time.Second
	audioSweepInterval   = time.Hour
	visitorSweepInterval = 5 * time.Minute
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	conf, err := config.LoadConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return err
	}
	conn, err := db.Open(conf.Database.DSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Infof("migrated %s database", db.DialectName(conn))
	return nil
}

// RunServer boots the governance HTTP server and its background loops, and blocks until ctx is done.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(conf.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	if !config.ConfigExists(configPath) {
		log.Warnf("config file %s not found, running on defaults and environment", configPath)
	}

	conn, err := db.Open(conf.Database.DSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("initial settings refresh failed, using config defaults")
	}
	settings.NewRefresher(conn).Start(ctx)

	registry, err := services.NewRegistry(conf.Ledger.TimeZone, conf.Services)
	if err != nil {
		return err
	}
	usageLedger := ledger.New(conn, registry, ledger.Options{BackfillIdleDays: conf.Ledger.BackfillIdleDays})
	gate := dispatch.New(usageLedger, registry, map[string][]string{
		services.ProviderOpenAI: conf.Providers.OpenAI.APIKeys,
		eligibility.EnginePool:  conf.Providers.Engine.APIKeys,
	}, dispatch.Options{
		CallTimeout:        conf.Dispatch.CallTimeout,
		RateLimitBackoff:   conf.Dispatch.RateLimitBackoff,
		UnavailableRetries: conf.Dispatch.UnavailableRetries,
	})

	var redisClient redis.UniversalClient
	if conf.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errPing := redisClient.Ping(pingCtx).Err()
		cancel()
		if errPing != nil {
			return fmt.Errorf("redis: ping %s: %w", conf.Redis.Addr, errPing)
		}
	}

	limiter := guest.NewLimiter(guestStore(conn, redisClient, conf.JWT.GuestTokenTTL), conf.JWT.Secret, conf.JWT.GuestTokenTTL, conf.Guest.CheckLimit).
		WithClientDailyLimit(conf.Guest.ClientDailyLimit)
	sessions := sessionStore(ctx, redisClient, conf.Cache)

	audioStore, err := audio.Open(conf.Audio.Path)
	if err != nil {
		return err
	}
	defer func() { _ = audioStore.Close() }()
	audioStore.StartRetention(ctx, conf.Audio.Retention, audioSweepInterval)

	eligibility.NewHistoryRetentionCleaner(conn, conf.History.RetentionDays).Start(ctx)

	openAI := providers.NewOpenAI(conf.Providers.OpenAI)
	svc := eligibility.NewService(eligibility.Deps{
		DB:          conn,
		Gate:        gate,
		Engine:      providers.NewEngineClient(conf.Providers.Engine.URL),
		Translator:  openAI,
		Synthesizer: openAI,
		Audio:       audioStore,
		Guests:      limiter,
		Sessions:    sessions,
	})

	ipLimiter := relayhttp.NewIPRateLimiter(conf.Server.PublicRatePerMin)
	ipLimiter.StartJanitor(ctx, visitorSweepInterval)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), relayhttp.RequestLogger())
	if errProxies := engine.SetTrustedProxies(conf.Server.TrustedProxies); errProxies != nil {
		return fmt.Errorf("server: trusted proxies: %w", errProxies)
	}
	checks := map[string]adminhandlers.Check{"audio": audioStore.Ping}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	admin.RegisterAdminRoutes(engine, conn, usageLedger, checks)
	front.RegisterFrontRoutes(engine, front.Deps{
		Checker: svc,
		Guests:  limiter,
		Audio:   audioStore,
		JWT:     conf.JWT,
		Limiter: ipLimiter,
	})

	server := &http.Server{
		Addr:              conf.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("governance server listening on %s (config=%s)", conf.Server.Addr, configPath)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}
	log.Info("shutting down governance server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// guestStore picks the shared redis counter when redis is configured.
func guestStore(conn *gorm.DB, client redis.UniversalClient, ttl time.Duration) guest.CounterStore {
	if client != nil {
		return guest.NewRedisStore(client, ttl)
	}
	return guest.NewDBStore(conn)
}

// sessionStore picks the shared redis cache when redis is configured, else an in-process one
// swept by a janitor.
func sessionStore(ctx context.Context, client redis.UniversalClient, cfg config.CacheConfig) cache.Store {
	policy := cache.Policy{MaxEntries: cfg.MaxEntriesPerSession, IdleTTL: cfg.SessionIdleTTL}
	if client != nil {
		return cache.NewRedisStore(client, "session", policy)
	}
	store := cache.NewMemoryStore(policy)
	store.StartJanitor(ctx, cfg.JanitorInterval)
	return store
}
