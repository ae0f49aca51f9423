package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/schemewise/governance/internal/app"
	"github.com/schemewise/governance/internal/config"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (defaults to $GOVERNANCE_CONFIG, then ./config.yaml)")
	migrateOnly := flag.Bool("migrate", false, "Run database migrations and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.AppConfig{ConfigPath: *configPath}
	if *migrateOnly {
		if err := app.Migrate(ctx, cfg); err != nil {
			log.WithError(err).Error("migration failed")
			os.Exit(1)
		}
		return
	}
	if err := app.RunServer(ctx, cfg); err != nil {
		log.WithError(err).Error("server exited")
		os.Exit(1)
	}
}
