package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schemewise/governance/internal/config"

	log "github.com/sirupsen/logrus"
)

func TestSetupWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "governance.log")
	closer, errSetup := Setup(config.LoggingConfig{Level: "debug", File: path, MaxSizeMB: 1})
	if errSetup != nil {
		t.Fatalf("setup: %v", errSetup)
	}
	t.Cleanup(func() {
		_ = closer.Close()
		log.SetOutput(os.Stdout)
		log.SetLevel(log.InfoLevel)
	})

	log.WithField("service", "text-to-speech").Debug("ledger rollover")

	data, errRead := os.ReadFile(path)
	if errRead != nil {
		t.Fatalf("read log: %v", errRead)
	}
	if !strings.Contains(string(data), "ledger rollover") {
		t.Fatalf("expected log line in file, got %q", string(data))
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	if _, errSetup := Setup(config.LoggingConfig{Level: "chatty"}); errSetup == nil {
		t.Fatalf("expected error for unknown level")
	}
}
