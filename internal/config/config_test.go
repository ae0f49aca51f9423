package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte(body), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestLoadConfigMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
jwt:
  secret: file-secret
ledger:
  time-zone: Asia/Kolkata
dispatch:
  rate-limit-backoff: 500ms
services:
  text-to-speech:
    daily-limit: 1000
`)

	cfg, errLoad := LoadConfig(path)
	if errLoad != nil {
		t.Fatalf("load config: %v", errLoad)
	}
	if cfg.JWT.Secret != "file-secret" {
		t.Fatalf("expected jwt secret from file, got %q", cfg.JWT.Secret)
	}
	if cfg.Ledger.TimeZone != "Asia/Kolkata" {
		t.Fatalf("expected time zone override, got %q", cfg.Ledger.TimeZone)
	}
	if cfg.Dispatch.RateLimitBackoff != 500*time.Millisecond {
		t.Fatalf("expected 500ms backoff, got %s", cfg.Dispatch.RateLimitBackoff)
	}
	if cfg.Dispatch.CallTimeout != 30*time.Second {
		t.Fatalf("expected default call timeout kept, got %s", cfg.Dispatch.CallTimeout)
	}
	override := cfg.Services["text-to-speech"]
	if override.DailyLimit == nil || *override.DailyLimit != 1000 {
		t.Fatalf("expected daily limit override 1000, got %+v", override.DailyLimit)
	}
}

func TestLoadConfigAppliesEnvSecrets(t *testing.T) {
	path := writeConfig(t, "jwt:\n  secret: file-secret\n")
	t.Setenv("GOVERNANCE_JWT_SECRET", "env-secret")
	t.Setenv("GOVERNANCE_OPENAI_API_KEYS", "sk-one, sk-two")

	cfg, errLoad := LoadConfig(path)
	if errLoad != nil {
		t.Fatalf("load config: %v", errLoad)
	}
	if cfg.JWT.Secret != "env-secret" {
		t.Fatalf("expected env secret to win, got %q", cfg.JWT.Secret)
	}
	if len(cfg.Providers.OpenAI.APIKeys) != 2 || cfg.Providers.OpenAI.APIKeys[1] != "sk-two" {
		t.Fatalf("expected two trimmed keys, got %v", cfg.Providers.OpenAI.APIKeys)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"missing secret":   "ledger:\n  time-zone: UTC\n",
		"bad time zone":    "jwt:\n  secret: s\nledger:\n  time-zone: Mars/Olympus\n",
		"negative limit":   "jwt:\n  secret: s\nservices:\n  text-generation:\n    daily-limit: -1\n",
		"negative ceiling": "jwt:\n  secret: s\nguest:\n  check-limit: -2\n",
	}
	for name, body := range cases {
		path := writeConfig(t, body)
		if _, errLoad := LoadConfig(path); errLoad == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestResolveConfigPathPrefersExplicitThenEnv(t *testing.T) {
	t.Setenv(ConfigPathEnv, "/etc/governance/config.yaml")
	if got := ResolveConfigPath(" ./local.yaml "); got != "local.yaml" {
		t.Fatalf("expected explicit path, got %q", got)
	}
	if got := ResolveConfigPath(""); got != "/etc/governance/config.yaml" {
		t.Fatalf("expected env path, got %q", got)
	}
	t.Setenv(ConfigPathEnv, "")
	if got := ResolveConfigPath(""); !strings.HasSuffix(got, DefaultConfigFile) {
		t.Fatalf("expected working dir default, got %q", got)
	}
}
