package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigFile is the config file name looked up in the working directory.
	DefaultConfigFile = "config.yaml"
	// ConfigPathEnv overrides the config file location.
	ConfigPathEnv = "GOVERNANCE_CONFIG"
	// EnvPrefix is the envconfig prefix for secret overrides.
	EnvPrefix = "GOVERNANCE"
)

// AppConfig holds process-level options supplied on the command line.
type AppConfig struct {
	ConfigPath string
}

// Config is the full file-backed configuration.
type Config struct {
	Server    ServerConfig               `yaml:"server"`
	Database  DatabaseConfig             `yaml:"database"`
	Redis     RedisConfig                `yaml:"redis"`
	JWT       JWTConfig                  `yaml:"jwt"`
	Logging   LoggingConfig              `yaml:"logging"`
	Ledger    LedgerConfig               `yaml:"ledger"`
	Dispatch  DispatchConfig             `yaml:"dispatch"`
	Guest     GuestConfig                `yaml:"guest"`
	Cache     CacheConfig                `yaml:"cache"`
	Audio     AudioConfig                `yaml:"audio"`
	History   HistoryConfig              `yaml:"history"`
	Services  map[string]ServiceOverride `yaml:"services"`
	Providers ProvidersConfig            `yaml:"providers"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	TrustedProxies   []string `yaml:"trusted-proxies"`
	PublicRatePerMin int      `yaml:"public-rate-per-minute"` // Per-IP budget on anonymous endpoints.
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the shared guest counter and session cache. Empty Addr disables redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// JWTConfig holds signing material for user and guest tokens.
type JWTConfig struct {
	Secret        string        `yaml:"secret"`
	GuestTokenTTL time.Duration `yaml:"guest-token-ttl"`
}

// LoggingConfig controls logrus output and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// LedgerConfig controls day-boundary handling.
type LedgerConfig struct {
	TimeZone         string `yaml:"time-zone"`
	BackfillIdleDays bool   `yaml:"backfill-idle-days"`
}

// DispatchConfig bounds outbound provider calls.
type DispatchConfig struct {
	CallTimeout        time.Duration `yaml:"call-timeout"`
	RateLimitBackoff   time.Duration `yaml:"rate-limit-backoff"`
	UnavailableRetries int           `yaml:"unavailable-retries"`
}

// GuestConfig sets the anonymous free-check ceiling used when no DB setting overrides it.
type GuestConfig struct {
	CheckLimit int `yaml:"check-limit"`
	// ClientDailyLimit caps checks per client address per day; zero means check-limit.
	ClientDailyLimit int `yaml:"client-daily-limit"`
}

// CacheConfig sets the session cache lifetime policy.
type CacheConfig struct {
	MaxEntriesPerSession int           `yaml:"max-entries-per-session"`
	SessionIdleTTL       time.Duration `yaml:"session-idle-ttl"`
	JanitorInterval      time.Duration `yaml:"janitor-interval"`
}

// AudioConfig locates the synthesized-audio blob store.
type AudioConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// HistoryConfig sets the default eligibility-check history retention.
type HistoryConfig struct {
	RetentionDays int `yaml:"retention-days"`
}

// ServiceOverride replaces fields of a static service definition.
type ServiceOverride struct {
	Provider   string `yaml:"provider"`
	Unit       string `yaml:"unit"`
	DailyLimit *int64 `yaml:"daily-limit"`
	TimeZone   string `yaml:"time-zone"`
}

// ProvidersConfig holds upstream endpoints and credential slots.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `yaml:"openai"`
	Engine EngineConfig `yaml:"engine"`
}

// OpenAIConfig configures translation and speech synthesis.
type OpenAIConfig struct {
	BaseURL        string   `yaml:"base-url"`
	TranslateModel string   `yaml:"translate-model"`
	SpeechModel    string   `yaml:"speech-model"`
	Voice          string   `yaml:"voice"`
	APIKeys        []string `yaml:"api-keys"`
}

// EngineConfig locates the eligibility verdict engine.
type EngineConfig struct {
	URL     string   `yaml:"url"`
	APIKeys []string `yaml:"api-keys"`
}

// secretOverrides are read from the environment after the YAML file.
type secretOverrides struct {
	JWTSecret   string   `envconfig:"JWT_SECRET"`
	DatabaseDSN string   `envconfig:"DATABASE_DSN"`
	RedisAddr   string   `envconfig:"REDIS_ADDR"`
	OpenAIKeys  []string `envconfig:"OPENAI_API_KEYS"`
	EngineURL   string   `envconfig:"ENGINE_URL"`
	EngineKeys  []string `envconfig:"ENGINE_API_KEYS"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080", PublicRatePerMin: 30},
		Database: DatabaseConfig{DSN: "data/governance.db"},
		JWT:      JWTConfig{GuestTokenTTL: 30 * 24 * time.Hour},
		Logging:  LoggingConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14},
		Ledger:   LedgerConfig{TimeZone: "UTC"},
		Dispatch: DispatchConfig{
			CallTimeout:        30 * time.Second,
			RateLimitBackoff:   2 * time.Second,
			UnavailableRetries: 2,
		},
		Guest: GuestConfig{CheckLimit: 1},
		Cache: CacheConfig{
			MaxEntriesPerSession: 256,
			SessionIdleTTL:       2 * time.Hour,
			JanitorInterval:      5 * time.Minute,
		},
		Audio:   AudioConfig{Path: "data/audio.db", Retention: 7 * 24 * time.Hour},
		History: HistoryConfig{RetentionDays: 90},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				TranslateModel: "gpt-4o-mini",
				SpeechModel:    "gpt-4o-mini-tts",
				Voice:          "alloy",
			},
		},
	}
}

// ResolveConfigPath picks the config file: explicit path, then env, then the working directory.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return filepath.Clean(trimmed)
	}
	if fromEnv := strings.TrimSpace(os.Getenv(ConfigPathEnv)); fromEnv != "" {
		return filepath.Clean(fromEnv)
	}
	wd, err := os.Getwd()
	if err != nil {
		return DefaultConfigFile
	}
	return filepath.Join(wd, DefaultConfigFile)
}

// ConfigExists reports whether a config file is present at path.
func ConfigExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadConfig reads the YAML file at path, applies env overrides and validates the result.
// A missing file yields defaults plus env overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Default()

	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	_ = godotenv.Load()
	var env secretOverrides
	if errEnv := envconfig.Process(EnvPrefix, &env); errEnv != nil {
		return Config{}, fmt.Errorf("config: env overrides: %w", errEnv)
	}
	env.apply(&cfg)

	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func (e secretOverrides) apply(cfg *Config) {
	if v := strings.TrimSpace(e.JWTSecret); v != "" {
		cfg.JWT.Secret = v
	}
	if v := strings.TrimSpace(e.DatabaseDSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(e.RedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if keys := cleanList(e.OpenAIKeys); len(keys) > 0 {
		cfg.Providers.OpenAI.APIKeys = keys
	}
	if v := strings.TrimSpace(e.EngineURL); v != "" {
		cfg.Providers.Engine.URL = v
	}
	if keys := cleanList(e.EngineKeys); len(keys) > 0 {
		cfg.Providers.Engine.APIKeys = keys
	}
}

// Validate rejects values the rest of the service cannot work with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database.dsn is required")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("config: jwt.secret is required")
	}
	if _, err := time.LoadLocation(c.Ledger.TimeZone); err != nil {
		return fmt.Errorf("config: ledger.time-zone %q: %w", c.Ledger.TimeZone, err)
	}
	if c.Guest.CheckLimit < 0 {
		return errors.New("config: guest.check-limit must not be negative")
	}
	if c.Guest.ClientDailyLimit < 0 {
		return errors.New("config: guest.client-daily-limit must not be negative")
	}
	if c.Dispatch.UnavailableRetries < 0 {
		return errors.New("config: dispatch.unavailable-retries must not be negative")
	}
	for name, override := range c.Services {
		if override.DailyLimit != nil && *override.DailyLimit < 0 {
			return fmt.Errorf("config: services.%s.daily-limit must not be negative", name)
		}
		if override.TimeZone != "" {
			if _, err := time.LoadLocation(override.TimeZone); err != nil {
				return fmt.Errorf("config: services.%s.time-zone %q: %w", name, override.TimeZone, err)
			}
		}
	}
	return nil
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
