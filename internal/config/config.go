package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageNone      = "none"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"

	CacheMemory    = "memory"
	CacheBadger    = "badger"
	CacheFirestore = "firestore"

	LogFormatPretty = "pretty"
	LogFormatJSON   = "json"
)

type Config struct {
	Port      string
	LogLevel  slog.Level
	LogFormat string

	StorageBackend string
	DatabaseURL    string
	ProjectID      string

	CacheBackend    string
	CacheTTL        time.Duration
	CacheMaxEntries int
	BadgerPath      string

	FetchTimeout  time.Duration
	FetchMinDelay time.Duration
	FetchMaxDelay time.Duration
	FetchRPS      float64

	ProvidersConfigPath string
	BrowserRendering    bool
	ChromeBin           string

	DiscordWebhookURL string
}

// NeedsFirestore reports whether any selected backend talks to Firestore.
func (c *Config) NeedsFirestore() bool {
	return c.StorageBackend == StorageFirestore || c.CacheBackend == CacheFirestore
}

// Load reads the configuration from the environment, after applying an
// optional .env file in the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:                envOr("PORT", "8080"),
		LogFormat:           envOr("LOG_FORMAT", LogFormatPretty),
		StorageBackend:      envOr("STORAGE_BACKEND", StorageNone),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		ProjectID:           os.Getenv("GOOGLE_CLOUD_PROJECT"),
		CacheBackend:        envOr("CACHE_BACKEND", CacheMemory),
		BadgerPath:          os.Getenv("BADGER_PATH"),
		ProvidersConfigPath: os.Getenv("PROVIDERS_CONFIG_PATH"),
		ChromeBin:           os.Getenv("CHROME_BIN"),
		DiscordWebhookURL:   os.Getenv("DISCORD_WEBHOOK_URL"),
	}

	var err error
	if err = cfg.LogLevel.UnmarshalText([]byte(envOr("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if cfg.CacheTTL, err = durationEnv("CACHE_TTL", 12*time.Hour); err != nil {
		return nil, err
	}
	if cfg.CacheMaxEntries, err = intEnv("CACHE_MAX_ENTRIES", 1024); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = durationEnv("FETCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.FetchMinDelay, err = durationEnv("FETCH_MIN_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.FetchMaxDelay, err = durationEnv("FETCH_MAX_DELAY", 3*time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("FETCH_RPS"); v != "" {
		cfg.FetchRPS, err = strconv.ParseFloat(v, 64)
		if err != nil || cfg.FetchRPS < 0 {
			return nil, fmt.Errorf("invalid FETCH_RPS %q", v)
		}
	}
	if v := os.Getenv("BROWSER_RENDERING"); v != "" {
		cfg.BrowserRendering, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BROWSER_RENDERING %q: %w", v, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.DiscordWebhookURL == "" {
		slog.Info("DISCORD_WEBHOOK_URL not set, new-listing notifications are disabled")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case LogFormatPretty, LogFormatJSON:
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: want %s or %s", c.LogFormat, LogFormatPretty, LogFormatJSON)
	}

	switch c.StorageBackend {
	case StorageNone:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=%s", StoragePostgres)
		}
	case StorageFirestore:
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.CacheBackend {
	case CacheMemory, CacheBadger, CacheFirestore:
	default:
		return fmt.Errorf("invalid CACHE_BACKEND %q", c.CacheBackend)
	}

	if c.NeedsFirestore() && c.ProjectID == "" {
		return errors.New("GOOGLE_CLOUD_PROJECT is required for the firestore backend")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive, got %d", c.CacheMaxEntries)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	}
	if c.FetchMinDelay < 0 || c.FetchMaxDelay < c.FetchMinDelay {
		return fmt.Errorf("fetch delay range [%s, %s] is invalid", c.FetchMinDelay, c.FetchMaxDelay)
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
