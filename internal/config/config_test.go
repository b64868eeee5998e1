package config

import (
	"log/slog"
	"testing"
	"time"
)

var allKeys = []string{
	"PORT", "LOG_LEVEL", "LOG_FORMAT", "STORAGE_BACKEND", "DATABASE_URL",
	"GOOGLE_CLOUD_PROJECT", "CACHE_BACKEND", "CACHE_TTL", "CACHE_MAX_ENTRIES",
	"BADGER_PATH", "FETCH_TIMEOUT", "FETCH_MIN_DELAY", "FETCH_MAX_DELAY",
	"FETCH_RPS", "PROVIDERS_CONFIG_PATH", "BROWSER_RENDERING", "CHROME_BIN",
	"DISCORD_WEBHOOK_URL",
}

// clearEnv blanks every setting so the host environment cannot leak into a
// test (auto-restored after the test).
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("Expected info level, got %s", cfg.LogLevel)
	}
	if cfg.LogFormat != LogFormatPretty {
		t.Errorf("Expected pretty logs, got %s", cfg.LogFormat)
	}
	if cfg.StorageBackend != StorageNone || cfg.CacheBackend != CacheMemory {
		t.Errorf("Expected none/memory backends, got %s/%s", cfg.StorageBackend, cfg.CacheBackend)
	}
	if cfg.CacheTTL != 12*time.Hour {
		t.Errorf("Expected default CacheTTL 12h, got %s", cfg.CacheTTL)
	}
	if cfg.CacheMaxEntries != 1024 {
		t.Errorf("Expected default CacheMaxEntries 1024, got %d", cfg.CacheMaxEntries)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("Expected default FetchTimeout 30s, got %s", cfg.FetchTimeout)
	}
	if cfg.FetchMinDelay != time.Second || cfg.FetchMaxDelay != 3*time.Second {
		t.Errorf("Expected default delay 1s-3s, got %s-%s", cfg.FetchMinDelay, cfg.FetchMaxDelay)
	}
	if cfg.FetchRPS != 0 {
		t.Errorf("Expected unlimited FetchRPS, got %v", cfg.FetchRPS)
	}
	if cfg.BrowserRendering {
		t.Error("Expected browser rendering off by default")
	}
	if cfg.NeedsFirestore() {
		t.Error("Default config should not need Firestore")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/carscout")
	t.Setenv("CACHE_BACKEND", "badger")
	t.Setenv("BADGER_PATH", "/tmp/badger")
	t.Setenv("CACHE_TTL", "30m")
	t.Setenv("CACHE_MAX_ENTRIES", "64")
	t.Setenv("FETCH_TIMEOUT", "10s")
	t.Setenv("FETCH_MIN_DELAY", "0s")
	t.Setenv("FETCH_MAX_DELAY", "500ms")
	t.Setenv("FETCH_RPS", "0.5")
	t.Setenv("BROWSER_RENDERING", "true")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://test.webhook")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Expected 9090, got %s", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != LogFormatJSON {
		t.Errorf("Expected debug/json logging, got %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.StorageBackend != StoragePostgres || cfg.DatabaseURL != "postgres://localhost/carscout" {
		t.Errorf("Unexpected storage settings: %s %s", cfg.StorageBackend, cfg.DatabaseURL)
	}
	if cfg.CacheBackend != CacheBadger || cfg.BadgerPath != "/tmp/badger" {
		t.Errorf("Unexpected cache settings: %s %s", cfg.CacheBackend, cfg.BadgerPath)
	}
	if cfg.CacheTTL != 30*time.Minute || cfg.CacheMaxEntries != 64 {
		t.Errorf("Unexpected cache sizing: %s %d", cfg.CacheTTL, cfg.CacheMaxEntries)
	}
	if cfg.FetchTimeout != 10*time.Second || cfg.FetchMinDelay != 0 || cfg.FetchMaxDelay != 500*time.Millisecond {
		t.Errorf("Unexpected fetch timings: %s %s %s", cfg.FetchTimeout, cfg.FetchMinDelay, cfg.FetchMaxDelay)
	}
	if cfg.FetchRPS != 0.5 {
		t.Errorf("Expected FetchRPS 0.5, got %v", cfg.FetchRPS)
	}
	if !cfg.BrowserRendering {
		t.Error("Expected browser rendering on")
	}
	if cfg.DiscordWebhookURL != "https://test.webhook" {
		t.Errorf("Expected https://test.webhook, got %s", cfg.DiscordWebhookURL)
	}
}

func TestLoad_Firestore(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_BACKEND", "firestore")
	t.Setenv("CACHE_BACKEND", "firestore")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "test-project")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if !cfg.NeedsFirestore() {
		t.Error("Expected NeedsFirestore() to be true")
	}
	if cfg.ProjectID != "test-project" {
		t.Errorf("Expected test-project, got %s", cfg.ProjectID)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"Postgres without DATABASE_URL", map[string]string{"STORAGE_BACKEND": "postgres"}},
		{"Firestore storage without project", map[string]string{"STORAGE_BACKEND": "firestore"}},
		{"Firestore cache without project", map[string]string{"CACHE_BACKEND": "firestore"}},
		{"Unknown storage backend", map[string]string{"STORAGE_BACKEND": "mysql"}},
		{"Unknown cache backend", map[string]string{"CACHE_BACKEND": "redis"}},
		{"Unknown log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"Unknown log level", map[string]string{"LOG_LEVEL": "chatty"}},
		{"Bad CACHE_TTL", map[string]string{"CACHE_TTL": "forever"}},
		{"Zero CACHE_TTL", map[string]string{"CACHE_TTL": "0s"}},
		{"Bad CACHE_MAX_ENTRIES", map[string]string{"CACHE_MAX_ENTRIES": "many"}},
		{"Negative CACHE_MAX_ENTRIES", map[string]string{"CACHE_MAX_ENTRIES": "-1"}},
		{"Bad FETCH_TIMEOUT", map[string]string{"FETCH_TIMEOUT": "soon"}},
		{"Inverted delay range", map[string]string{"FETCH_MIN_DELAY": "5s", "FETCH_MAX_DELAY": "1s"}},
		{"Negative FETCH_RPS", map[string]string{"FETCH_RPS": "-2"}},
		{"Bad FETCH_RPS", map[string]string{"FETCH_RPS": "fast"}},
		{"Bad BROWSER_RENDERING", map[string]string{"BROWSER_RENDERING": "sometimes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() should have returned an error")
			}
		})
	}
}
