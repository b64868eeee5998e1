package scraper

import (
	"embed"
	"log/slog"
)

//go:embed providers.json
var embeddedProviders embed.FS

// LoadConfig tries to load provider rules in the following order:
// 1. External file at overridePath (PROVIDERS_CONFIG_PATH), when set
// 2. Embedded providers.json
// 3. Hardcoded defaults
func LoadConfig(overridePath string) ProvidersConfig {
	if overridePath != "" {
		if fileCfg, err := LoadProviders(overridePath); err == nil {
			slog.Info("Loaded providers from external file", "path", overridePath, "count", len(fileCfg.Providers))
			return fileCfg
		} else {
			slog.Warn("Failed to load external providers, trying embedded config", "path", overridePath, "error", err)
		}
	}

	data, err := embeddedProviders.ReadFile("providers.json")
	if err == nil {
		cfg, parseErr := LoadProvidersFromBytes(data)
		if parseErr == nil {
			slog.Info("Loaded providers from embedded config.", "count", len(cfg.Providers))
			return cfg
		}
		slog.Warn("Embedded providers failed to parse. Using defaults.", "error", parseErr)
	}

	slog.Info("Using hardcoded default providers")
	return DefaultProviders()
}
