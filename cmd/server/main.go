package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/lmittmann/tint"

	"github.com/pauljones0/carscout/internal/aggregator"
	"github.com/pauljones0/carscout/internal/cache"
	"github.com/pauljones0/carscout/internal/config"
	"github.com/pauljones0/carscout/internal/notifier"
	"github.com/pauljones0/carscout/internal/processor"
	"github.com/pauljones0/carscout/internal/scraper"
	"github.com/pauljones0/carscout/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Critical error loading configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg))

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped.")
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.LogLevel,
		TimeFormat: time.Kitchen,
	}))
}

func run(cfg *config.Config) error {
	slog.Info("Starting listing aggregation server...")
	ctx := context.Background()

	var fsClient *firestore.Client
	if cfg.NeedsFirestore() {
		var err error
		fsClient, err = firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("firestore.NewClient: %w", err)
		}
		defer fsClient.Close()
	}

	registry, err := scraper.NewRegistry(scraper.LoadConfig(cfg.ProvidersConfigPath))
	if err != nil {
		slog.Warn("Provider config rejected. Using defaults.", "error", err)
		if registry, err = scraper.NewRegistry(scraper.DefaultProviders()); err != nil {
			return fmt.Errorf("default providers: %w", err)
		}
	}
	slog.Info("Providers ready", "sources", registry.Sources())

	fetchCfg := scraper.FetcherConfig{
		Timeout:           cfg.FetchTimeout,
		MinDelay:          cfg.FetchMinDelay,
		MaxDelay:          cfg.FetchMaxDelay,
		RequestsPerSecond: cfg.FetchRPS,
		AllowedHosts:      registry.AllowedHosts(),
	}
	fetcher := &scraper.ModeFetcher{HTTP: scraper.NewFetcher(fetchCfg), Modes: registry}
	if cfg.BrowserRendering {
		browser := scraper.NewBrowserFetcher(fetchCfg, cfg.ChromeBin)
		defer browser.Close()
		fetcher.Browser = browser
	}

	store, closeStore, err := openCacheStore(cfg, fsClient)
	if err != nil {
		return err
	}
	defer closeStore()

	agg := aggregator.New(registry, fetcher, cache.NewResultCache(store), aggregator.Options{
		TTL:          cfg.CacheTTL,
		FetchTimeout: cfg.FetchTimeout + cfg.FetchMaxDelay,
	})

	saver, closeSaver, err := openListingStore(ctx, cfg, fsClient)
	if err != nil {
		return err
	}
	defer closeSaver()

	p := processor.New(agg, saver, notifier.New(cfg.DiscordWebhookURL))
	srv := &Server{processor: p}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		slog.Info("Received signal, shutting down gracefully...", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("Listening on port", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func openCacheStore(cfg *config.Config, fsClient *firestore.Client) (cache.Store, func(), error) {
	switch cfg.CacheBackend {
	case config.CacheBadger:
		bs, err := cache.OpenBadgerStore(cfg.BadgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger cache: %w", err)
		}
		slog.Info("Using badger cache", "path", cfg.BadgerPath)
		return bs, func() {
			if err := bs.Close(); err != nil {
				slog.Warn("Failed to close badger cache", "error", err)
			}
		}, nil
	case config.CacheFirestore:
		slog.Info("Using firestore cache")
		return cache.NewFirestoreStore(fsClient), func() {}, nil
	default:
		slog.Info("Using in-memory cache", "max_entries", cfg.CacheMaxEntries)
		return cache.NewMemoryStore(cfg.CacheMaxEntries, cfg.CacheTTL), func() {}, nil
	}
}

// openListingStore returns a nil saver when persistence is disabled.
func openListingStore(ctx context.Context, cfg *config.Config, fsClient *firestore.Client) (*processor.Saver, func(), error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		slog.Info("Saving listings to postgres")
		return processor.NewSaver(pg), pg.Close, nil
	case config.StorageFirestore:
		slog.Info("Saving listings to firestore")
		return processor.NewSaver(storage.NewFirestore(fsClient)), func() {}, nil
	default:
		slog.Info("Listing persistence disabled")
		return nil, func() {}, nil
	}
}
