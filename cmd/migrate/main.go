// Command migrate provisions the external_listings schema in Postgres and
// can purge expired entries from the Firestore result cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/lmittmann/tint"

	"github.com/pauljones0/carscout/internal/cache"
	"github.com/pauljones0/carscout/internal/config"
	"github.com/pauljones0/carscout/internal/storage"
)

func main() {
	purgeCache := flag.Bool("purge-cache", false, "delete expired entries from the firestore result cache")
	purgeLimit := flag.Int("purge-limit", 500, "maximum cache entries to delete in one run")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Critical error loading configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.LogLevel,
		TimeFormat: time.Kitchen,
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, *purgeCache, *purgeLimit); err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, purgeCache bool, purgeLimit int) error {
	if cfg.DatabaseURL == "" && !purgeCache {
		return errors.New("nothing to do: set DATABASE_URL or pass -purge-cache")
	}

	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		slog.Info("Postgres schema is up to date")
	}

	if purgeCache {
		if cfg.ProjectID == "" {
			return errors.New("GOOGLE_CLOUD_PROJECT is required to purge the firestore cache")
		}
		client, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("firestore.NewClient: %w", err)
		}
		defer client.Close()

		n, err := cache.NewFirestoreStore(client).PurgeExpired(ctx, purgeLimit)
		if err != nil {
			return err
		}
		slog.Info("Cache purge finished", "deleted", n)
	}
	return nil
}
