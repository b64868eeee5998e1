package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/util"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres stores listings in the external_listings table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL, retrying the initial ping while the
// database comes up.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL configuration is required")
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := util.RetryWithBackoff(ctx, 5, 500*time.Millisecond, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// ExistingKeys returns every (source, listingId) the user already stored.
func (p *Postgres) ExistingKeys(ctx context.Context, userID string) (map[models.ListingKey]struct{}, error) {
	rows, err := p.pool.Query(ctx, `SELECT source, listing_id FROM external_listings WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing listings: %w", err)
	}
	defer rows.Close()

	keys := make(map[models.ListingKey]struct{})
	for rows.Next() {
		var source, listingID string
		if err := rows.Scan(&source, &listingID); err != nil {
			return nil, fmt.Errorf("failed to scan existing listing: %w", err)
		}
		keys[models.ListingKey{Source: models.Source(source), ListingID: listingID}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read existing listings: %w", err)
	}
	return keys, nil
}

const insertListingSQL = `
INSERT INTO external_listings (
    user_id, source, listing_id, title, price, location, year, mileage,
    brand, model, fuel_type, transmission, image_url, source_url, scraped_at, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (user_id, source, listing_id) DO NOTHING
RETURNING id`

// InsertListing stores rec for userID and returns the new row id. A row that
// already exists yields ErrListingExists.
func (p *Postgres) InsertListing(ctx context.Context, userID string, rec models.ListingRecord, createdAt time.Time) (string, error) {
	var id int64
	err := p.pool.QueryRow(ctx, insertListingSQL,
		userID, string(rec.Source), rec.ListingID, rec.Title, rec.Price, rec.Location, rec.Year, rec.Mileage,
		nullIfEmpty(rec.Brand), nullIfEmpty(rec.Model), nullIfEmpty(rec.FuelType), nullIfEmpty(rec.Transmission),
		nullIfEmpty(rec.ImageURL), rec.SourceURL, rec.ScrapedAt, createdAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrListingExists
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert listing %s: %w", rec.Key(), err)
	}
	return strconv.FormatInt(id, 10), nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Migrate applies the embedded schema migrations that have not run yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		var applied bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		script, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(script)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name)
			return err
		}); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		slog.Info("Applied migration", "version", name)
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
