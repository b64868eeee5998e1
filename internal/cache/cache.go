// Package cache keeps recent extraction results per source and query so
// repeated searches do not hit the providers again.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pauljones0/carscout/internal/models"
)

// DefaultTTL matches how long provider result pages are considered fresh.
const DefaultTTL = 12 * time.Hour

// Store is a key/value store with per-entry expiry. Get reports false for
// missing and expired entries.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key builds the cache key for a source and a normalized query.
func Key(source models.Source, query string) string {
	return "scrape:" + string(source) + ":" + query
}

// ResultCache stores extracted listings as JSON in a Store.
type ResultCache struct {
	store Store
}

func NewResultCache(store Store) *ResultCache {
	return &ResultCache{store: store}
}

// Get returns the cached listings for source and query. Store failures and
// undecodable entries are reported as a miss.
func (c *ResultCache) Get(ctx context.Context, source models.Source, query string) ([]models.ListingRecord, bool) {
	key := Key(source, query)
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("Cache read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var records []models.ListingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("Cache entry could not be decoded, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return records, true
}

// Put overwrites the entry for source and query. An empty result is cached
// too, as an empty list.
func (c *ResultCache) Put(ctx context.Context, source models.Source, query string, records []models.ListingRecord, ttl time.Duration) error {
	if records == nil {
		records = []models.ListingRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, Key(source, query), data, ttl)
}
