package processor

import (
	"context"
	"time"

	"github.com/pauljones0/carscout/internal/aggregator"
	"github.com/pauljones0/carscout/internal/models"
)

// ListingStore abstracts the storage layer for saved listings.
type ListingStore interface {
	ExistingKeys(ctx context.Context, userID string) (map[models.ListingKey]struct{}, error)
	InsertListing(ctx context.Context, userID string, rec models.ListingRecord, createdAt time.Time) (string, error)
}

// ListingNotifier abstracts the notification layer.
type ListingNotifier interface {
	NotifyNewListings(ctx context.Context, userID string, listings []models.ListingRecord) error
}

// Aggregator runs a search across providers.
type Aggregator interface {
	Aggregate(ctx context.Context, filters map[string]string, sources []models.Source) *aggregator.Result
}
