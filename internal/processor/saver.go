package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/storage"
)

// SaveFailure records a listing that could not be stored.
type SaveFailure struct {
	Key models.ListingKey
	Err error
}

type SaveResult struct {
	IDs     []string               // row ids of the listings actually inserted
	Saved   []models.ListingRecord // the inserted listings, same order as IDs
	Skipped int                    // already stored, or repeated within the batch
	Failed  []SaveFailure
}

// Saver stores the listings a user has not seen before.
type Saver struct {
	store ListingStore
	now   func() time.Time
}

func NewSaver(store ListingStore) *Saver {
	return &Saver{store: store, now: time.Now}
}

// SaveNew inserts every record whose (source, listingId) the user does not
// have yet. A failed lookup of existing keys is not fatal: the store's
// uniqueness rule still rejects duplicates. One failed insert does not stop
// the rest of the batch.
func (s *Saver) SaveNew(ctx context.Context, userID string, records []models.ListingRecord) SaveResult {
	var res SaveResult
	if userID == "" || len(records) == 0 {
		return res
	}

	existing, err := s.store.ExistingKeys(ctx, userID)
	if err != nil {
		slog.Warn("Failed to load existing listings, relying on unique constraint", "user_id", userID, "error", err)
		existing = nil
	}

	seen := make(map[models.ListingKey]bool, len(records))
	createdAt := s.now()
	for _, rec := range records {
		key := rec.Key()
		if _, ok := existing[key]; ok || seen[key] {
			res.Skipped++
			continue
		}
		seen[key] = true

		id, err := s.store.InsertListing(ctx, userID, rec, createdAt)
		if err != nil {
			if errors.Is(err, storage.ErrListingExists) {
				res.Skipped++
				continue
			}
			slog.Error("Failed to save listing", "user_id", userID, "listing", key.String(), "error", err)
			res.Failed = append(res.Failed, SaveFailure{Key: key, Err: err})
			continue
		}
		res.IDs = append(res.IDs, id)
		res.Saved = append(res.Saved, rec)
	}

	slog.Info("Saved new listings", "user_id", userID, "saved", len(res.IDs), "skipped", res.Skipped, "failed", len(res.Failed))
	return res
}
