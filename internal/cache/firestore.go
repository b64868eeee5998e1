package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreCollection = "scrape_cache"

// cacheNamespace scopes the name-based UUIDs used as document ids; cache
// keys may contain characters Firestore does not allow in ids.
var cacheNamespace = uuid.MustParse("6f1c3b64-2f5e-4c0e-9a51-2d0d8a1f7c11")

type firestoreEntry struct {
	Key       string    `firestore:"key"`
	Value     []byte    `firestore:"value"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreStore shares the cache between instances. Expired documents are
// ignored on read and removed by PurgeExpired.
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client, now: time.Now}
}

func docID(key string) string {
	return uuid.NewSHA1(cacheNamespace, []byte(key)).String()
}

func (s *FirestoreStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	doc, err := s.client.Collection(firestoreCollection).Doc(docID(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}

	var e firestoreEntry
	if err := doc.DataTo(&e); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	if !e.ExpiresAt.IsZero() && !s.now().Before(e.ExpiresAt) {
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (s *FirestoreStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := firestoreEntry{Key: key, Value: value}
	if ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl)
	}
	if _, err := s.client.Collection(firestoreCollection).Doc(docID(key)).Set(ctx, e); err != nil {
		return fmt.Errorf("failed to set cache entry %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes up to limit expired entries and returns how many
// deletes were queued.
func (s *FirestoreStore) PurgeExpired(ctx context.Context, limit int) (int, error) {
	iter := s.client.Collection(firestoreCollection).
		Where("expiresAt", "<", s.now()).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	bulkWriter := s.client.BulkWriter(ctx)
	defer bulkWriter.End()

	deleted := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to iterate expired cache entries: %w", err)
		}
		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			slog.Warn("Failed to queue cache entry delete", "id", doc.Ref.ID, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		bulkWriter.Flush()
		slog.Info("Purged expired cache entries", "count", deleted)
	}
	return deleted, nil
}
