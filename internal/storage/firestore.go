package storage

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pauljones0/carscout/internal/models"
)

const firestoreCollection = "external_listings"

// listingNamespace scopes the name-based document ids. Changing it orphans
// every stored listing.
var listingNamespace = uuid.MustParse("0b6f5a52-8d0e-4b6a-9c7e-3f1e2d4c5a69")

type firestoreListing struct {
	models.ListingRecord
	UserID    string    `firestore:"userId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// Firestore stores listings as documents keyed by user and listing so the
// uniqueness rule holds without a query.
type Firestore struct {
	client *firestore.Client
}

func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

// ListingDocID is the document id for one user's copy of a listing.
func ListingDocID(userID string, key models.ListingKey) string {
	return uuid.NewSHA1(listingNamespace, []byte(userID+"/"+string(key.Source)+"/"+key.ListingID)).String()
}

func (f *Firestore) ExistingKeys(ctx context.Context, userID string) (map[models.ListingKey]struct{}, error) {
	iter := f.client.Collection(firestoreCollection).
		Where("userId", "==", userID).
		Select("source", "listingId").
		Documents(ctx)
	defer iter.Stop()

	keys := make(map[models.ListingKey]struct{})
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate listings for user: %w", err)
		}
		source, _ := doc.Data()["source"].(string)
		listingID, _ := doc.Data()["listingId"].(string)
		if source == "" || listingID == "" {
			continue
		}
		keys[models.ListingKey{Source: models.Source(source), ListingID: listingID}] = struct{}{}
	}
	return keys, nil
}

// InsertListing creates the listing document. Create fails if the document
// already exists, which maps to ErrListingExists.
func (f *Firestore) InsertListing(ctx context.Context, userID string, rec models.ListingRecord, createdAt time.Time) (string, error) {
	id := ListingDocID(userID, rec.Key())
	_, err := f.client.Collection(firestoreCollection).Doc(id).Create(ctx, firestoreListing{
		ListingRecord: rec,
		UserID:        userID,
		CreatedAt:     createdAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return "", ErrListingExists
		}
		return "", fmt.Errorf("failed to create listing %s: %w", rec.Key(), err)
	}
	return id, nil
}
