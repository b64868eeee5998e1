package models

import (
	"time"
)

// Source identifies an external listing provider.
type Source string

const (
	SourceLeBonCoin   Source = "leboncoin"
	SourceLaCentrale  Source = "lacentrale"
	SourceAutoScout24 Source = "autoscout24"
	SourceLeParking   Source = "leparking"
)

// ListingRecord is one external car listing as extracted from a provider page.
type ListingRecord struct {
	Title        string    `json:"title" firestore:"title" validate:"required"`
	Price        float64   `json:"price" firestore:"price" validate:"gte=0"`
	Location     string    `json:"location" firestore:"location"`
	Year         *int      `json:"year,omitempty" firestore:"year,omitempty" validate:"omitempty,gte=0"`
	Mileage      *int      `json:"mileage,omitempty" firestore:"mileage,omitempty" validate:"omitempty,gte=0"`
	Brand        string    `json:"brand,omitempty" firestore:"brand,omitempty"`
	Model        string    `json:"model,omitempty" firestore:"model,omitempty"`
	FuelType     string    `json:"fuelType,omitempty" firestore:"fuelType,omitempty"`
	Transmission string    `json:"transmission,omitempty" firestore:"transmission,omitempty"`
	ImageURL     string    `json:"imageUrl,omitempty" firestore:"imageUrl,omitempty"`
	SourceURL    string    `json:"sourceUrl" firestore:"sourceUrl" validate:"required,url"`
	Source       Source    `json:"source" firestore:"source" validate:"required"`
	ListingID    string    `json:"listingId" firestore:"listingId" validate:"required"`
	ScrapedAt    time.Time `json:"scrapedAt" firestore:"scrapedAt" validate:"required"`
}

// Key returns the dedup key of the record.
func (r ListingRecord) Key() ListingKey {
	return ListingKey{Source: r.Source, ListingID: r.ListingID}
}

// ListingKey is the (source, listingId) pair that identifies an external
// listing regardless of where or how often it is stored.
type ListingKey struct {
	Source    Source
	ListingID string
}

func (k ListingKey) String() string {
	return string(k.Source) + ":" + k.ListingID
}

// SourceStat summarizes one provider's contribution to an aggregated search.
type SourceStat struct {
	Count    int  `json:"count"`
	CacheHit bool `json:"cacheHit"`
}

// SearchRequest is what the API layer hands to the pipeline.
type SearchRequest struct {
	Filters map[string]string
	Sources []Source
}

// SearchResponse is the unified payload returned to the API layer.
type SearchResponse struct {
	Listings    []ListingRecord       `json:"listings"`
	Count       int                   `json:"count"`
	SourceStats map[Source]SourceStat `json:"sourceStats"`
	SavedCount  *int                  `json:"savedCount,omitempty"`
	SavedIDs    []string              `json:"savedIds,omitempty"`
}

// IntPtr is a small helper for optional numeric fields.
func IntPtr(v int) *int {
	return &v
}
