package processor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/query"
)

var ErrNoFilters = errors.New("at least one search filter is required")

type Processor interface {
	Search(ctx context.Context, req models.SearchRequest, userID string) (*models.SearchResponse, error)
}

type ListingProcessor struct {
	aggregator Aggregator
	saver      *Saver
	notifier   ListingNotifier
}

// New wires the pipeline. saver and notifier may be nil to disable
// persistence or notifications.
func New(agg Aggregator, saver *Saver, n ListingNotifier) *ListingProcessor {
	return &ListingProcessor{
		aggregator: agg,
		saver:      saver,
		notifier:   n,
	}
}

// Search aggregates listings for req and, for an identified caller, saves
// the ones they have not seen before.
func (p *ListingProcessor) Search(ctx context.Context, req models.SearchRequest, userID string) (*models.SearchResponse, error) {
	if !query.HasSearchFilter(req.Filters) {
		return nil, ErrNoFilters
	}

	res := p.aggregator.Aggregate(ctx, req.Filters, req.Sources)
	resp := &models.SearchResponse{
		Listings:    res.Listings,
		Count:       len(res.Listings),
		SourceStats: res.SourceStats,
	}

	if userID == "" || p.saver == nil {
		return resp, nil
	}

	saved := p.saver.SaveNew(ctx, userID, res.Listings)
	count := len(saved.IDs)
	resp.SavedCount = &count
	resp.SavedIDs = saved.IDs

	if p.notifier != nil && len(saved.Saved) > 0 {
		if err := p.notifier.NotifyNewListings(ctx, userID, saved.Saved); err != nil {
			slog.Warn("Failed to notify about new listings", "user_id", userID, "error", err)
		}
	}
	return resp, nil
}
