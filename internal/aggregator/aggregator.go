// Package aggregator fans a search out to every requested provider and
// merges what comes back.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pauljones0/carscout/internal/cache"
	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/query"
	"github.com/pauljones0/carscout/internal/scraper"
)

// Extractors resolves provider ids to their extractor.
type Extractors interface {
	Get(models.Source) (scraper.Extractor, bool)
	Sources() []models.Source
}

// ResultCache is the slice of cache.ResultCache the aggregator needs.
type ResultCache interface {
	Get(ctx context.Context, source models.Source, query string) ([]models.ListingRecord, bool)
	Put(ctx context.Context, source models.Source, query string, records []models.ListingRecord, ttl time.Duration) error
}

type Options struct {
	// TTL of freshly extracted results. Defaults to cache.DefaultTTL.
	TTL time.Duration
	// FetchTimeout bounds the work done for one source on a cache miss.
	FetchTimeout time.Duration
}

// SourceResult is the outcome for one provider. Err is set when the fetch
// failed or the caller stopped waiting; Listings is then empty.
type SourceResult struct {
	Source   models.Source
	Listings []models.ListingRecord
	CacheHit bool
	Err      error
}

type Result struct {
	Listings    []models.ListingRecord
	SourceStats map[models.Source]models.SourceStat
	Sources     []SourceResult
}

type Aggregator struct {
	extractors Extractors
	fetcher    scraper.PageFetcher
	cache      ResultCache
	opts       Options
	flight     singleflight.Group
}

func New(extractors Extractors, fetcher scraper.PageFetcher, rc ResultCache, opts Options) *Aggregator {
	if opts.TTL <= 0 {
		opts.TTL = cache.DefaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 35 * time.Second
	}
	return &Aggregator{
		extractors: extractors,
		fetcher:    fetcher,
		cache:      rc,
		opts:       opts,
	}
}

// Aggregate queries every requested source in parallel. An empty source list
// means every configured provider. Unknown sources are skipped and repeated
// ones collapsed. Listings keep the requested source order; no
// de-duplication happens across sources.
func (a *Aggregator) Aggregate(ctx context.Context, filters map[string]string, sources []models.Source) *Result {
	targets := a.resolveSources(sources)
	q := query.SearchKey(filters)

	results := make([]SourceResult, len(targets))
	var g errgroup.Group
	for i, src := range targets {
		g.Go(func() error {
			results[i] = a.runSource(ctx, src, filters, q)
			return nil
		})
	}
	_ = g.Wait()

	out := &Result{
		Listings:    []models.ListingRecord{},
		SourceStats: make(map[models.Source]models.SourceStat, len(results)),
		Sources:     results,
	}
	for _, r := range results {
		out.Listings = append(out.Listings, r.Listings...)
		out.SourceStats[r.Source] = models.SourceStat{Count: len(r.Listings), CacheHit: r.CacheHit}
	}
	return out
}

func (a *Aggregator) resolveSources(requested []models.Source) []models.Source {
	if len(requested) == 0 {
		return a.extractors.Sources()
	}
	var out []models.Source
	seen := make(map[models.Source]bool, len(requested))
	for _, src := range requested {
		if seen[src] {
			continue
		}
		seen[src] = true
		if _, ok := a.extractors.Get(src); !ok {
			slog.Warn("Skipping unknown source", "source", src)
			continue
		}
		out = append(out, src)
	}
	return out
}

func (a *Aggregator) runSource(ctx context.Context, src models.Source, filters map[string]string, q string) SourceResult {
	if records, ok := a.cache.Get(ctx, src, q); ok {
		slog.Debug("Cache hit", "source", src, "query", q, "count", len(records))
		return SourceResult{Source: src, Listings: records, CacheHit: true}
	}

	// The refresh outlives an impatient caller so its result still lands
	// in the cache; concurrent misses for the same key share one refresh.
	detached := context.WithoutCancel(ctx)
	ch := a.flight.DoChan(cache.Key(src, q), func() (interface{}, error) {
		return a.refresh(detached, src, filters, q)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			slog.Warn("Source failed", "source", src, "query", q, "error", res.Err)
			return SourceResult{Source: src, Listings: []models.ListingRecord{}, Err: res.Err}
		}
		return SourceResult{Source: src, Listings: res.Val.([]models.ListingRecord)}
	case <-ctx.Done():
		return SourceResult{Source: src, Listings: []models.ListingRecord{}, Err: ctx.Err()}
	}
}

// refresh fetches and extracts one source and caches the result. Failed
// fetches are not cached.
func (a *Aggregator) refresh(ctx context.Context, src models.Source, filters map[string]string, q string) ([]models.ListingRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
	defer cancel()

	ex, ok := a.extractors.Get(src)
	if !ok {
		return nil, fmt.Errorf("no extractor for %s", src)
	}
	reqURL, err := ex.BuildRequestURL(filters)
	if err != nil {
		return nil, fmt.Errorf("failed to build request URL for %s: %w", src, err)
	}

	start := time.Now()
	body, err := a.fetcher.Fetch(ctx, src, reqURL)
	if err != nil {
		return nil, err
	}

	records := ex.Extract(body)
	if records == nil {
		records = []models.ListingRecord{}
	}
	slog.Info("Fetched source", "source", src, "count", len(records), "duration", time.Since(start))

	if err := a.cache.Put(ctx, src, q, records, a.opts.TTL); err != nil {
		slog.Warn("Failed to cache source result", "source", src, "error", err)
	}
	return records, nil
}
