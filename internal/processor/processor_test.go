package processor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pauljones0/carscout/internal/aggregator"
	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/storage"
)

const providerA models.Source = "providerA"

// MockStore enforces the (user, source, listingId) uniqueness rule like the
// real stores.
type MockStore struct {
	mu          sync.Mutex
	rows        map[string]map[models.ListingKey]string
	nextID      int
	existingErr error
	insertErr   map[models.ListingKey]error
	inserts     int
}

func NewMockStore() *MockStore {
	return &MockStore{
		rows:      make(map[string]map[models.ListingKey]string),
		insertErr: make(map[models.ListingKey]error),
	}
}

func (m *MockStore) ExistingKeys(ctx context.Context, userID string) (map[models.ListingKey]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existingErr != nil {
		return nil, m.existingErr
	}
	keys := make(map[models.ListingKey]struct{})
	for k := range m.rows[userID] {
		keys[k] = struct{}{}
	}
	return keys, nil
}

func (m *MockStore) InsertListing(ctx context.Context, userID string, rec models.ListingRecord, createdAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if err := m.insertErr[rec.Key()]; err != nil {
		return "", err
	}
	if m.rows[userID] == nil {
		m.rows[userID] = make(map[models.ListingKey]string)
	}
	if _, ok := m.rows[userID][rec.Key()]; ok {
		return "", storage.ErrListingExists
	}
	m.nextID++
	id := "row-" + strconv.Itoa(m.nextID)
	m.rows[userID][rec.Key()] = id
	return id, nil
}

func (m *MockStore) seed(userID string, keys ...models.ListingKey) {
	for _, k := range keys {
		_, _ = m.InsertListing(context.Background(), userID, models.ListingRecord{Source: k.Source, ListingID: k.ListingID}, time.Now())
	}
	m.inserts = 0
}

type MockNotifier struct {
	calls    int
	userID   string
	listings []models.ListingRecord
	err      error
}

func (m *MockNotifier) NotifyNewListings(ctx context.Context, userID string, listings []models.ListingRecord) error {
	m.calls++
	m.userID = userID
	m.listings = listings
	return m.err
}

type MockAggregator struct {
	result  *aggregator.Result
	filters map[string]string
	sources []models.Source
	calls   int
}

func (m *MockAggregator) Aggregate(ctx context.Context, filters map[string]string, sources []models.Source) *aggregator.Result {
	m.calls++
	m.filters = filters
	m.sources = sources
	return m.result
}

func listing(id string) models.ListingRecord {
	return models.ListingRecord{
		Title:     "car " + id,
		Price:     1000,
		SourceURL: "https://provider-a.example/ad/" + id,
		Source:    providerA,
		ListingID: id,
		ScrapedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSaveNew_SkipsAlreadyStored(t *testing.T) {
	store := NewMockStore()
	store.seed("user-1", models.ListingKey{Source: providerA, ListingID: "123"})
	saver := NewSaver(store)

	res := saver.SaveNew(context.Background(), "user-1", []models.ListingRecord{listing("123"), listing("456")})

	if len(res.IDs) != 1 || res.Skipped != 1 || len(res.Failed) != 0 {
		t.Fatalf("SaveNew() = %+v, want 1 saved and 1 skipped", res)
	}
	if res.Saved[0].ListingID != "456" {
		t.Errorf("saved %q, want 456", res.Saved[0].ListingID)
	}
	if store.inserts != 1 {
		t.Errorf("inserts = %d, want 1", store.inserts)
	}
}

func TestSaveNew_UsersAreIndependent(t *testing.T) {
	store := NewMockStore()
	store.seed("user-1", models.ListingKey{Source: providerA, ListingID: "123"})
	saver := NewSaver(store)

	res := saver.SaveNew(context.Background(), "user-2", []models.ListingRecord{listing("123")})
	if len(res.IDs) != 1 {
		t.Errorf("SaveNew() for another user saved %d, want 1", len(res.IDs))
	}
}

func TestSaveNew_DuplicatesWithinBatch(t *testing.T) {
	store := NewMockStore()
	saver := NewSaver(store)

	res := saver.SaveNew(context.Background(), "user-1", []models.ListingRecord{listing("1"), listing("1"), listing("2")})
	if len(res.IDs) != 2 || res.Skipped != 1 || store.inserts != 2 {
		t.Errorf("SaveNew() = %+v with %d inserts, want 2 saved, 1 skipped, 2 inserts", res, store.inserts)
	}
}

func TestSaveNew_SecondRunSavesNothing(t *testing.T) {
	store := NewMockStore()
	saver := NewSaver(store)
	batch := []models.ListingRecord{listing("1"), listing("2")}

	first := saver.SaveNew(context.Background(), "user-1", batch)
	second := saver.SaveNew(context.Background(), "user-1", batch)

	if len(first.IDs) != 2 || len(second.IDs) != 0 || second.Skipped != 2 {
		t.Errorf("first = %+v, second = %+v", first, second)
	}
}

func TestSaveNew_InsertFailureDoesNotAbortBatch(t *testing.T) {
	store := NewMockStore()
	boom := errors.New("connection reset")
	store.insertErr[models.ListingKey{Source: providerA, ListingID: "2"}] = boom
	saver := NewSaver(store)

	res := saver.SaveNew(context.Background(), "user-1", []models.ListingRecord{listing("1"), listing("2"), listing("3")})

	if len(res.IDs) != 2 {
		t.Errorf("saved %d, want 2", len(res.IDs))
	}
	if len(res.Failed) != 1 || res.Failed[0].Key.ListingID != "2" || !errors.Is(res.Failed[0].Err, boom) {
		t.Errorf("Failed = %+v", res.Failed)
	}
}

func TestSaveNew_LookupFailureFallsBackToConstraint(t *testing.T) {
	store := NewMockStore()
	store.seed("user-1", models.ListingKey{Source: providerA, ListingID: "123"})
	store.existingErr = errors.New("timeout")
	saver := NewSaver(store)

	res := saver.SaveNew(context.Background(), "user-1", []models.ListingRecord{listing("123"), listing("456")})

	if len(res.IDs) != 1 || res.Skipped != 1 || len(res.Failed) != 0 {
		t.Errorf("SaveNew() = %+v, want the existing row skipped via ErrListingExists", res)
	}
}

func TestSaveNew_AnonymousOrEmpty(t *testing.T) {
	store := NewMockStore()
	saver := NewSaver(store)

	if res := saver.SaveNew(context.Background(), "", []models.ListingRecord{listing("1")}); len(res.IDs) != 0 {
		t.Error("SaveNew() saved for an anonymous caller")
	}
	if res := saver.SaveNew(context.Background(), "user-1", nil); len(res.IDs) != 0 || store.inserts != 0 {
		t.Error("SaveNew() did work for an empty batch")
	}
}

func aggregated(records ...models.ListingRecord) *aggregator.Result {
	return &aggregator.Result{
		Listings:    records,
		SourceStats: map[models.Source]models.SourceStat{providerA: {Count: len(records)}},
		Sources:     []aggregator.SourceResult{{Source: providerA, Listings: records}},
	}
}

func TestSearch_RequiresAFilter(t *testing.T) {
	agg := &MockAggregator{result: aggregated()}
	p := New(agg, nil, nil)

	_, err := p.Search(context.Background(), models.SearchRequest{Filters: map[string]string{"sources": "providerA"}}, "")
	if !errors.Is(err, ErrNoFilters) {
		t.Errorf("Search() error = %v, want ErrNoFilters", err)
	}
	if agg.calls != 0 {
		t.Error("aggregator called without filters")
	}
}

func TestSearch_Anonymous(t *testing.T) {
	agg := &MockAggregator{result: aggregated(listing("1"), listing("2"))}
	store := NewMockStore()
	p := New(agg, NewSaver(store), &MockNotifier{})

	req := models.SearchRequest{Filters: map[string]string{"brand": "BMW"}, Sources: []models.Source{providerA}}
	resp, err := p.Search(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Count != 2 || resp.SavedCount != nil || resp.SavedIDs != nil {
		t.Errorf("Search() = %+v, want 2 listings and no save info", resp)
	}
	if store.inserts != 0 {
		t.Error("anonymous search saved listings")
	}
	if diff := cmp.Diff([]models.Source{providerA}, agg.sources); diff != "" {
		t.Errorf("sources passed to aggregator (-want +got):\n%s", diff)
	}
}

// A failed source is already logged by the aggregator; Search only carries
// it in the stats.
func TestSearch_FailedSourceOnlyInStats(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	const providerB models.Source = "providerB"
	res := aggregated(listing("1"))
	res.SourceStats[providerB] = models.SourceStat{}
	res.Sources = append(res.Sources, aggregator.SourceResult{
		Source:   providerB,
		Listings: []models.ListingRecord{},
		Err:      errors.New("503 Service Unavailable"),
	})
	p := New(&MockAggregator{result: res}, nil, nil)

	req := models.SearchRequest{Filters: map[string]string{"brand": "BMW"}}
	resp, err := p.Search(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("Count = %d, want 1", resp.Count)
	}
	if got, ok := resp.SourceStats[providerB]; !ok || got.Count != 0 || got.CacheHit {
		t.Errorf("failed source stats = %+v (present %v), want zero count", got, ok)
	}
	if logs.Len() != 0 {
		t.Errorf("Search() logged a source failure again:\n%s", logs.String())
	}
}

func TestSearch_SavesAndNotifiesNewListings(t *testing.T) {
	agg := &MockAggregator{result: aggregated(listing("123"), listing("456"))}
	store := NewMockStore()
	store.seed("user-1", models.ListingKey{Source: providerA, ListingID: "123"})
	notifier := &MockNotifier{}
	p := New(agg, NewSaver(store), notifier)

	resp, err := p.Search(context.Background(), models.SearchRequest{Filters: map[string]string{"brand": "BMW"}}, "user-1")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Count = %d, want all aggregated listings", resp.Count)
	}
	if resp.SavedCount == nil || *resp.SavedCount != 1 || len(resp.SavedIDs) != 1 {
		t.Errorf("save info = %v / %v, want 1 saved", resp.SavedCount, resp.SavedIDs)
	}
	if notifier.calls != 1 || notifier.userID != "user-1" || len(notifier.listings) != 1 || notifier.listings[0].ListingID != "456" {
		t.Errorf("notifier got %d calls with %v", notifier.calls, notifier.listings)
	}
}

func TestSearch_NothingNewSkipsNotification(t *testing.T) {
	agg := &MockAggregator{result: aggregated(listing("123"))}
	store := NewMockStore()
	store.seed("user-1", models.ListingKey{Source: providerA, ListingID: "123"})
	notifier := &MockNotifier{}
	p := New(agg, NewSaver(store), notifier)

	resp, err := p.Search(context.Background(), models.SearchRequest{Filters: map[string]string{"brand": "BMW"}}, "user-1")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.SavedCount == nil || *resp.SavedCount != 0 {
		t.Errorf("SavedCount = %v, want 0", resp.SavedCount)
	}
	if notifier.calls != 0 {
		t.Error("notifier called with nothing new")
	}
}

func TestSearch_NotifierFailureIsNotFatal(t *testing.T) {
	agg := &MockAggregator{result: aggregated(listing("1"))}
	notifier := &MockNotifier{err: errors.New("webhook down")}
	p := New(agg, NewSaver(NewMockStore()), notifier)

	resp, err := p.Search(context.Background(), models.SearchRequest{Filters: map[string]string{"maxPrice": "5000"}}, "user-1")
	if err != nil || resp == nil || *resp.SavedCount != 1 {
		t.Errorf("Search() = %+v, %v; want success despite notifier error", resp, err)
	}
}
