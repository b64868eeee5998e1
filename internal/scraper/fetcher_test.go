package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"testing"
	"time"

	"github.com/pauljones0/carscout/internal/models"
)

func testFetcher(t *testing.T, srv *httptest.Server) *Fetcher {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return NewFetcher(FetcherConfig{
		Timeout:      5 * time.Second,
		AllowedHosts: []string{u.Hostname()},
	})
}

func TestFetcher_SendsBrowserHeaders(t *testing.T) {
	var gotUA, gotLang, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		gotReferer = r.Header.Get("Referer")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	body, err := testFetcher(t, srv).Fetch(context.Background(), models.SourceLeBonCoin, srv.URL+"/recherche")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(body) != "<html>ok</html>" {
		t.Errorf("Fetch() body = %q", body)
	}
	if !slices.Contains(defaultUserAgents, gotUA) {
		t.Errorf("User-Agent %q not drawn from the pool", gotUA)
	}
	if gotLang != acceptLanguage {
		t.Errorf("Accept-Language = %q, want %q", gotLang, acceptLanguage)
	}
	if gotReferer == "" {
		t.Error("Referer header not set")
	}
}

func TestFetcher_Non2xxIsFetchError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testFetcher(t, srv).Fetch(context.Background(), models.SourceLaCentrale, srv.URL)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Fetch() error = %v, want *FetchError", err)
	}
	if fe.StatusCode != http.StatusServiceUnavailable || fe.Source != models.SourceLaCentrale {
		t.Errorf("FetchError = %+v", fe)
	}
	if calls != 1 {
		t.Errorf("server saw %d requests, want 1 (no retries)", calls)
	}
}

func TestFetcher_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	f := testFetcher(t, srv)
	srv.Close()

	_, err := f.Fetch(context.Background(), models.SourceLeBonCoin, srv.URL)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != 0 || fe.Err == nil {
		t.Fatalf("Fetch() error = %v, want transport *FetchError", err)
	}
}

func TestFetcher_RejectsUnlistedHosts(t *testing.T) {
	f := NewFetcher(FetcherConfig{AllowedHosts: []string{"leboncoin.fr"}})

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"Subdomain allowed", "https://www.leboncoin.fr/recherche", false},
		{"Other host", "https://evil.example.com/", true},
		{"Lookalike host", "https://notleboncoin.fr/", true},
		{"Bad scheme", "file:///etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.checkURL(tt.url); (err != nil) != tt.wantErr {
				t.Errorf("checkURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}

	_, err := f.Fetch(context.Background(), models.SourceLeBonCoin, "https://evil.example.com/")
	if !errors.Is(err, ErrHostNotAllowed) {
		t.Errorf("Fetch() error = %v, want ErrHostNotAllowed", err)
	}
}

func TestPoliteness_DelayWithinBounds(t *testing.T) {
	p := newPoliteness(FetcherConfig{MinDelay: time.Second, MaxDelay: 3 * time.Second})
	for i := 0; i < 1000; i++ {
		d := p.delay()
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("delay() = %v, want within [1s, 3s]", d)
		}
	}

	fixed := newPoliteness(FetcherConfig{MinDelay: 2 * time.Second, MaxDelay: time.Second})
	if d := fixed.delay(); d != 2*time.Second {
		t.Errorf("delay() with inverted bounds = %v, want 2s", d)
	}
}

func TestPoliteness_WaitHonorsCancellation(t *testing.T) {
	p := newPoliteness(FetcherConfig{MinDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := p.wait(ctx, models.SourceLeBonCoin); !errors.Is(err, context.Canceled) {
		t.Errorf("wait() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("wait() did not return promptly on cancellation")
	}
}

func TestPoliteness_LimiterPerSource(t *testing.T) {
	unlimited := newPoliteness(FetcherConfig{})
	if unlimited.limiter(models.SourceLeBonCoin) != nil {
		t.Error("limiter() != nil with no rate configured")
	}

	p := newPoliteness(FetcherConfig{RequestsPerSecond: 2})
	a := p.limiter(models.SourceLeBonCoin)
	if a == nil || a != p.limiter(models.SourceLeBonCoin) {
		t.Error("limiter() should return one shared limiter per source")
	}
	if a == p.limiter(models.SourceLaCentrale) {
		t.Error("sources should not share a limiter")
	}
}

type recordingFetcher struct {
	name  string
	calls []models.Source
}

func (r *recordingFetcher) Fetch(_ context.Context, source models.Source, _ string) ([]byte, error) {
	r.calls = append(r.calls, source)
	return []byte(r.name), nil
}

func TestModeFetcher_Routes(t *testing.T) {
	httpF := &recordingFetcher{name: "http"}
	browserF := &recordingFetcher{name: "browser"}
	reg := testRegistry(t)

	m := &ModeFetcher{HTTP: httpF, Browser: browserF, Modes: reg}
	ctx := context.Background()
	_, _ = m.Fetch(ctx, models.SourceLeBonCoin, "https://www.leboncoin.fr/")
	_, _ = m.Fetch(ctx, models.SourceLeParking, "https://www.leparking.fr/")

	if len(httpF.calls) != 1 || httpF.calls[0] != models.SourceLeBonCoin {
		t.Errorf("http fetcher calls = %v", httpF.calls)
	}
	if len(browserF.calls) != 1 || browserF.calls[0] != models.SourceLeParking {
		t.Errorf("browser fetcher calls = %v", browserF.calls)
	}

	noBrowser := &ModeFetcher{HTTP: httpF, Modes: reg}
	body, _ := noBrowser.Fetch(ctx, models.SourceLeParking, "https://www.leparking.fr/")
	if string(body) != "http" {
		t.Errorf("without a browser fetcher, browser sources should go over HTTP, got %q", body)
	}
}
