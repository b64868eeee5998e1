package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pauljones0/carscout/internal/models"
	"golang.org/x/time/rate"
)

// PageFetcher retrieves the raw body of a provider page.
type PageFetcher interface {
	Fetch(ctx context.Context, source models.Source, rawURL string) ([]byte, error)
}

var ErrHostNotAllowed = errors.New("host not in allowlist")

// FetchError is returned for transport failures and non-2xx responses.
type FetchError struct {
	Source     models.Source
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s): status code %d", e.Source, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.Source, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 14_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Mobile/15E148 Safari/604.1",
}

const (
	acceptLanguage = "fr,fr-FR;q=0.8,en-US;q=0.5,en;q=0.3"
	maxBodyBytes   = 10 << 20
)

type FetcherConfig struct {
	Timeout  time.Duration
	MinDelay time.Duration
	MaxDelay time.Duration
	// RequestsPerSecond caps requests per source; zero disables the limit.
	RequestsPerSecond float64
	AllowedHosts      []string
	UserAgents        []string
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = defaultUserAgents
	}
	return c
}

// politeness is the request etiquette shared by the HTTP and browser
// fetchers: allowlist, user agent rotation, jitter and rate limits.
type politeness struct {
	cfg   FetcherConfig
	intN  func(n int64) int64
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	limiters map[models.Source]*rate.Limiter
}

func newPoliteness(cfg FetcherConfig) *politeness {
	return &politeness{
		cfg:      cfg.withDefaults(),
		intN:     rand.Int64N,
		sleep:    sleepContext,
		limiters: make(map[models.Source]*rate.Limiter),
	}
}

func (p *politeness) checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme %s: only http and https allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range p.cfg.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

func (p *politeness) userAgent() string {
	return p.cfg.UserAgents[p.intN(int64(len(p.cfg.UserAgents)))]
}

func (p *politeness) delay() time.Duration {
	spread := p.cfg.MaxDelay - p.cfg.MinDelay
	if spread <= 0 {
		return p.cfg.MinDelay
	}
	return p.cfg.MinDelay + time.Duration(p.intN(int64(spread)+1))
}

func (p *politeness) limiter(source models.Source) *rate.Limiter {
	if p.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[source]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), 1)
		p.limiters[source] = l
	}
	return l
}

// wait applies the per-source limit and the random delay before a request.
func (p *politeness) wait(ctx context.Context, source models.Source) error {
	if l := p.limiter(source); l != nil {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return p.sleep(ctx, p.delay())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fetcher issues plain HTTP GETs with browser-like headers. It never retries.
type Fetcher struct {
	httpClient *http.Client
	*politeness
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	p := newPoliteness(cfg)
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: p.cfg.Timeout,
		},
		politeness: p,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, source models.Source, rawURL string) ([]byte, error) {
	fail := func(status int, err error) error {
		return &FetchError{Source: source, URL: rawURL, StatusCode: status, Err: err}
	}

	if err := f.checkURL(rawURL); err != nil {
		return nil, fail(0, err)
	}
	if err := f.wait(ctx, source); err != nil {
		return nil, fail(0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fail(0, fmt.Errorf("failed to create request: %w", err))
	}
	setBrowserHeaders(req.Header, f.userAgent())

	slog.Debug("Fetching provider page", "source", source, "url", rawURL)
	res, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return nil, fail(res.StatusCode, fmt.Errorf("unexpected status %s", res.Status))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, fail(res.StatusCode, fmt.Errorf("failed to read body: %w", err))
	}
	return body, nil
}

func setBrowserHeaders(h http.Header, userAgent string) {
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Referer", "https://www.google.com/")
	h.Set("DNT", "1")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "cross-site")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
}

// ModeFetcher sends each source to the HTTP or browser fetcher according to
// its configured fetch mode. Browser may be nil, in which case every source
// goes over HTTP.
type ModeFetcher struct {
	HTTP    PageFetcher
	Browser PageFetcher
	Modes   interface {
		FetchMode(models.Source) FetchMode
	}
}

func (m *ModeFetcher) Fetch(ctx context.Context, source models.Source, rawURL string) ([]byte, error) {
	if m.Browser != nil && m.Modes != nil && m.Modes.FetchMode(source) == FetchBrowser {
		return m.Browser.Fetch(ctx, source, rawURL)
	}
	return m.HTTP.Fetch(ctx, source, rawURL)
}
