package scraper

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/util"
	"github.com/pauljones0/carscout/internal/validator"
)

// Extractor turns one provider's result page into listing records.
type Extractor interface {
	Source() models.Source
	// BuildRequestURL composes the provider search URL from the filters the
	// provider understands. Unsupported filters are ignored.
	BuildRequestURL(filters map[string]string) (string, error)
	// Extract is best effort: blocks without a title or a price, or that
	// fail validation, are skipped.
	Extract(body []byte) []models.ListingRecord
}

type Option func(*provider)

// WithClock overrides the clock used to stamp ScrapedAt.
func WithClock(now func() time.Time) Option {
	return func(p *provider) { p.now = now }
}

// WithValidator sets the validator records must pass before being returned.
func WithValidator(v *validator.Validator) Option {
	return func(p *provider) { p.validator = v }
}

// NewExtractor builds the extractor for one provider configuration.
func NewExtractor(cfg ProviderConfig, opts ...Option) (Extractor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &provider{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.validator == nil {
		p.validator = validator.New()
	}

	switch cfg.Strategy {
	case StrategyPattern:
		return newPatternExtractor(p, cfg.Pattern)
	default:
		return newSelectorExtractor(p, cfg.Selector)
	}
}

// provider holds what every extraction strategy shares.
type provider struct {
	cfg       ProviderConfig
	now       func() time.Time
	validator *validator.Validator
}

func (p *provider) Source() models.Source {
	return models.Source(p.cfg.Source)
}

func (p *provider) BuildRequestURL(filters map[string]string) (string, error) {
	u, err := url.Parse(p.cfg.SearchURL)
	if err != nil {
		return "", fmt.Errorf("invalid search URL for %s: %w", p.cfg.Source, err)
	}

	q := u.Query()
	for k, v := range p.cfg.FixedParams {
		q.Set(k, v)
	}
	for _, rule := range p.cfg.Params {
		if v, ok := rule.render(filters); ok {
			q.Set(rule.Name, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r ParamRule) render(filters map[string]string) (string, bool) {
	values := make([]string, len(r.Keys))
	present := false
	for i, k := range r.Keys {
		values[i] = applyCase(strings.TrimSpace(filters[k]), r.Case)
		if values[i] != "" {
			present = true
		}
	}
	if !present {
		return "", false
	}

	switch r.Kind {
	case ParamJoined:
		// The leading key anchors the value: a model alone means nothing.
		if values[0] == "" {
			return "", false
		}
		var parts []string
		for _, v := range values {
			if v != "" {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, r.Sep), true
	case ParamRange:
		low, high := values[0], values[1]
		if low == "" {
			low = r.OpenLow
		}
		if high == "" {
			high = r.OpenHigh
		}
		return low + r.Sep + high, true
	default:
		return values[0], values[0] != ""
	}
}

func applyCase(s, mode string) string {
	switch mode {
	case "upper":
		return strings.ToUpper(s)
	case "lower":
		return strings.ToLower(s)
	}
	return s
}

// listingURL returns the canonical URL of a listing, preferring the
// configured template over the scraped link.
func (p *provider) listingURL(id, link string) string {
	raw := link
	if p.cfg.ListingURL != "" {
		raw = strings.ReplaceAll(p.cfg.ListingURL, "{id}", url.PathEscape(id))
	}
	if raw == "" {
		return ""
	}
	if normalized, err := util.NormalizeURL(raw); err == nil {
		return normalized
	}
	return raw
}

// enrichFromTitle fills fields the page did not provide separately.
func (p *provider) enrichFromTitle(rec *models.ListingRecord) {
	if !p.cfg.TitleEnrichment {
		return
	}
	if rec.Year == nil {
		if y, ok := util.ParseYear(rec.Title); ok {
			rec.Year = models.IntPtr(y)
		}
	}
	if rec.Mileage == nil {
		if km, ok := util.ParseMileage(rec.Title); ok {
			rec.Mileage = models.IntPtr(km)
		}
	}
	if rec.FuelType == "" {
		rec.FuelType = util.MatchFuelType(rec.Title)
	}
	if rec.Transmission == "" {
		rec.Transmission = util.MatchTransmission(rec.Title)
	}
	if rec.Brand == "" && rec.Model == "" {
		rec.Brand, rec.Model = util.SplitBrandModel(rec.Title)
	}
}

// finish stamps provider metadata and reports whether the record is usable.
func (p *provider) finish(rec *models.ListingRecord) bool {
	rec.Source = p.Source()
	rec.ScrapedAt = p.now()
	p.enrichFromTitle(rec)

	if err := p.validator.ValidateListing(*rec); err != nil {
		slog.Debug("Skipping listing that failed validation", "source", rec.Source, "listing_id", rec.ListingID, "error", err)
		return false
	}
	return true
}

// Registry holds the configured extractors in their configured order.
type Registry struct {
	order      []models.Source
	extractors map[models.Source]Extractor
	modes      map[models.Source]FetchMode
	hosts      []string
}

// NewRegistry builds an extractor for every enabled provider.
func NewRegistry(cfg ProvidersConfig, opts ...Option) (*Registry, error) {
	r := &Registry{
		extractors: make(map[models.Source]Extractor),
		modes:      make(map[models.Source]FetchMode),
	}
	for _, pc := range cfg.Providers {
		if pc.Disabled {
			continue
		}
		src := models.Source(pc.Source)
		if _, dup := r.extractors[src]; dup {
			return nil, fmt.Errorf("provider %s configured twice", src)
		}
		ex, err := NewExtractor(pc, opts...)
		if err != nil {
			return nil, err
		}
		r.order = append(r.order, src)
		r.extractors[src] = ex
		r.modes[src] = pc.Fetch
		for _, h := range pc.Hosts() {
			if !containsString(r.hosts, h) {
				r.hosts = append(r.hosts, h)
			}
		}
	}
	return r, nil
}

func (r *Registry) Get(src models.Source) (Extractor, bool) {
	ex, ok := r.extractors[src]
	return ex, ok
}

// Sources lists every enabled provider in configuration order.
func (r *Registry) Sources() []models.Source {
	return append([]models.Source(nil), r.order...)
}

func (r *Registry) FetchMode(src models.Source) FetchMode {
	if m := r.modes[src]; m != "" {
		return m
	}
	return FetchHTTP
}

// AllowedHosts is the fetch allowlist derived from the provider URLs.
func (r *Registry) AllowedHosts() []string {
	return append([]string(nil), r.hosts...)
}
