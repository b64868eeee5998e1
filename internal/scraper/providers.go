package scraper

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

type FetchMode string

const (
	FetchHTTP    FetchMode = "http"
	FetchBrowser FetchMode = "browser"
)

type Strategy string

const (
	StrategyPattern  Strategy = "pattern"
	StrategySelector Strategy = "selector"
)

type ParamKind string

const (
	ParamPlain  ParamKind = "plain"
	ParamJoined ParamKind = "joined"
	ParamRange  ParamKind = "range"
)

type ProvidersConfig struct {
	Providers []ProviderConfig `json:"providers"`
}

// ProviderConfig describes how to query one listing site and read its
// result page.
type ProviderConfig struct {
	Source      string            `json:"source"`
	Disabled    bool              `json:"disabled"`
	SearchURL   string            `json:"search_url"`
	BaseURL     string            `json:"base_url"`     // resolves relative links and images
	ListingURL  string            `json:"listing_url"`  // e.g. "https://host/ad/{id}.htm"
	FixedParams map[string]string `json:"fixed_params"` // e.g. "category": "2"
	Params      []ParamRule       `json:"params"`
	Fetch       FetchMode         `json:"fetch"`
	Strategy    Strategy          `json:"strategy"`

	// TitleEnrichment fills year, mileage, fuel, gearbox, brand and model
	// from the title when the page does not give them separately.
	TitleEnrichment bool `json:"title_enrichment"`

	Pattern  *PatternRules  `json:"pattern,omitempty"`
	Selector *SelectorRules `json:"selector,omitempty"`
}

// ParamRule maps one or more normalized filters onto a provider query
// parameter.
type ParamRule struct {
	Name     string    `json:"name"`
	Keys     []string  `json:"keys"`
	Kind     ParamKind `json:"kind"`
	Sep      string    `json:"sep"`
	OpenLow  string    `json:"open_low"`  // stands in for a missing lower bound
	OpenHigh string    `json:"open_high"` // stands in for a missing upper bound
	Case     string    `json:"case"`      // "upper" or "lower"
}

// PatternRules are regular expressions run over the raw page. Block must
// capture the listing id and body, as named groups "id" and "body" or as
// the first two groups. Field patterns capture their value in group 1.
type PatternRules struct {
	Block        string `json:"block"`
	Title        string `json:"title"`
	Price        string `json:"price"`
	Location     string `json:"location"`
	Image        string `json:"image"`
	Year         string `json:"year"`
	Mileage      string `json:"mileage"`
	FuelType     string `json:"fuel_type"`
	Transmission string `json:"transmission"`
}

// SelectorRules are CSS selectors evaluated relative to each container.
type SelectorRules struct {
	Container      string `json:"container"`
	IDAttr         string `json:"id_attr"`
	Link           string `json:"link"`
	IDPattern      string `json:"id_pattern"` // applied to the link when IDAttr is absent
	Title          string `json:"title"`
	Subtitle       string `json:"subtitle"`
	Price          string `json:"price"`
	Location       string `json:"location"`
	Image          string `json:"image"`
	Specs          string `json:"specs"`
	JSONLDFallback bool   `json:"jsonld_fallback"`
}

func (c ProviderConfig) validate() error {
	if c.Source == "" {
		return fmt.Errorf("provider without source")
	}
	if _, err := url.Parse(c.SearchURL); err != nil || c.SearchURL == "" {
		return fmt.Errorf("provider %s: invalid search_url %q", c.Source, c.SearchURL)
	}
	for _, p := range c.Params {
		if p.Name == "" || len(p.Keys) == 0 {
			return fmt.Errorf("provider %s: param rule needs a name and at least one key", c.Source)
		}
		if p.Kind == ParamRange && len(p.Keys) != 2 {
			return fmt.Errorf("provider %s: range param %s needs exactly two keys", c.Source, p.Name)
		}
	}
	switch c.Strategy {
	case StrategyPattern:
		if c.Pattern == nil || c.Pattern.Block == "" || c.Pattern.Title == "" || c.Pattern.Price == "" {
			return fmt.Errorf("provider %s: pattern strategy needs block, title and price patterns", c.Source)
		}
	case StrategySelector:
		if c.Selector == nil || c.Selector.Container == "" || c.Selector.Title == "" || c.Selector.Price == "" {
			return fmt.Errorf("provider %s: selector strategy needs container, title and price selectors", c.Source)
		}
		if c.Selector.IDAttr == "" && c.Selector.IDPattern == "" {
			return fmt.Errorf("provider %s: selector strategy needs id_attr or id_pattern", c.Source)
		}
	default:
		return fmt.Errorf("provider %s: unknown strategy %q", c.Source, c.Strategy)
	}
	switch c.Fetch {
	case "", FetchHTTP, FetchBrowser:
	default:
		return fmt.Errorf("provider %s: unknown fetch mode %q", c.Source, c.Fetch)
	}
	return nil
}

// Hosts returns the hostnames the provider's pages are served from.
func (c ProviderConfig) Hosts() []string {
	var hosts []string
	for _, raw := range []string{c.SearchURL, c.BaseURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		h := strings.ToLower(u.Hostname())
		if !containsString(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// LoadProviders loads the provider configuration from the specified JSON file.
func LoadProviders(path string) (ProvidersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProvidersConfig{}, fmt.Errorf("failed to read provider config file: %w", err)
	}

	return LoadProvidersFromBytes(data)
}

// LoadProvidersFromBytes parses provider configuration from raw JSON bytes.
func LoadProvidersFromBytes(data []byte) (ProvidersConfig, error) {
	var config ProvidersConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return ProvidersConfig{}, fmt.Errorf("failed to parse provider config JSON: %w", err)
	}
	if len(config.Providers) == 0 {
		return ProvidersConfig{}, fmt.Errorf("provider config lists no providers")
	}
	for _, p := range config.Providers {
		if err := p.validate(); err != nil {
			return ProvidersConfig{}, err
		}
	}

	return config, nil
}

// DefaultProviders returns the fallback configuration if no JSON file is loaded.
// Keep it in sync with the embedded providers.json.
func DefaultProviders() ProvidersConfig {
	return ProvidersConfig{
		Providers: []ProviderConfig{
			{
				Source:     "leboncoin",
				SearchURL:  "https://www.leboncoin.fr/recherche",
				BaseURL:    "https://www.leboncoin.fr",
				ListingURL: "https://www.leboncoin.fr/voitures/{id}.htm",
				FixedParams: map[string]string{
					"category":  "2",
					"locations": "France",
				},
				Params: []ParamRule{
					{Name: "brand", Keys: []string{"brand"}, Kind: ParamPlain},
					{Name: "model", Keys: []string{"model"}, Kind: ParamPlain},
					{Name: "price", Keys: []string{"minPrice", "maxPrice"}, Kind: ParamRange, Sep: "-", OpenLow: "min", OpenHigh: "max"},
					{Name: "regdate", Keys: []string{"minYear", "maxYear"}, Kind: ParamRange, Sep: "-", OpenLow: "min", OpenHigh: "max"},
				},
				Fetch:           FetchHTTP,
				Strategy:        StrategyPattern,
				TitleEnrichment: true,
				Pattern: &PatternRules{
					Block:    `<div[^>]*class="[^"]*aditem[^"]*"[^>]*data-id="(?P<id>[^"]+)"[^>]*>(?P<body>[\s\S]*?)</div>\s*</div>\s*</div>`,
					Title:    `<h2[^>]*class="[^"]*aditem_title[^"]*"[^>]*>([\s\S]*?)</h2>`,
					Price:    `<span[^>]*class="[^"]*aditem_price[^"]*"[^>]*>([\s\S]*?)</span>`,
					Location: `<p[^>]*class="[^"]*aditem_location[^"]*"[^>]*>([\s\S]*?)</p>`,
					Image:    `<img[^>]*src="([^"]+)"[^>]*>`,
				},
			},
			{
				Source:     "lacentrale",
				SearchURL:  "https://www.lacentrale.fr/listing",
				BaseURL:    "https://www.lacentrale.fr",
				ListingURL: "https://www.lacentrale.fr/auto-occasion-annonce-{id}.html",
				Params: []ParamRule{
					{Name: "makesModelsCommercialNames", Keys: []string{"brand", "model"}, Kind: ParamJoined, Sep: ":", Case: "upper"},
					{Name: "priceMin", Keys: []string{"minPrice"}, Kind: ParamPlain},
					{Name: "priceMax", Keys: []string{"maxPrice"}, Kind: ParamPlain},
					{Name: "yearMin", Keys: []string{"minYear"}, Kind: ParamPlain},
					{Name: "yearMax", Keys: []string{"maxYear"}, Kind: ParamPlain},
				},
				Fetch:           FetchHTTP,
				Strategy:        StrategyPattern,
				TitleEnrichment: true,
				Pattern: &PatternRules{
					Block:        `<div[^>]*class="[^"]*searchCard[^"]*"[^>]*data-id="(?P<id>[^"]+)"[^>]*>(?P<body>[\s\S]*?)</div>\s*</div>\s*</div>`,
					Title:        `<h3[^>]*class="[^"]*searchCard__title[^"]*"[^>]*>([\s\S]*?)</h3>`,
					Price:        `<span[^>]*class="[^"]*searchCard__price[^"]*"[^>]*>([\s\S]*?)</span>`,
					Location:     `<div[^>]*class="[^"]*searchCard__location[^"]*"[^>]*>([\s\S]*?)</div>`,
					Image:        `<img[^>]*data-src="([^"]+)"[^>]*>`,
					Year:         `<div[^>]*class="[^"]*searchCard__year[^"]*"[^>]*>([\s\S]*?)</div>`,
					Mileage:      `<div[^>]*class="[^"]*searchCard__mileage[^"]*"[^>]*>([\s\S]*?)</div>`,
					FuelType:     `<div[^>]*class="[^"]*searchCard__energy[^"]*"[^>]*>([\s\S]*?)</div>`,
					Transmission: `<div[^>]*class="[^"]*searchCard__gearbox[^"]*"[^>]*>([\s\S]*?)</div>`,
				},
			},
			{
				Source:    "autoscout24",
				SearchURL: "https://www.autoscout24.fr/lst",
				BaseURL:   "https://www.autoscout24.fr",
				FixedParams: map[string]string{
					"sort":  "age",
					"desc":  "1",
					"atype": "C",
				},
				Params: []ParamRule{
					{Name: "mmvmk0", Keys: []string{"brand"}, Kind: ParamPlain, Case: "lower"},
					{Name: "mmvmd0", Keys: []string{"model"}, Kind: ParamPlain, Case: "lower"},
					{Name: "pricefrom", Keys: []string{"minPrice"}, Kind: ParamPlain},
					{Name: "priceto", Keys: []string{"maxPrice"}, Kind: ParamPlain},
					{Name: "fregfrom", Keys: []string{"minYear"}, Kind: ParamPlain},
					{Name: "fregto", Keys: []string{"maxYear"}, Kind: ParamPlain},
				},
				Fetch:           FetchBrowser,
				Strategy:        StrategySelector,
				TitleEnrichment: true,
				Selector: &SelectorRules{
					Container:      ".cldt-summary-full-item",
					Link:           "a.cldt-summary-full-item-main",
					IDPattern:      `-(\d+)$`,
					Title:          "h2.cldt-summary-makemodel",
					Subtitle:       "h2.cldt-summary-version",
					Price:          "span.cldt-price",
					Location:       ".cldt-summary-seller-contact-address",
					Image:          "img",
					Specs:          ".cldt-summary-vehicle-data span",
					JSONLDFallback: true,
				},
			},
			{
				Source:    "leparking",
				SearchURL: "https://www.leparking.fr/voiture-occasion/",
				BaseURL:   "https://www.leparking.fr",
				Params: []ParamRule{
					{Name: "marque", Keys: []string{"brand"}, Kind: ParamPlain, Case: "lower"},
					{Name: "modele", Keys: []string{"model"}, Kind: ParamPlain, Case: "lower"},
					{Name: "prix_min", Keys: []string{"minPrice"}, Kind: ParamPlain},
					{Name: "prix_max", Keys: []string{"maxPrice"}, Kind: ParamPlain},
					{Name: "annee_min", Keys: []string{"minYear"}, Kind: ParamPlain},
					{Name: "annee_max", Keys: []string{"maxYear"}, Kind: ParamPlain},
				},
				Fetch:           FetchBrowser,
				Strategy:        StrategySelector,
				TitleEnrichment: true,
				Selector: &SelectorRules{
					Container:      ".vehicle-card",
					Link:           ".vehicle-card__link",
					IDPattern:      `/([^/]+)\.html$`,
					Title:          ".vehicle-card__title",
					Price:          ".vehicle-card__price",
					Location:       ".vehicle-card__location",
					Image:          "img",
					Specs:          ".vehicle-card__specs li",
					JSONLDFallback: true,
				},
			},
		},
	}
}
