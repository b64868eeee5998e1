package scraper

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/util"
)

var monthYearRegex = regexp.MustCompile(`\b\d{2}/(\d{4})\b`)

// selectorExtractor walks a parsed document with CSS selectors.
type selectorExtractor struct {
	*provider
	rules     *SelectorRules
	idPattern *regexp.Regexp
}

func newSelectorExtractor(p *provider, rules *SelectorRules) (*selectorExtractor, error) {
	e := &selectorExtractor{provider: p, rules: rules}
	if rules.IDPattern != "" {
		re, err := regexp.Compile(rules.IDPattern)
		if err != nil {
			return nil, fmt.Errorf("provider %s: invalid id pattern: %w", p.cfg.Source, err)
		}
		e.idPattern = re
	}
	return e, nil
}

func (e *selectorExtractor) Extract(body []byte) []models.ListingRecord {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		slog.Warn("Failed to parse result page", "source", e.cfg.Source, "error", err)
		return nil
	}

	cards := doc.Find(e.rules.Container)
	if cards.Length() == 0 {
		if e.rules.JSONLDFallback {
			return e.extractJSONLD(doc)
		}
		return nil
	}

	var records []models.ListingRecord
	cards.Each(func(_ int, s *goquery.Selection) {
		if rec, ok := e.extractCard(s); ok {
			records = append(records, rec)
		}
	})
	return records
}

func (e *selectorExtractor) extractCard(s *goquery.Selection) (models.ListingRecord, bool) {
	var link string
	if e.rules.Link != "" {
		linkSelection := s.Find(e.rules.Link).First()
		if linkSelection.Length() == 0 && s.Is(e.rules.Link) {
			linkSelection = s
		}
		if href, exists := linkSelection.Attr("href"); exists {
			link = util.ResolveURL(e.cfg.BaseURL, strings.TrimSpace(href))
		}
	}

	id := ""
	if e.rules.IDAttr != "" {
		id, _ = s.Attr(e.rules.IDAttr)
	}
	if id == "" && e.idPattern != nil && link != "" {
		id = firstGroup(e.idPattern, strings.TrimSuffix(stripQuery(link), "/"))
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return models.ListingRecord{}, false
	}

	title := selectionText(s, e.rules.Title)
	if sub := selectionText(s, e.rules.Subtitle); sub != "" && title != "" {
		title += " " + sub
	}
	price, ok := util.ParsePrice(selectionText(s, e.rules.Price))
	if title == "" || !ok {
		return models.ListingRecord{}, false
	}

	rec := models.ListingRecord{
		Title:     title,
		Price:     price,
		Location:  selectionText(s, e.rules.Location),
		ListingID: id,
		SourceURL: e.listingURL(id, link),
	}
	if e.rules.Image != "" {
		img := s.Find(e.rules.Image).First()
		src, _ := img.Attr("src")
		if src == "" {
			src, _ = img.Attr("data-src")
		}
		if src = strings.TrimSpace(src); src != "" {
			rec.ImageURL = util.ResolveURL(e.cfg.BaseURL, src)
		}
	}
	if e.rules.Specs != "" {
		s.Find(e.rules.Specs).Each(func(_ int, spec *goquery.Selection) {
			applySpec(&rec, util.CollapseSpaces(spec.Text()))
		})
	}

	if !e.finish(&rec) {
		return models.ListingRecord{}, false
	}
	return rec, true
}

// applySpec reads one entry of a listing's spec line (registration date,
// distance, fuel or gearbox).
func applySpec(rec *models.ListingRecord, text string) {
	switch {
	case text == "":
	case rec.Year == nil && monthYearRegex.MatchString(text):
		rec.Year = models.IntPtr(util.SafeAtoi(monthYearRegex.FindStringSubmatch(text)[1]))
	case rec.Mileage == nil && strings.Contains(strings.ToLower(text), "km"):
		if km, ok := util.ParseMileage(text); ok {
			rec.Mileage = models.IntPtr(km)
		}
	case rec.Year == nil && len(util.CleanNumericString(text)) == 4:
		if y, ok := util.ParseYear(text); ok {
			rec.Year = models.IntPtr(y)
		}
	default:
		if rec.FuelType == "" {
			rec.FuelType = util.MatchFuelType(text)
		}
		if rec.Transmission == "" {
			rec.Transmission = util.MatchTransmission(text)
		}
	}
}

func selectionText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return util.CollapseSpaces(s.Find(selector).First().Text())
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
