package scraper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/util"
	"golang.org/x/net/html"
)

// patternExtractor reads listings straight from the raw page with regular
// expressions, for sites whose markup is too irregular for a DOM walk.
type patternExtractor struct {
	*provider
	block   *regexp.Regexp
	idIdx   int
	bodyIdx int

	title, price, location, image      *regexp.Regexp
	year, mileage, fuel, transmission *regexp.Regexp
}

func newPatternExtractor(p *provider, rules *PatternRules) (*patternExtractor, error) {
	block, err := regexp.Compile(rules.Block)
	if err != nil {
		return nil, fmt.Errorf("provider %s: invalid block pattern: %w", p.cfg.Source, err)
	}
	e := &patternExtractor{provider: p, block: block, idIdx: 1, bodyIdx: 2}
	if i := block.SubexpIndex("id"); i > 0 {
		e.idIdx = i
	}
	if i := block.SubexpIndex("body"); i > 0 {
		e.bodyIdx = i
	}
	if block.NumSubexp() < 2 {
		return nil, fmt.Errorf("provider %s: block pattern must capture id and body", p.cfg.Source)
	}

	fields := []struct {
		expr string
		dst  **regexp.Regexp
	}{
		{rules.Title, &e.title},
		{rules.Price, &e.price},
		{rules.Location, &e.location},
		{rules.Image, &e.image},
		{rules.Year, &e.year},
		{rules.Mileage, &e.mileage},
		{rules.FuelType, &e.fuel},
		{rules.Transmission, &e.transmission},
	}
	for _, f := range fields {
		if f.expr == "" {
			continue
		}
		re, err := regexp.Compile(f.expr)
		if err != nil {
			return nil, fmt.Errorf("provider %s: invalid field pattern %q: %w", p.cfg.Source, f.expr, err)
		}
		*f.dst = re
	}
	return e, nil
}

func (e *patternExtractor) Extract(body []byte) []models.ListingRecord {
	var records []models.ListingRecord
	for _, m := range e.block.FindAllSubmatch(body, -1) {
		id := strings.TrimSpace(string(m[e.idIdx]))
		block := string(m[e.bodyIdx])
		if id == "" {
			continue
		}

		title := fragmentText(firstGroup(e.title, block))
		price, ok := util.ParsePrice(fragmentText(firstGroup(e.price, block)))
		if title == "" || !ok {
			continue
		}

		rec := models.ListingRecord{
			Title:     title,
			Price:     price,
			Location:  fragmentText(firstGroup(e.location, block)),
			ListingID: id,
			SourceURL: e.listingURL(id, ""),
		}
		if src := html.UnescapeString(strings.TrimSpace(firstGroup(e.image, block))); src != "" {
			rec.ImageURL = util.ResolveURL(e.cfg.BaseURL, src)
		}
		if y, ok := util.ParseYear(fragmentText(firstGroup(e.year, block))); ok {
			rec.Year = models.IntPtr(y)
		}
		if km := fragmentText(firstGroup(e.mileage, block)); km != "" {
			if v, ok := util.ParseMileage(km); ok {
				rec.Mileage = models.IntPtr(v)
			} else if digits := util.CleanNumericString(km); digits != "" {
				rec.Mileage = models.IntPtr(util.SafeAtoi(digits))
			}
		}
		rec.FuelType = canonicalOr(util.MatchFuelType, fragmentText(firstGroup(e.fuel, block)))
		rec.Transmission = canonicalOr(util.MatchTransmission, fragmentText(firstGroup(e.transmission, block)))

		if e.finish(&rec) {
			records = append(records, rec)
		}
	}
	return records
}

// firstGroup returns the first capture group of re's first match in s.
func firstGroup(re *regexp.Regexp, s string) string {
	if re == nil {
		return ""
	}
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// fragmentText reduces an HTML fragment to its visible text.
func fragmentText(fragment string) string {
	if fragment == "" {
		return ""
	}
	z := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return util.CollapseSpaces(b.String())
		case html.TextToken:
			b.Write(z.Text())
			b.WriteByte(' ')
		}
	}
}

// canonicalOr maps s onto a known vocabulary entry, keeping the raw text
// when nothing matches.
func canonicalOr(match func(string) string, s string) string {
	if s == "" {
		return ""
	}
	if c := match(s); c != "" {
		return c
	}
	return s
}
