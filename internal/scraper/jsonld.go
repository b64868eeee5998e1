package scraper

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/util"
)

// jsonLDNode is the subset of schema.org Car / Product / ItemList that
// listing pages embed. Polymorphic properties stay raw.
type jsonLDNode struct {
	Type            json.RawMessage   `json:"@type"`
	ID              string            `json:"@id"`
	Graph           []json.RawMessage `json:"@graph"`
	ItemListElement []json.RawMessage `json:"itemListElement"`
	Item            json.RawMessage   `json:"item"`

	Name           string          `json:"name"`
	URL            string          `json:"url"`
	SKU            string          `json:"sku"`
	ProductID      string          `json:"productID"`
	Image          json.RawMessage `json:"image"`
	Brand          json.RawMessage `json:"brand"`
	Model          json.RawMessage `json:"model"`
	Offers         json.RawMessage `json:"offers"`
	ModelDate      string          `json:"vehicleModelDate"`
	ProductionDate string          `json:"productionDate"`
	Mileage        json.RawMessage `json:"mileageFromOdometer"`
	FuelType       json.RawMessage `json:"fuelType"`
	Transmission   json.RawMessage `json:"vehicleTransmission"`
}

type jsonLDOffer struct {
	Price             json.RawMessage `json:"price"`
	URL               string          `json:"url"`
	AvailableAtOrFrom *jsonLDPlace    `json:"availableAtOrFrom"`
	Seller            *jsonLDPlace    `json:"seller"`
}

type jsonLDPlace struct {
	Name    string         `json:"name"`
	Address *jsonLDAddress `json:"address"`
}

type jsonLDAddress struct {
	Locality   string `json:"addressLocality"`
	PostalCode string `json:"postalCode"`
}

type jsonLDQuantity struct {
	Value json.RawMessage `json:"value"`
}

const maxJSONLDDepth = 8

// extractJSONLD reads listings from the structured data embedded in the
// page, used when the markup no longer matches the configured selectors.
func (e *selectorExtractor) extractJSONLD(doc *goquery.Document) []models.ListingRecord {
	var nodes []jsonLDNode
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		collectJSONLD(json.RawMessage(strings.TrimSpace(s.Text())), &nodes, 0)
	})

	var records []models.ListingRecord
	seen := make(map[string]bool)
	for _, n := range nodes {
		rec, ok := e.recordFromJSONLD(n)
		if !ok || seen[rec.ListingID] {
			continue
		}
		seen[rec.ListingID] = true
		records = append(records, rec)
	}
	return records
}

// collectJSONLD flattens arrays, @graph and ItemList wrappers into the
// product-like nodes they contain.
func collectJSONLD(raw json.RawMessage, out *[]jsonLDNode, depth int) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || depth > maxJSONLDDepth {
		return
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return
		}
		for _, item := range list {
			collectJSONLD(item, out, depth+1)
		}
		return
	}

	var n jsonLDNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return
	}
	for _, g := range n.Graph {
		collectJSONLD(g, out, depth+1)
	}
	for _, item := range n.ItemListElement {
		collectJSONLD(item, out, depth+1)
	}
	if len(n.Item) > 0 {
		collectJSONLD(n.Item, out, depth+1)
	}
	if n.isListing() {
		*out = append(*out, n)
	}
}

func (n jsonLDNode) isListing() bool {
	for _, t := range stringList(n.Type) {
		switch t {
		case "Car", "Vehicle", "MotorizedBicycle", "Product", "IndividualProduct":
			return true
		}
	}
	return false
}

func (e *selectorExtractor) recordFromJSONLD(n jsonLDNode) (models.ListingRecord, bool) {
	offer := firstOffer(n.Offers)
	price, ok := rawNumber(offer.Price)
	title := util.CollapseSpaces(n.Name)
	if title == "" || !ok {
		return models.ListingRecord{}, false
	}

	link := n.URL
	if link == "" {
		link = offer.URL
	}
	if link != "" {
		link = util.ResolveURL(e.cfg.BaseURL, link)
	}

	id := firstNonEmpty(n.SKU, n.ProductID)
	if id == "" && e.idPattern != nil && link != "" {
		id = firstGroup(e.idPattern, strings.TrimSuffix(stripQuery(link), "/"))
	}
	if id == "" {
		return models.ListingRecord{}, false
	}

	rec := models.ListingRecord{
		Title:        title,
		Price:        price,
		Brand:        rawString(n.Brand),
		Model:        rawString(n.Model),
		FuelType:     canonicalOr(util.MatchFuelType, rawString(n.FuelType)),
		Transmission: canonicalOr(util.MatchTransmission, rawString(n.Transmission)),
		ListingID:    id,
		SourceURL:    e.listingURL(id, link),
	}
	if img := rawString(n.Image); img != "" {
		rec.ImageURL = util.ResolveURL(e.cfg.BaseURL, img)
	}
	if y, ok := util.ParseYear(firstNonEmpty(n.ModelDate, n.ProductionDate)); ok {
		rec.Year = models.IntPtr(y)
	}
	var q jsonLDQuantity
	if len(n.Mileage) > 0 && json.Unmarshal(n.Mileage, &q) == nil {
		if km, ok := rawNumber(q.Value); ok && km <= math.MaxInt32 {
			rec.Mileage = models.IntPtr(int(km))
		}
	}
	for _, place := range []*jsonLDPlace{offer.AvailableAtOrFrom, offer.Seller} {
		if place != nil && place.Address != nil && place.Address.Locality != "" {
			rec.Location = place.Address.Locality
			break
		}
	}

	if !e.finish(&rec) {
		return models.ListingRecord{}, false
	}
	return rec, true
}

func firstOffer(raw json.RawMessage) jsonLDOffer {
	raw = bytes.TrimSpace(raw)
	var offer jsonLDOffer
	if len(raw) == 0 {
		return offer
	}
	if raw[0] == '[' {
		var offers []jsonLDOffer
		if json.Unmarshal(raw, &offers) == nil && len(offers) > 0 {
			return offers[0]
		}
		return offer
	}
	_ = json.Unmarshal(raw, &offer)
	return offer
}

// rawString reads a property that may be a string, a {"name": …} object,
// a {"url": …} image object or an array of those.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return strings.TrimSpace(s)
		}
	case '[':
		var list []json.RawMessage
		if json.Unmarshal(raw, &list) == nil {
			for _, item := range list {
				if s := rawString(item); s != "" {
					return s
				}
			}
		}
	case '{':
		var obj struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		}
		if json.Unmarshal(raw, &obj) == nil {
			return strings.TrimSpace(firstNonEmpty(obj.Name, obj.URL))
		}
	}
	return ""
}

func stringList(raw json.RawMessage) []string {
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

// rawNumber reads a finite, non-negative number that may be encoded as a
// JSON number or string.
func rawNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		switch {
		case err == nil:
			return finiteNonNegative(v)
		case errors.Is(err, strconv.ErrRange):
			return 0, false
		}
		return util.ParsePrice(s)
	}
	var v float64
	if json.Unmarshal(raw, &v) != nil {
		return 0, false
	}
	return finiteNonNegative(v)
}

// finiteNonNegative rejects NaN, infinities and negative values, which
// ParseFloat accepts from strings such as "Infinity" or "NaN".
func finiteNonNegative(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
