// Package query turns caller-supplied search filters into stable cache keys.
package query

import (
	"net/url"
	"slices"
	"strings"
)

const (
	Brand    = "brand"
	Model    = "model"
	MinPrice = "minPrice"
	MaxPrice = "maxPrice"
	MinYear  = "minYear"
	MaxYear  = "maxYear"
	Sources  = "sources"
)

// SearchFields are the recognized filters that narrow a search. Sources only
// selects providers and does not count as a search filter.
var SearchFields = []string{Brand, Model, MinPrice, MaxPrice, MinYear, MaxYear}

// Fields is every recognized filter name, in the order the API documents them.
var Fields = append(slices.Clone(SearchFields), Sources)

const pairSeparator = "&"

// Normalize builds the canonical key for a filter mapping: recognized keys
// sorted lexicographically, rendered as key=value and joined with "&".
// Empty values are dropped as if the key was never given.
func Normalize(filters map[string]string) string {
	return normalize(filters, Fields)
}

// SearchKey is Normalize restricted to the search fields. Cached results are
// scoped per source already, so the source list is left out of the key.
func SearchKey(filters map[string]string) string {
	return normalize(filters, SearchFields)
}

func normalize(filters map[string]string, allowed []string) string {
	if len(filters) == 0 {
		return ""
	}

	keys := make([]string, 0, len(filters))
	values := make(map[string]string, len(filters))
	for k, v := range filters {
		if !slices.Contains(allowed, k) {
			continue
		}
		v = strings.TrimSpace(v)
		if k == Sources {
			v = strings.Join(SplitSources(v), ",")
		}
		if v == "" {
			continue
		}
		keys = append(keys, k)
		values[k] = v
	}
	slices.Sort(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values[k])
	}
	return strings.Join(pairs, pairSeparator)
}

// SplitSources parses a comma-separated source list into a sorted,
// de-duplicated slice with blanks removed.
func SplitSources(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// FromValues extracts the recognized filters from an HTTP query string.
// Unknown parameters are ignored; repeated parameters keep the first value.
func FromValues(v url.Values) map[string]string {
	filters := make(map[string]string)
	for _, f := range Fields {
		if val := strings.TrimSpace(v.Get(f)); val != "" {
			filters[f] = val
		}
	}
	return filters
}

// HasSearchFilter reports whether at least one search field carries a value.
func HasSearchFilter(filters map[string]string) bool {
	for _, f := range SearchFields {
		if strings.TrimSpace(filters[f]) != "" {
			return true
		}
	}
	return false
}
