package util

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

func SafeAtoi(s string) int {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return i
}

var nonNumericRegex = regexp.MustCompile(`[^\d]`)

func CleanNumericString(s string) string {
	return nonNumericRegex.ReplaceAllString(s, "")
}

var priceCharsRegex = regexp.MustCompile(`[^\d.,]`)

// ParsePrice reads an advertised price such as "12 500 €", "12.500,50 €" or
// "$12,500". It reports false when the text carries no digits.
func ParsePrice(s string) (float64, bool) {
	cleaned := priceCharsRegex.ReplaceAllString(s, "")
	cleaned = strings.Trim(cleaned, ".,")
	if cleaned == "" || CleanNumericString(cleaned) == "" {
		return 0, false
	}

	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Whichever separator comes last is the decimal one.
		if lastComma > lastDot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		cleaned = normalizeSingleSeparator(cleaned, ",")
	case lastDot >= 0:
		cleaned = normalizeSingleSeparator(cleaned, ".")
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// normalizeSingleSeparator decides whether sep is a decimal mark (one
// occurrence followed by one or two digits) or a thousands separator.
func normalizeSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) == 1 {
		tail := s[strings.Index(s, sep)+1:]
		if len(tail) == 1 || len(tail) == 2 {
			return strings.Replace(s, sep, ".", 1)
		}
	}
	return strings.ReplaceAll(s, sep, "")
}

var mileageRegex = regexp.MustCompile(`(?i)\b(\d{1,3}(?:[\s.\x{00a0}\x{202f}]\d{3})+|\d+)\s*km\b`)

// ParseMileage finds a "45 000 km" style distance in free text.
func ParseMileage(s string) (int, bool) {
	m := mileageRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	digits := CleanNumericString(m[1])
	if digits == "" {
		return 0, false
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return v, true
}

var yearRegex = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)

// ParseYear finds a four digit model year between 1900 and 2099.
func ParseYear(s string) (int, bool) {
	m := yearRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	return SafeAtoi(m[1]), true
}

var fuelTypes = map[string][]string{
	"Essence":    {"essence", "petrol", "benzin"},
	"Diesel":     {"diesel"},
	"Électrique": {"électrique", "electrique", "electric"},
	"Hybride":    {"hybride", "hybrid"},
	"GPL":        {"gpl", "lpg"},
}

var transmissions = map[string][]string{
	"Manuelle":    {"manuelle", "manual", "mécanique", "mecanique"},
	"Automatique": {"automatique", "automatic", "auto"},
}

// MatchFuelType returns the canonical fuel name mentioned in s, or "".
func MatchFuelType(s string) string {
	return matchVocabulary(s, fuelTypes)
}

// MatchTransmission returns the canonical gearbox name mentioned in s, or "".
func MatchTransmission(s string) string {
	return matchVocabulary(s, transmissions)
}

func matchVocabulary(s string, vocab map[string][]string) string {
	for _, word := range words(s) {
		for canonical, aliases := range vocab {
			for _, alias := range aliases {
				if word == alias {
					return canonical
				}
			}
		}
	}
	return ""
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SplitBrandModel guesses make and model from a listing title: the first word
// is the make, the second the model. Titles that do not start with a word
// are left alone.
func SplitBrandModel(title string) (string, string) {
	fields := strings.Fields(title)
	if len(fields) < 2 {
		return "", ""
	}
	first := []rune(fields[0])
	if !unicode.IsLetter(first[0]) {
		return "", ""
	}
	return fields[0], fields[1]
}

// CollapseSpaces trims s and folds internal whitespace runs, including
// non-breaking spaces, to one space.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
