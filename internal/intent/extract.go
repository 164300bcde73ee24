package intent

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kjstillabower/weather-rag-service/internal/models"
)

// LabelDeterministic is the intent label produced without the generative backend.
const LabelDeterministic = "weather query"

// cityPatterns are tried in order against the lower-cased query; the first
// capture that survives stopword removal wins.
var cityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`weather (?:in|of|for|at) ([a-z\s\-\.']+?)(?:\?|$|today|now|tomorrow)`),
	regexp.MustCompile(`report (?:for|of|on) ([a-z\s\-\.']+?)(?:\?|$)`),
	regexp.MustCompile(`(?:in|for|at) ([a-z\s\-\.']+?)(?:\?|$)`),
}

var cityStopwords = regexp.MustCompile(`(?i)\b(?:the|a|an|weather|report|now|today)\b`)

var freshnessWords = []string{"current", "now", "today", "what", "how"}

// Extract resolves an intent with pattern matching alone. It never fails; City
// is nil when nothing resembling a place was found.
func Extract(query string) models.Intent {
	return models.Intent{
		City:           ExtractCity(query),
		Label:          LabelDeterministic,
		NeedsFreshData: NeedsFreshData(query),
	}
}

// ExtractCity returns the first city captured by cityPatterns, title-cased.
// Failing that, it scans right to left for the last capitalized word longer
// than two characters, so "Compare Mumbai and Pune" yields "Pune".
func ExtractCity(query string) *string {
	q := strings.ToLower(query)
	for _, p := range cityPatterns {
		m := p.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		city := strings.Join(strings.Fields(cityStopwords.ReplaceAllString(m[1], "")), " ")
		if city != "" {
			city = titleCase(city)
			return &city
		}
	}

	words := strings.Fields(query)
	for i := len(words) - 1; i >= 0; i-- {
		w := strings.Trim(words[i], "?.,!")
		runes := []rune(w)
		if len(runes) > 2 && unicode.IsUpper(runes[0]) {
			return &w
		}
	}
	return nil
}

// NeedsFreshData reports whether the query asks about present conditions.
func NeedsFreshData(query string) bool {
	q := strings.ToLower(query)
	for _, w := range freshnessWords {
		if strings.Contains(q, w) {
			return true
		}
	}
	return false
}

// titleCase upper-cases every letter that follows a non-letter and lower-cases
// the rest, so "rio de janeiro" becomes "Rio De Janeiro".
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
