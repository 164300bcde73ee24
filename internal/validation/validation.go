package validation

import (
	"errors"
	"strings"
	"unicode"
)

// DefaultMaxQueryLength bounds a query in runes when no limit is configured.
const DefaultMaxQueryLength = 1000

// ErrQueryEmpty is returned when the query is empty or whitespace-only after trim.
var ErrQueryEmpty = errors.New("message is required")

// ErrQueryTooLong is returned when the query exceeds the maximum length.
var ErrQueryTooLong = errors.New("message too long")

// ErrQueryInvalidChars is returned when the query contains control characters
// other than tab and newline.
var ErrQueryInvalidChars = errors.New("message contains invalid characters")

// ValidateQuery trims the input and enforces a maximum length in runes
// (maxLen <= 0 selects DefaultMaxQueryLength). Returns the trimmed query or an
// error suitable for a 400 response.
func ValidateQuery(input string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxQueryLength
	}
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrQueryEmpty
	}
	if len(r) > maxLen {
		return "", ErrQueryTooLong
	}
	for _, c := range r {
		if unicode.IsControl(c) && c != '\t' && c != '\n' && c != '\r' {
			return "", ErrQueryInvalidChars
		}
	}
	return s, nil
}
