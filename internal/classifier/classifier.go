// Package classifier separates simple single-city weather lookups from queries
// that need richer reasoning. Classification is a pure function of the query text.
package classifier

import (
	"regexp"
	"strings"
)

// Complexity is the classification of a query.
type Complexity int

const (
	Complex Complexity = iota
	Simple
)

func (c Complexity) String() string {
	if c == Simple {
		return "simple"
	}
	return "complex"
}

// simplePatterns are canonical lookup phrasings. A query is simple only when
// the whole lower-cased text matches one of them.
var simplePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^weather (?:in|at|for) [a-z\s\-\.]+\??$`),
	regexp.MustCompile(`^what.?s? (?:the )?weather (?:in|at|for) [a-z\s\-\.]+\??$`),
	regexp.MustCompile(`^how.?s? [a-z\s\-\.]+ weather\??$`),
	regexp.MustCompile(`^[a-z\s\-\.]+ weather\??$`),
	regexp.MustCompile(`^current weather (?:in|at|for) [a-z\s\-\.]+\??$`),
}

// complexKeywords signal comparison, subjective judgement or activity planning.
var complexKeywords = []string{
	"compare", "analysis", "picnic", "should i", "recommend", "better",
	"worse", "why", "planning", "party", "safe", "run", "bike", "hike",
	"opinion", "think", "suggest", "advice", "wear", "umbrella", "raincoat",
}

// Reason records which rule produced a classification.
type Reason string

const (
	ReasonPattern Reason = "pattern"
	ReasonKeyword Reason = "keyword"
	ReasonDefault Reason = "default"
)

// Classify returns Simple iff the query is a canonical single-city lookup.
// Everything else, including phrasing that matches no rule, is Complex.
func Classify(query string) Complexity {
	c, _ := Explain(query)
	return c
}

// Explain classifies the query and reports the rule that decided it.
func Explain(query string) (Complexity, Reason) {
	q := strings.ToLower(query)
	for _, p := range simplePatterns {
		if p.MatchString(q) {
			return Simple, ReasonPattern
		}
	}
	for _, kw := range complexKeywords {
		if strings.Contains(q, kw) {
			return Complex, ReasonKeyword
		}
	}
	return Complex, ReasonDefault
}

// IsSimple reports whether Classify(query) == Simple.
func IsSimple(query string) bool {
	return Classify(query) == Simple
}
