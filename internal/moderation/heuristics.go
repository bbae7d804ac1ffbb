package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Heuristics is the pattern-based classifier used by the development
// stand-in service (cmd/classifier). Production deployments point the gate
// at the real text-safety service; the heuristics keep the full send path
// exercisable locally.
type Heuristics struct {
	terms []string // lowercase blocked terms, substring matched
}

// Result is the outcome of a heuristic check.
type Result struct {
	Unsafe bool
	Reason string // user-facing reason
	Rule   string // which rule fired
}

// NewHeuristics creates a heuristic classifier with an optional blocked-term
// list. Terms are matched case-insensitively as substrings.
func NewHeuristics(terms []string) *Heuristics {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			lowered = append(lowered, t)
		}
	}
	return &Heuristics{terms: lowered}
}

// Compiled once at package init and reused for every call, so they are safe
// and cheap under concurrency.
var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains. The
	// bare-domain variant requires a trailing "/" to avoid false positives on
	// version strings like "v2.0" or decimals like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches common phone formats such as +1-555-123-4567,
	// (555) 123-4567, 555.123.4567. Anchored to whitespace/string boundaries
	// so short numbers like "100" don't trip it.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// rule pairs a detection function with its reporting metadata.
type rule struct {
	name   string
	reason string
	match  func(string) bool
}

// rules is the ordered heuristic list; the first match wins.
var rules = []rule{
	{name: "url", reason: "links are not allowed", match: func(text string) bool {
		return urlPattern.MatchString(text)
	}},
	{name: "phone", reason: "phone numbers are not allowed", match: func(text string) bool {
		return phonePattern.MatchString(text)
	}},
	{name: "char_flood", reason: "character flooding detected", match: hasCharFlood},
	{name: "word_flood", reason: "repeated word flooding detected", match: hasWordFlood},
}

// Check runs the blocked-term list and every pattern rule against text and
// returns an unsafe Result on the first match.
func (h *Heuristics) Check(text string) Result {
	lower := strings.ToLower(text)
	for _, term := range h.terms {
		if strings.Contains(lower, term) {
			return Result{Unsafe: true, Reason: "prohibited content", Rule: "term"}
		}
	}
	for _, r := range rules {
		if r.match(text) {
			return Result{Unsafe: true, Reason: r.reason, Rule: r.name}
		}
	}
	return Result{}
}

// hasCharFlood reports 5 or more consecutive identical characters. RE2 has no
// backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same word appearing 3 or more times consecutively
// (case-insensitive), with words delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
