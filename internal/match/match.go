// Package match implements the approximate keyword matching used for intent
// detection and confirmation-response classification.
//
// The matcher is deliberately cheap: it tolerates typos and pluralization via
// prefix windows and a per-character similarity ratio rather than a full edit
// distance. False positives on short words are mitigated by a minimum token
// length; the thresholds are tunable per Matcher.
package match

import "strings"

// Matcher holds the tuning parameters for approximate keyword matching.
// The zero value is not usable; construct with NewMatcher.
type Matcher struct {
	// MinTokenLen is the minimum token length considered for fuzzy comparison.
	MinTokenLen int
	// MaxLenDiff is the maximum token/keyword length difference for the
	// ratio comparison to apply.
	MaxLenDiff int
	// MinRatio is the per-character match ratio threshold in [0,1].
	MinRatio float64
	// PrefixWindow is the shared-prefix length that short-circuits a token match.
	PrefixWindow int
	// LongPrefix is the prefix length used for the containment check on
	// longer tokens and keywords.
	LongPrefix int
}

// NewMatcher returns a Matcher with the default thresholds.
func NewMatcher() *Matcher {
	return &Matcher{
		MinTokenLen:  3,
		MaxLenDiff:   3,
		MinRatio:     0.7,
		PrefixWindow: 4,
		LongPrefix:   5,
	}
}

// Match reports whether text approximately contains keyword.
//
// A case-insensitive substring hit matches immediately. Otherwise text is
// tokenized on whitespace and each token of at least MinTokenLen characters is
// compared against the keyword: a shared PrefixWindow prefix, a per-character
// similarity of at least MinRatio over the shorter length (when lengths differ
// by at most MaxLenDiff), or mutual containment of a LongPrefix prefix all
// count as a match.
func (m *Matcher) Match(text, keyword string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if text == "" || keyword == "" {
		return false
	}
	if strings.Contains(text, keyword) {
		return true
	}
	for _, token := range strings.Fields(text) {
		if len(token) < m.MinTokenLen {
			continue
		}
		if m.tokenMatches(token, keyword) {
			return true
		}
	}
	return false
}

// MatchAny reports whether text approximately contains any of the keywords.
func (m *Matcher) MatchAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if m.Match(text, kw) {
			return true
		}
	}
	return false
}

func (m *Matcher) tokenMatches(token, keyword string) bool {
	shorter := len(token)
	if len(keyword) < shorter {
		shorter = len(keyword)
	}

	diff := len(token) - len(keyword)
	if diff < 0 {
		diff = -diff
	}
	if diff <= m.MaxLenDiff {
		if shorter >= m.PrefixWindow && token[:m.PrefixWindow] == keyword[:m.PrefixWindow] {
			return true
		}
		matches := 0
		for i := 0; i < shorter; i++ {
			if token[i] == keyword[i] {
				matches++
			}
		}
		if shorter > 0 && float64(matches)/float64(shorter) >= m.MinRatio {
			return true
		}
	}

	// "proposals" vs "proposal", "handoffs" vs "handoff": longer words match
	// when either contains the other's leading prefix.
	if len(token) >= m.LongPrefix && len(keyword) >= m.LongPrefix {
		if strings.Contains(token, keyword[:m.LongPrefix]) || strings.Contains(keyword, token[:m.LongPrefix]) {
			return true
		}
	}
	return false
}

var defaultMatcher = NewMatcher()

// Match reports whether text approximately contains keyword using the default
// thresholds.
func Match(text, keyword string) bool {
	return defaultMatcher.Match(text, keyword)
}

// MatchAny reports whether text approximately contains any keyword using the
// default thresholds.
func MatchAny(text string, keywords []string) bool {
	return defaultMatcher.MatchAny(text, keywords)
}
