// Package knowledge holds the curated data the responder answers from:
// FAQ entries, knowledge cards, and the text matching used to find them.
package knowledge

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
	"mvdan.cc/xurls/v2"
)

// Similarity cutoffs by query length.
const (
	CutoffShort  = 0.45 // up to 3 words
	CutoffMedium = 0.50 // up to 10 words
	CutoffLong   = 0.65

	// ExactMatchThreshold is the score at which an FAQ answer is sent without the LLM.
	ExactMatchThreshold = 0.93
)

var (
	urlPattern     = xurls.Relaxed()
	mentionPattern = regexp.MustCompile(`@[\p{L}\p{N}_]+`)
)

// Normalize lowercases s and strips links, @mentions, punctuation and
// repeated whitespace.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = urlPattern.ReplaceAllString(s, "")
	s = mentionPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Similarity returns the sequence matcher ratio of a and b, compared rune by rune.
func Similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	return difflib.NewMatcher(runes(a), runes(b)).Ratio()
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// AdaptiveCutoff picks the similarity threshold for a query of the given text.
// Short questions get a lower bar to catch rephrasings.
func AdaptiveCutoff(text string) float64 {
	switch words := len(strings.Fields(text)); {
	case words <= 3:
		return CutoffShort
	case words <= 10:
		return CutoffMedium
	default:
		return CutoffLong
	}
}

// Truncate shortens s to at most maxRunes runes plus an ellipsis, cutting at
// the last space when it lies within the final 120 runes.
func Truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	cut := r[:max(maxRunes, 0)]
	if i := lastSpace(cut); i >= 0 && i > maxRunes-120 {
		cut = cut[:i]
	}
	return strings.TrimRightFunc(string(cut), unicode.IsSpace) + "..."
}

func lastSpace(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == ' ' {
			return i
		}
	}
	return -1
}

// Sanitize drops markdown markers that Avito and Telegram render literally.
func Sanitize(s string) string {
	return strings.TrimSpace(strings.NewReplacer("*", "", "#", "").Replace(s))
}

// words returns the space separated tokens of s longer than minLen runes.
func words(s string, minLen int) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(s) {
		if len([]rune(w)) > minLen {
			out[w] = struct{}{}
		}
	}
	return out
}

func common(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}
