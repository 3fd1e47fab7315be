package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/edgard/avito-autoanswer/internal/database"
)

// FAQ sources.
const (
	SourceAdmin       = "admin"
	SourceManager     = "manager"
	SourceManagerLike = "manager_like"
	SourceUserLike    = "user_like"
)

// CuratedSources are the FAQ sources the responder may answer from.
var CuratedSources = []string{SourceAdmin, SourceManager}

const (
	MaxFAQMatches = 5

	minQuestionLen = 3
	maxQuestionLen = 500
	minAnswerLen   = 5
	maxAnswerLen   = 2000

	keywordRelevance = 0.3
)

// ErrInvalidEntry wraps validation failures of FAQ entries.
var ErrInvalidEntry = errors.New("invalid faq entry")

// ValidateEntry checks the length limits of a question and answer pair.
// The returned error text is shown to admins as is.
func ValidateEntry(question, answer string) error {
	q := utf8.RuneCountInString(strings.TrimSpace(question))
	a := utf8.RuneCountInString(strings.TrimSpace(answer))
	switch {
	case q == 0:
		return fmt.Errorf("%w: Вопрос не может быть пустым", ErrInvalidEntry)
	case a == 0:
		return fmt.Errorf("%w: Ответ не может быть пустым", ErrInvalidEntry)
	case q < minQuestionLen:
		return fmt.Errorf("%w: Вопрос слишком короткий (минимум 3 символа)", ErrInvalidEntry)
	case a < minAnswerLen:
		return fmt.Errorf("%w: Ответ слишком короткий (минимум 5 символов)", ErrInvalidEntry)
	case q > maxQuestionLen:
		return fmt.Errorf("%w: Вопрос слишком длинный (максимум 500 символов)", ErrInvalidEntry)
	case a > maxAnswerLen:
		return fmt.Errorf("%w: Ответ слишком длинный (максимум 2000 символов)", ErrInvalidEntry)
	}
	return nil
}

// QA is a question and answer pair before it is stored.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

var (
	qMarker = regexp.MustCompile(`(?i)Q:`)
	aMarker = regexp.MustCompile(`(?i)A:`)
)

const quoteTrimSet = `"'`

// ParseFAQText reads a JSON list of {question, answer} objects or blocks of
// "Q: ... A: ..." text.
func ParseFAQText(text string) []QA {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var raw []map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err == nil {
		var out []QA
		for _, item := range raw {
			q, okQ := item["question"]
			a, okA := item["answer"]
			if !okQ || !okA {
				continue
			}
			out = append(out, QA{
				Question: strings.TrimSpace(fmt.Sprint(q)),
				Answer:   strings.TrimSpace(fmt.Sprint(a)),
			})
		}
		if len(out) > 0 {
			return out
		}
	}

	var out []QA
	starts := qMarker.FindAllStringIndex(text, -1)
	for i, loc := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		block := text[loc[1]:end]
		sep := aMarker.FindStringIndex(block)
		if sep == nil {
			continue
		}
		q := trimQuotes(block[:sep[0]])
		a := trimQuotes(block[sep[1]:])
		if q != "" && a != "" {
			out = append(out, QA{Question: q, Answer: a})
		}
	}
	return out
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if s != "" && strings.ContainsRune(quoteTrimSet, rune(s[0])) {
		s = s[1:]
	}
	if s != "" && strings.ContainsRune(quoteTrimSet, rune(s[len(s)-1])) {
		s = s[:len(s)-1]
	}
	return strings.TrimSpace(s)
}

// FAQStore validates and stores FAQ entries.
type FAQStore struct {
	store  database.Store
	logger *slog.Logger
}

func NewFAQStore(store database.Store, logger *slog.Logger) *FAQStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FAQStore{store: store, logger: logger.With("component", "faq")}
}

// Add validates and inserts one entry. Returns database.ErrDuplicate for a
// question already present.
func (f *FAQStore) Add(ctx context.Context, question, answer, source string) (*database.FAQEntry, error) {
	if err := ValidateEntry(question, answer); err != nil {
		return nil, err
	}
	entry := &database.FAQEntry{
		Question: strings.TrimSpace(question),
		Answer:   strings.TrimSpace(answer),
		Source:   source,
	}
	if err := f.store.AddFAQ(ctx, entry); err != nil {
		return nil, err
	}
	f.logger.InfoContext(ctx, "FAQ entry added", "id", entry.ID, "source", source)
	return entry, nil
}

// AddBatch inserts entries, skipping invalid ones and duplicates. errs holds
// one line per invalid entry.
func (f *FAQStore) AddBatch(ctx context.Context, entries []QA, source string) (added, skipped int, errs []string, err error) {
	for _, e := range entries {
		_, addErr := f.Add(ctx, e.Question, e.Answer, source)
		switch {
		case addErr == nil:
			added++
		case errors.Is(addErr, ErrInvalidEntry):
			skipped++
			errs = append(errs, fmt.Sprintf("'%s...': %s", Truncate(e.Question, 30), strings.TrimPrefix(addErr.Error(), ErrInvalidEntry.Error()+": ")))
		case errors.Is(addErr, database.ErrDuplicate):
			skipped++
		default:
			return added, skipped, errs, addErr
		}
	}
	return added, skipped, errs, nil
}

// Curated returns the entries the responder may use.
func (f *FAQStore) Curated(ctx context.Context) ([]database.FAQEntry, error) {
	all, err := f.store.ListFAQ(ctx)
	if err != nil {
		return nil, err
	}
	return CuratedOnly(all), nil
}

// CuratedOnly filters entries to admin and manager sources.
func CuratedOnly(entries []database.FAQEntry) []database.FAQEntry {
	out := make([]database.FAQEntry, 0, len(entries))
	for _, e := range entries {
		if slices.Contains(CuratedSources, strings.ToLower(strings.TrimSpace(e.Source))) {
			out = append(out, e)
		}
	}
	return out
}

// FAQMatch is an entry with its similarity to the query.
type FAQMatch struct {
	Entry database.FAQEntry
	Score float64
}

// Exact reports whether the match is close enough to answer without the LLM.
func (m FAQMatch) Exact() bool {
	return m.Score >= ExactMatchThreshold
}

// BestFAQ returns the most similar entry, or false when entries is empty.
func BestFAQ(query string, entries []database.FAQEntry) (FAQMatch, bool) {
	nq := Normalize(query)
	if nq == "" {
		return FAQMatch{}, false
	}
	var best FAQMatch
	found := false
	for _, e := range entries {
		if e.Question == "" {
			continue
		}
		if s := Similarity(nq, Normalize(e.Question)); !found || s > best.Score {
			best = FAQMatch{Entry: e, Score: s}
			found = true
		}
	}
	return best, found
}

// MatchFAQ returns up to limit entries similar to query, best first.
// Sequence matches at or above the adaptive cutoff come first, then entries
// sharing enough keywords.
func MatchFAQ(query string, entries []database.FAQEntry, limit int) []FAQMatch {
	nq := Normalize(query)
	if nq == "" || len(entries) == 0 || limit <= 0 {
		return nil
	}
	cutoff := AdaptiveCutoff(nq)
	queryWords := words(nq, 3)

	var seqMatches, kwMatches []FAQMatch
	for _, e := range entries {
		ne := Normalize(e.Question)
		if ne == "" {
			continue
		}
		if s := Similarity(nq, ne); s >= cutoff {
			seqMatches = append(seqMatches, FAQMatch{Entry: e, Score: s})
		}
		qw := words(ne, 3)
		if n := common(queryWords, qw); n > 0 {
			rel := float64(n) / float64(max(len(queryWords), len(qw)))
			if rel >= keywordRelevance {
				kwMatches = append(kwMatches, FAQMatch{Entry: e, Score: rel})
			}
		}
	}
	byScore := func(m []FAQMatch) {
		sort.SliceStable(m, func(i, j int) bool { return m[i].Score > m[j].Score })
	}
	byScore(seqMatches)
	byScore(kwMatches)
	if len(seqMatches) > limit*2 {
		seqMatches = seqMatches[:limit*2]
	}

	seen := map[int64]bool{}
	var out []FAQMatch
	for _, m := range seqMatches {
		if !seen[m.Entry.ID] {
			seen[m.Entry.ID] = true
			out = append(out, m)
		}
	}
	for _, m := range kwMatches {
		if len(out) >= limit {
			break
		}
		if !seen[m.Entry.ID] {
			seen[m.Entry.ID] = true
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FAQContext formats matches as prompt context.
func FAQContext(matches []FAQMatch) string {
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Entry.Question == "" || m.Entry.Answer == "" {
			continue
		}
		parts = append(parts, "Вопрос: "+m.Entry.Question+"\nОтвет: "+m.Entry.Answer)
	}
	return strings.Join(parts, "\n\n")
}
