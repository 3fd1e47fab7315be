package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/edgard/avito-autoanswer/internal/database"
)

// Card priorities. Lower is more important.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

const (
	CategoryGeneral = "общее"
	CategoryStyle   = "манера_общения"

	// SourceHistory marks cards mined from stored dialogs.
	SourceHistory = "history_learning"

	DefaultMinRelevance = 0.3
	initialRelevance    = 0.5
	touchIncrement      = 0.01
)

// Categories maps category keys to their descriptions.
var Categories = map[string]string{
	"визы_шенген":    "Визы в страны Шенгенской зоны",
	"визы_другие":    "Визы в другие страны",
	"документы":      "Документы и требования",
	"стоимость":      "Стоимость и оплата",
	"сроки":          "Сроки оформления и рассмотрения",
	"процесс":        "Процесс оформления",
	"особые_условия": "Особые условия и ограничения",
	CategoryStyle:    "Примеры манеры общения менеджера",
	CategoryGeneral:  "Общая информация",
}

var (
	ErrCardNotFound = errors.New("card not found")
	ErrSameTopic    = errors.New("topics are the same")
	ErrEmptyTopic   = errors.New("topic is empty")
	ErrEmptyFacts   = errors.New("facts are empty")
)

// CardInput describes facts to add under a topic.
type CardInput struct {
	Topic    string
	Category string
	Facts    []string
	Tags     []string
	Priority int
}

// CardStore manages knowledge cards.
type CardStore struct {
	store  database.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewCardStore(store database.Store, logger *slog.Logger) *CardStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CardStore{store: store, logger: logger.With("component", "cards"), now: time.Now}
}

// Upsert creates the card or merges facts and tags into the existing one.
// Priority only ever becomes more important. Returns true when a card was created.
func (c *CardStore) Upsert(ctx context.Context, in CardInput, source string) (bool, error) {
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return false, ErrEmptyTopic
	}
	facts := cleanList(in.Facts)
	tags := cleanList(in.Tags)
	priority := in.Priority
	if priority < PriorityHigh || priority > PriorityLow {
		priority = PriorityMedium
	}
	category := strings.TrimSpace(in.Category)

	existing, err := c.store.GetCardByTopic(ctx, topic)
	if err != nil {
		return false, err
	}

	if existing == nil {
		if _, ok := Categories[category]; !ok {
			category = CategoryGeneral
		}
		card := &database.KnowledgeCard{
			Topic:          topic,
			Category:       category,
			Facts:          facts,
			Tags:           tags,
			Priority:       priority,
			RelevanceScore: initialRelevance,
			Source:         source,
		}
		if err := c.store.SaveCard(ctx, card); err != nil {
			return false, err
		}
		c.logger.InfoContext(ctx, "Knowledge card created", "topic", topic, "facts", len(facts))
		return true, nil
	}

	mergeInto(existing, topic, facts, tags, category, priority, source)
	if err := c.store.SaveCard(ctx, existing); err != nil {
		return false, err
	}
	c.logger.InfoContext(ctx, "Knowledge card updated", "topic", topic, "facts", len(existing.Facts))
	return false, nil
}

func mergeInto(card *database.KnowledgeCard, topic string, facts, tags []string, category string, priority int, source string) {
	card.Topic = topic
	card.Facts = union(card.Facts, facts)
	if merged := union(card.Tags, tags); len(merged) > 0 {
		card.Tags = merged
	}
	if _, ok := Categories[category]; ok {
		card.Category = category
	}
	if priority < card.Priority || card.Priority == 0 {
		card.Priority = priority
	}
	if card.Source == "" {
		card.Source = source
	}
}

// AddFacts appends facts to topic, creating the card when needed.
func (c *CardStore) AddFacts(ctx context.Context, topic string, facts []string, source string) (bool, error) {
	if strings.TrimSpace(topic) == "" {
		return false, ErrEmptyTopic
	}
	if len(cleanList(facts)) == 0 {
		return false, ErrEmptyFacts
	}
	return c.Upsert(ctx, CardInput{
		Topic:    topic,
		Category: GuessCategory(topic),
		Facts:    facts,
		Tags:     ExtractTags(topic + " " + strings.Join(facts, " ")),
		Priority: PriorityMedium,
	}, source)
}

// Get returns the card for topic or ErrCardNotFound.
func (c *CardStore) Get(ctx context.Context, topic string) (*database.KnowledgeCard, error) {
	card, err := c.store.GetCardByTopic(ctx, topic)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, fmt.Errorf("%q: %w", topic, ErrCardNotFound)
	}
	return card, nil
}

func (c *CardStore) Delete(ctx context.Context, topic string) error {
	if strings.TrimSpace(topic) == "" {
		return ErrEmptyTopic
	}
	ok, err := c.store.DeleteCard(ctx, topic)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%q: %w", topic, ErrCardNotFound)
	}
	return nil
}

// Merge moves facts and tags of from into into and deletes from.
func (c *CardStore) Merge(ctx context.Context, from, into, source string) error {
	from, into = strings.TrimSpace(from), strings.TrimSpace(into)
	if from == "" || into == "" {
		return ErrEmptyTopic
	}
	if database.Key(from) == database.Key(into) {
		return ErrSameTopic
	}
	src, err := c.Get(ctx, from)
	if err != nil {
		return err
	}
	dst, err := c.Get(ctx, into)
	if err != nil {
		return err
	}
	mergeInto(dst, dst.Topic, src.Facts, src.Tags, "", dst.Priority, source)
	if err := c.store.ReplaceCards(ctx, dst, src.Topic); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "Knowledge cards merged", "from", from, "into", into)
	return nil
}

// ListRecent returns the n most recently updated cards.
func (c *CardStore) ListRecent(ctx context.Context, n int) ([]database.KnowledgeCard, error) {
	cards, err := c.store.ListCards(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(cards) > n {
		cards = cards[:n]
	}
	return cards, nil
}

func (c *CardStore) All(ctx context.Context) ([]database.KnowledgeCard, error) {
	return c.store.ListCards(ctx)
}

// Touch records that a card was used to answer a client.
func (c *CardStore) Touch(ctx context.Context, card database.KnowledgeCard) error {
	card.UsageCount++
	card.LastUsedAt = sql.NullTime{Time: c.now().UTC(), Valid: true}
	card.RelevanceScore = min(1.0, card.RelevanceScore+touchIncrement)
	return c.store.SaveCard(ctx, &card)
}

// ScoredCard is a search hit.
type ScoredCard struct {
	Card  database.KnowledgeCard
	Score float64
}

// SearchCards ranks cards against query and returns those scoring at least
// minRelevance, best first, at most limit.
func SearchCards(query string, cards []database.KnowledgeCard, limit int, minRelevance float64) []ScoredCard {
	q := lowerTrim(query)
	if q == "" {
		return nil
	}
	qWords := words(q, 2)

	var out []ScoredCard
	for _, card := range cards {
		topic := lowerTrim(card.Topic)
		score := 0.0

		switch {
		case strings.Contains(topic, q):
			score += 0.5
		case topic != "" && strings.Contains(q, topic):
			score += 0.3
		}
		score += Similarity(q, topic) * 0.3
		score += Similarity(q, lowerTrim(strings.Join(card.Facts, " "))) * 0.2

		tagMatches := 0
		for _, tag := range card.Tags {
			t := lowerTrim(tag)
			if t != "" && (strings.Contains(q, t) || strings.Contains(t, q)) {
				tagMatches++
			}
		}
		score += min(0.2, float64(tagMatches)*0.1)

		if n := common(qWords, words(topic, 2)); n > 0 {
			score += min(0.15, float64(n)*0.05)
		}

		if card.Priority == PriorityHigh {
			score *= 1.2
		}
		if card.UsageCount > 0 {
			score *= 1.1
		}
		score = score*0.7 + card.RelevanceScore*0.3

		if score >= minRelevance {
			out = append(out, ScoredCard{Card: card, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

const (
	contextCards      = 3
	contextFactsCount = 8
	styleCards        = 5
	styleFactsPerCard = 3
	styleExamples     = 10
)

// BuildContext formats the best matching cards and the manager style examples
// for the prompt. It returns the cards whose facts were included.
func BuildContext(query string, cards []database.KnowledgeCard) (string, []database.KnowledgeCard) {
	if query == "" || len(cards) == 0 {
		return "", nil
	}

	var lines []string
	var used []database.KnowledgeCard
	for _, hit := range SearchCards(query, cards, 5, DefaultMinRelevance) {
		if len(used) == contextCards {
			break
		}
		if hit.Card.Category == CategoryStyle {
			continue
		}
		used = append(used, hit.Card)
		if t := strings.TrimSpace(hit.Card.Topic); t != "" {
			lines = append(lines, t+":")
		}
		for _, f := range firstN(hit.Card.Facts, contextFactsCount) {
			if f = strings.TrimSpace(f); f != "" {
				lines = append(lines, "- "+f)
			}
		}
		lines = append(lines, "")
	}

	var style []database.KnowledgeCard
	for _, card := range cards {
		if card.Category == CategoryStyle && len(card.Facts) > 0 {
			style = append(style, card)
		}
	}
	sort.SliceStable(style, func(i, j int) bool {
		a, b := style[i], style[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return a.RelevanceScore > b.RelevanceScore
	})

	var examples []string
	for _, card := range firstN(style, styleCards) {
		for _, f := range firstN(card.Facts, styleFactsPerCard) {
			if f = strings.TrimSpace(f); f != "" {
				examples = append(examples, f)
			}
		}
	}
	if len(examples) > 0 {
		lines = append(lines, "ПРИМЕРЫ МАНЕРЫ ОБЩЕНИЯ МЕНЕДЖЕРА (используй этот стиль):", "")
		for _, ex := range firstN(examples, styleExamples) {
			lines = append(lines, `💬 "`+ex+`"`)
		}
		lines = append(lines, "", "ВАЖНО: Отвечай в том же стиле, что и в примерах выше - просто, человечно, без канцелярита.")
	}

	return strings.TrimSpace(strings.Join(lines, "\n")), used
}

func firstN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// union returns the sorted set of a and b.
func union(a, b []string) []string {
	out := append(cleanList(a), cleanList(b)...)
	slices.Sort(out)
	return slices.Compact(out)
}
