package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const cardColumns = `id, topic, topic_key, category, facts, tags, priority, relevance_score,
        source, usage_count, created_at, updated_at, last_used_at`

func (s *sqlxStore) ListFAQ(ctx context.Context) ([]FAQEntry, error) {
	var entries []FAQEntry
	err := s.db.SelectContext(ctx, &entries, `
        SELECT id, question, question_key, answer, source, created_at, updated_at
        FROM faq_entries ORDER BY id;
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to list faq: %w", err)
	}
	return entries, nil
}

func (s *sqlxStore) AddFAQ(ctx context.Context, entry *FAQEntry) error {
	if entry == nil {
		return fmt.Errorf("cannot save nil faq entry")
	}
	now := nowUTC()
	entry.QuestionKey = Key(entry.Question)
	entry.CreatedAt = now
	entry.UpdatedAt = now

	result, err := s.db.NamedExecContext(ctx, `
        INSERT INTO faq_entries (question, question_key, answer, source, created_at, updated_at)
        VALUES (:question, :question_key, :answer, :source, :created_at, :updated_at);
    `, entry)
	if isUniqueViolation(err) {
		return fmt.Errorf("faq %q: %w", entry.Question, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to add faq: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (s *sqlxStore) DeleteFAQ(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM faq_entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete faq %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlxStore) CountFAQBySource(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Source string `db:"source"`
		Count  int    `db:"cnt"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT source, COUNT(*) AS cnt FROM faq_entries GROUP BY source`); err != nil {
		return nil, fmt.Errorf("failed to count faq: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Source] = r.Count
	}
	return out, nil
}

func (s *sqlxStore) ListCards(ctx context.Context) ([]KnowledgeCard, error) {
	var cards []KnowledgeCard
	if err := s.db.SelectContext(ctx, &cards,
		`SELECT `+cardColumns+` FROM knowledge_cards ORDER BY updated_at DESC, id DESC`); err != nil {
		return nil, fmt.Errorf("failed to list knowledge cards: %w", err)
	}
	return cards, nil
}

func (s *sqlxStore) GetCardByTopic(ctx context.Context, topic string) (*KnowledgeCard, error) {
	var card KnowledgeCard
	err := s.db.GetContext(ctx, &card,
		`SELECT `+cardColumns+` FROM knowledge_cards WHERE topic_key = ?`, Key(topic))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card %q: %w", topic, err)
	}
	return &card, nil
}

func (s *sqlxStore) SaveCard(ctx context.Context, card *KnowledgeCard) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return saveCardTx(ctx, tx, card)
	})
}

func (s *sqlxStore) DeleteCard(ctx context.Context, topic string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_cards WHERE topic_key = ?`, Key(topic))
	if err != nil {
		return false, fmt.Errorf("failed to delete card %q: %w", topic, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlxStore) ReplaceCards(ctx context.Context, into *KnowledgeCard, fromTopic string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if Key(fromTopic) != Key(into.Topic) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_cards WHERE topic_key = ?`, Key(fromTopic)); err != nil {
				return fmt.Errorf("failed to delete merged card %q: %w", fromTopic, err)
			}
		}
		return saveCardTx(ctx, tx, into)
	})
}

func saveCardTx(ctx context.Context, tx *sqlx.Tx, card *KnowledgeCard) error {
	if card == nil || Key(card.Topic) == "" {
		return fmt.Errorf("card must have a topic")
	}
	now := nowUTC()
	card.TopicKey = Key(card.Topic)
	card.UpdatedAt = now
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}

	_, err := tx.NamedExecContext(ctx, `
        INSERT INTO knowledge_cards (topic, topic_key, category, facts, tags, priority, relevance_score,
            source, usage_count, created_at, updated_at, last_used_at)
        VALUES (:topic, :topic_key, :category, :facts, :tags, :priority, :relevance_score,
            :source, :usage_count, :created_at, :updated_at, :last_used_at)
        ON CONFLICT (topic_key) DO UPDATE SET
            topic = excluded.topic,
            category = excluded.category,
            facts = excluded.facts,
            tags = excluded.tags,
            priority = excluded.priority,
            relevance_score = excluded.relevance_score,
            source = excluded.source,
            usage_count = excluded.usage_count,
            updated_at = excluded.updated_at,
            last_used_at = excluded.last_used_at;
    `, card)
	if err != nil {
		return fmt.Errorf("failed to save card %q: %w", card.Topic, err)
	}

	if err := tx.GetContext(ctx, &card.ID, `SELECT id FROM knowledge_cards WHERE topic_key = ?`, card.TopicKey); err != nil {
		return fmt.Errorf("failed to read card id %q: %w", card.Topic, err)
	}
	return nil
}
