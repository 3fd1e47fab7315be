package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrDuplicate is returned when a unique FAQ question or card topic already exists.
var ErrDuplicate = errors.New("duplicate entry")

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error

	// GetSession returns the session for chatID. Returns nil, nil if not found.
	GetSession(ctx context.Context, chatID string) (*ChatSession, error)
	UpsertSession(ctx context.Context, session *ChatSession) error
	DeleteSession(ctx context.Context, chatID string) error
	// DeleteExpiredSessions removes cooldowns that ended before now.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// GetSetting returns the stored value and whether it exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	SaveChatMessage(ctx context.Context, message *ChatMessage) error
	// GetDialogHistory returns the last limit messages of a dialog, oldest first.
	GetDialogHistory(ctx context.Context, dialogID string, limit int) ([]ChatMessage, error)
	// ListDialogMessages returns every message whose dialog_id starts with prefix,
	// ordered by dialog and insertion.
	ListDialogMessages(ctx context.Context, prefix string) ([]ChatMessage, error)

	ListFAQ(ctx context.Context) ([]FAQEntry, error)
	// AddFAQ inserts an entry. Returns ErrDuplicate when the question exists.
	AddFAQ(ctx context.Context, entry *FAQEntry) error
	DeleteFAQ(ctx context.Context, id int64) (bool, error)
	CountFAQBySource(ctx context.Context) (map[string]int, error)

	ListCards(ctx context.Context) ([]KnowledgeCard, error)
	// GetCardByTopic returns nil, nil if not found.
	GetCardByTopic(ctx context.Context, topic string) (*KnowledgeCard, error)
	// SaveCard inserts the card or updates the one with the same topic.
	SaveCard(ctx context.Context, card *KnowledgeCard) error
	DeleteCard(ctx context.Context, topic string) (bool, error)
	// ReplaceCards saves into and deletes fromTopic in a single transaction.
	ReplaceCards(ctx context.Context, into *KnowledgeCard, fromTopic string) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Key normalizes a question or topic for unique lookups.
// SQLite NOCASE only folds ASCII, so folding happens here.
func Key(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunSQLMaintenance executes VACUUM and refreshes the query planner statistics.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
			return err
		}
		s.logger.ErrorContext(ctx, "Error running VACUUM", "error", err)
		return fmt.Errorf("failed to run VACUUM: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		s.logger.WarnContext(ctx, "PRAGMA optimize failed", "error", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed successfully.")
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *sqlxStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
