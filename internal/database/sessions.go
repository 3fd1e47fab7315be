package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *sqlxStore) GetSession(ctx context.Context, chatID string) (*ChatSession, error) {
	var session ChatSession
	err := s.db.GetContext(ctx, &session,
		`SELECT chat_id, state, until_unix, updated_at FROM chat_sessions WHERE chat_id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", chatID, err)
	}
	return &session, nil
}

func (s *sqlxStore) UpsertSession(ctx context.Context, session *ChatSession) error {
	if session == nil || session.ChatID == "" {
		return fmt.Errorf("session must have a chat_id")
	}
	session.UpdatedAt = nowUTC()

	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO chat_sessions (chat_id, state, until_unix, updated_at)
        VALUES (:chat_id, :state, :until_unix, :updated_at)
        ON CONFLICT (chat_id) DO UPDATE SET
            state = excluded.state,
            until_unix = excluded.until_unix,
            updated_at = excluded.updated_at;
    `, session)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving session", "chat_id", session.ChatID, "error", err)
		return fmt.Errorf("failed to save session %s: %w", session.ChatID, err)
	}
	return nil
}

func (s *sqlxStore) DeleteSession(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", chatID, err)
	}
	return nil
}

func (s *sqlxStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE state = ? AND until_unix IS NOT NULL AND until_unix < ?`,
		StateCooldown, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *sqlxStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM bot_settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *sqlxStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO bot_settings (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
    `, key, value, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	s.logger.DebugContext(ctx, "Setting saved", "key", key, "value", value)
	return nil
}
