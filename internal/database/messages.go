package database

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

const maxHistoryLimit = 500

// SaveChatMessage inserts a dialog message and sets its ID.
func (s *sqlxStore) SaveChatMessage(ctx context.Context, message *ChatMessage) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.DialogID == "" {
		return fmt.Errorf("message must have a dialog_id")
	}
	switch message.Role {
	case RoleUser, RoleAssistant, RoleManager:
	default:
		return fmt.Errorf("unknown message role %q", message.Role)
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = nowUTC()
	}

	result, err := s.db.NamedExecContext(ctx, `
        INSERT INTO chat_messages (dialog_id, role, content, created_at, prompt_tokens, completion_tokens, total_tokens, model)
        VALUES (:dialog_id, :role, :content, :created_at, :prompt_tokens, :completion_tokens, :total_tokens, :model);
    `, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message", "dialog_id", message.DialogID, "error", err)
		return fmt.Errorf("failed to save message for %s: %w", message.DialogID, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		message.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving message",
			"dialog_id", message.DialogID, "error", err)
	}
	return nil
}

func (s *sqlxStore) GetDialogHistory(ctx context.Context, dialogID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var messages []ChatMessage
	err := s.db.SelectContext(ctx, &messages, `
        SELECT id, dialog_id, role, content, created_at, prompt_tokens, completion_tokens, total_tokens, model
        FROM chat_messages
        WHERE dialog_id = ?
        ORDER BY id DESC
        LIMIT ?;
    `, dialogID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history for %s: %w", dialogID, err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func (s *sqlxStore) ListDialogMessages(ctx context.Context, prefix string) ([]ChatMessage, error) {
	var messages []ChatMessage
	err := s.db.SelectContext(ctx, &messages, `
        SELECT id, dialog_id, role, content, created_at, prompt_tokens, completion_tokens, total_tokens, model
        FROM chat_messages
        WHERE substr(dialog_id, 1, ?) = ?
        ORDER BY dialog_id, id;
    `, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list dialogs with prefix %q: %w", prefix, err)
	}
	return messages, nil
}

// GroupByDialog splits messages ordered by dialog into per-dialog slices.
func GroupByDialog(messages []ChatMessage) map[string][]ChatMessage {
	out := make(map[string][]ChatMessage)
	for _, m := range messages {
		key := strings.TrimSpace(m.DialogID)
		out[key] = append(out[key], m)
	}
	return out
}
