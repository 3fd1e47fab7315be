// Package session tracks when the bot may answer in a chat and the global
// reply mode. State lives in the database so it survives restarts.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/edgard/avito-autoanswer/internal/database"
)

// Reply modes.
const (
	ModeListening = "listening"
	ModePartial   = "partial"
	ModeFull      = "full"
)

// Setting keys in bot_settings.
const (
	KeyEnabled           = "bot_enabled"
	KeyMode              = "bot_mode"
	KeyPartialPercentage = "partial_percentage"
	KeyModel             = "llm_model"
)

const (
	DefaultMode              = ModeFull
	DefaultPartialPercentage = 50
)

// Models selectable from Telegram.
var Models = []string{"gpt-5", "gpt-5-mini", "gpt-4o"}

// ErrInvalidValue is returned by setters given an unsupported value.
var ErrInvalidValue = errors.New("invalid setting value")

// Manager reads and writes chat sessions and bot settings.
type Manager struct {
	store           database.Store
	cooldownMinutes int
	defaultModel    string
	logger          *slog.Logger
	now             func() time.Time
}

// NewManager creates a session manager. cooldownMinutes is used by
// SetCooldown when a negative value is passed; defaultModel is returned
// by Model when none is stored.
func NewManager(store database.Store, cooldownMinutes int, defaultModel string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:           store,
		cooldownMinutes: cooldownMinutes,
		defaultModel:    defaultModel,
		logger:          logger.With("component", "session"),
		now:             time.Now,
	}
}

// SetWaitingManager pauses the bot in chatID until a manager answers.
func (m *Manager) SetWaitingManager(ctx context.Context, chatID string) error {
	if chatID == "" {
		m.logger.WarnContext(ctx, "SetWaitingManager called with empty chat_id")
		return nil
	}
	err := m.store.UpsertSession(ctx, &database.ChatSession{ChatID: chatID, State: database.StateWaitingManager})
	if err != nil {
		return fmt.Errorf("failed to set waiting_manager for %s: %w", chatID, err)
	}
	m.logger.InfoContext(ctx, "Set waiting_manager state", "chat_id", chatID)
	return nil
}

// SetCooldown silences the bot in chatID for minutes. A negative value uses
// the configured default; zero clears the session.
func (m *Manager) SetCooldown(ctx context.Context, chatID string, minutes int) error {
	if chatID == "" {
		m.logger.WarnContext(ctx, "SetCooldown called with empty chat_id")
		return nil
	}
	if minutes < 0 {
		minutes = m.cooldownMinutes
	}
	if minutes == 0 {
		return m.Clear(ctx, chatID)
	}

	until := m.now().Add(time.Duration(minutes) * time.Minute)
	err := m.store.UpsertSession(ctx, &database.ChatSession{
		ChatID:    chatID,
		State:     database.StateCooldown,
		UntilUnix: sql.NullInt64{Int64: until.Unix(), Valid: true},
	})
	if err != nil {
		return fmt.Errorf("failed to set cooldown for %s: %w", chatID, err)
	}
	m.logger.InfoContext(ctx, "Set cooldown", "chat_id", chatID, "minutes", minutes)
	return nil
}

// Clear removes any pause for chatID.
func (m *Manager) Clear(ctx context.Context, chatID string) error {
	if err := m.store.DeleteSession(ctx, chatID); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", chatID, err)
	}
	return nil
}

// Info returns the stored session, or nil when the chat has none.
func (m *Manager) Info(ctx context.Context, chatID string) (*database.ChatSession, error) {
	return m.store.GetSession(ctx, chatID)
}

// CanReply reports whether the bot may answer in chatID at now.
// An expired cooldown is removed as a side effect.
func (m *Manager) CanReply(ctx context.Context, chatID string, now time.Time) (bool, error) {
	if chatID == "" {
		return true, nil
	}
	s, err := m.store.GetSession(ctx, chatID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return true, nil
	}

	switch s.State {
	case database.StateWaitingManager:
		return false, nil
	case database.StateCooldown:
		if s.UntilUnix.Valid && !now.After(s.Until()) {
			return false, nil
		}
		if !s.UntilUnix.Valid {
			m.logger.WarnContext(ctx, "Cooldown without expiry, clearing session", "chat_id", chatID)
		}
		if err := m.Clear(ctx, chatID); err != nil {
			return false, err
		}
		return true, nil
	default:
		return true, nil
	}
}

// Enabled reports the global on/off switch. Defaults to true.
func (m *Manager) Enabled(ctx context.Context) (bool, error) {
	v, ok, err := m.store.GetSetting(ctx, KeyEnabled)
	if err != nil || !ok {
		return true, err
	}
	return v != "0" && v != "false", nil
}

func (m *Manager) SetEnabled(ctx context.Context, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	return m.store.SetSetting(ctx, KeyEnabled, v)
}

// Mode returns the reply mode, falling back to DefaultMode for unknown values.
func (m *Manager) Mode(ctx context.Context) (string, error) {
	v, ok, err := m.store.GetSetting(ctx, KeyMode)
	if err != nil || !ok || !validMode(v) {
		return DefaultMode, err
	}
	return v, nil
}

func (m *Manager) SetMode(ctx context.Context, mode string) error {
	if !validMode(mode) {
		return fmt.Errorf("mode %q: %w", mode, ErrInvalidValue)
	}
	return m.store.SetSetting(ctx, KeyMode, mode)
}

// PartialPercentage returns the share of chats answered in partial mode.
func (m *Manager) PartialPercentage(ctx context.Context) (int, error) {
	v, ok, err := m.store.GetSetting(ctx, KeyPartialPercentage)
	if err != nil || !ok {
		return DefaultPartialPercentage, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(v))
	if convErr != nil || n < 0 || n > 100 {
		return DefaultPartialPercentage, nil
	}
	return n, nil
}

func (m *Manager) SetPartialPercentage(ctx context.Context, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("percentage %d: %w", pct, ErrInvalidValue)
	}
	return m.store.SetSetting(ctx, KeyPartialPercentage, strconv.Itoa(pct))
}

// Model returns the selected LLM model or the configured default.
func (m *Manager) Model(ctx context.Context) (string, error) {
	v, ok, err := m.store.GetSetting(ctx, KeyModel)
	if err != nil || !ok || v == "" {
		return m.defaultModel, err
	}
	return v, nil
}

func (m *Manager) SetModel(ctx context.Context, model string) error {
	if !slices.Contains(Models, model) {
		return fmt.Errorf("model %q: %w", model, ErrInvalidValue)
	}
	return m.store.SetSetting(ctx, KeyModel, model)
}

// ShouldAutoReply applies the on/off switch and the mode to chatID.
// In partial mode the decision is stable for a given chat.
func (m *Manager) ShouldAutoReply(ctx context.Context, chatID string) (bool, error) {
	enabled, err := m.Enabled(ctx)
	if err != nil || !enabled {
		return false, err
	}
	mode, err := m.Mode(ctx)
	if err != nil {
		return false, err
	}
	switch mode {
	case ModeListening:
		return false, nil
	case ModePartial:
		pct, err := m.PartialPercentage(ctx)
		if err != nil {
			return false, err
		}
		return Bucket(chatID) < pct, nil
	default:
		return true, nil
	}
}

// Bucket maps chatID to 0..99.
func Bucket(chatID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return int(h.Sum32() % 100)
}

func validMode(mode string) bool {
	return mode == ModeListening || mode == ModePartial || mode == ModeFull
}
