package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Session states stored in chat_sessions.state.
const (
	StateWaitingManager = "waiting_manager"
	StateCooldown       = "cooldown"
)

// Message roles stored in chat_messages.role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleManager   = "manager"
)

// ChatSession is the pause state of one Avito chat.
// UntilUnix is NULL for an indefinite wait.
type ChatSession struct {
	ChatID    string        `db:"chat_id"`
	State     string        `db:"state"`
	UntilUnix sql.NullInt64 `db:"until_unix"`
	UpdatedAt time.Time     `db:"updated_at"`
}

// Until returns the expiry time, or the zero time for an indefinite wait.
func (s *ChatSession) Until() time.Time {
	if !s.UntilUnix.Valid {
		return time.Time{}
	}
	return time.Unix(s.UntilUnix.Int64, 0).UTC()
}

// ChatMessage is one stored turn of a dialog, with LLM usage for assistant turns.
type ChatMessage struct {
	ID               int64     `db:"id"`
	DialogID         string    `db:"dialog_id"`
	Role             string    `db:"role"`
	Content          string    `db:"content"`
	CreatedAt        time.Time `db:"created_at"`
	PromptTokens     int64     `db:"prompt_tokens"`
	CompletionTokens int64     `db:"completion_tokens"`
	TotalTokens      int64     `db:"total_tokens"`
	Model            string    `db:"model"`
}

// FAQEntry is a curated question and answer pair.
type FAQEntry struct {
	ID          int64     `db:"id"`
	Question    string    `db:"question"`
	QuestionKey string    `db:"question_key"`
	Answer      string    `db:"answer"`
	Source      string    `db:"source"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// KnowledgeCard groups facts about one topic used to build the LLM context.
type KnowledgeCard struct {
	ID             int64        `db:"id"`
	Topic          string       `db:"topic"`
	TopicKey       string       `db:"topic_key"`
	Category       string       `db:"category"`
	Facts          StringList   `db:"facts"`
	Tags           StringList   `db:"tags"`
	Priority       int          `db:"priority"`
	RelevanceScore float64      `db:"relevance_score"`
	Source         string       `db:"source"`
	UsageCount     int          `db:"usage_count"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	LastUsedAt     sql.NullTime `db:"last_used_at"`
}

// StringList is a []string stored as a JSON array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("invalid string list %q: %w", raw, err)
	}
	*l = out
	return nil
}
