// Package config provides configuration loading, validation, and management
// for the Avito autoanswer bot. Values come from a .env file and the process
// environment, with defaults for every optional parameter.
package config

import (
	"slices"
	"strings"
	"time"
)

// WebhookPath is the route Avito delivers messenger events to.
const WebhookPath = "/avito/webhook"

// Config defines the application configuration parameters for all components.
type Config struct {
	Telegram  TelegramConfig
	Avito     AvitoConfig
	LLM       LLMConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Logger    LoggerConfig
	Bot       BotConfig
	Scheduler SchedulerConfig
}

// TelegramConfig holds the Telegram bot token and the operator IDs.
type TelegramConfig struct {
	Token      string  `validate:"required"`
	AdminIDs   []int64 `validate:"required,min=1,dive,gt=0"`
	ManagerIDs []int64 `validate:"dive,gt=0"`
	// ManagerID is the single-manager setting kept for older .env files.
	ManagerID int64 `validate:"min=0"`
}

// AvitoConfig holds the Avito Messenger API credentials.
type AvitoConfig struct {
	BaseURL      string `validate:"required,url"`
	ClientID     string `validate:"required"`
	ClientSecret string `validate:"required"`
	AccountID    int64  `validate:"required,gt=0"`
}

// LLMConfig selects the language model provider and its defaults.
type LLMConfig struct {
	Provider    string        `validate:"required,oneof=openai gemini"`
	OpenAIKey   string        `validate:"required_if=Provider openai"`
	GeminiKey   string        `validate:"required_if=Provider gemini"`
	BaseURL     string        `validate:"omitempty,url"`
	Model       string        `validate:"required"`
	Temperature float64       `validate:"min=0,max=2"`
	Timeout     time.Duration `validate:"min=1s,max=10m"`
	MaxRetries  int           `validate:"min=0,max=10"`
}

// HTTPConfig configures the webhook listener.
type HTTPConfig struct {
	Addr          string `validate:"required"`
	PublicBaseURL string `validate:"omitempty,url"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `validate:"required"`
}

// LoggerConfig configures slog output.
type LoggerConfig struct {
	Level string `validate:"oneof=debug info warn error"`
	JSON  bool
}

// BotConfig holds reply behaviour and statistics parameters.
type BotConfig struct {
	DataDir            string  `validate:"required"`
	CooldownMinutes    int     `validate:"min=0"`
	ManagerCostPerHour float64 `validate:"min=0"`
	USDRate            float64 `validate:"min=0"`
	Workers            int     `validate:"min=1,max=64"`
	QueueSize          int     `validate:"min=1"`
}

// SchedulerConfig maps task names to their schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig
}

// TaskConfig describes one scheduled task.
type TaskConfig struct {
	Enabled  bool
	Schedule string
}

// WebhookURL returns the public webhook address, or "" when no public base URL is set.
func (c *Config) WebhookURL() string {
	if c.HTTP.PublicBaseURL == "" {
		return ""
	}
	return c.HTTP.PublicBaseURL + WebhookPath
}

// IsAdmin reports whether the Telegram user may run admin commands.
func (c *Config) IsAdmin(userID int64) bool {
	return slices.Contains(c.Telegram.AdminIDs, userID)
}

// NotifyIDs returns the Telegram users that receive manager notifications.
// Managers win over admins; admins are used when no manager is configured.
func (c *Config) NotifyIDs() []int64 {
	ids := make([]int64, 0, len(c.Telegram.ManagerIDs)+1)
	for _, id := range append(slices.Clone(c.Telegram.ManagerIDs), c.Telegram.ManagerID) {
		if id > 0 && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return slices.Clone(c.Telegram.AdminIDs)
	}
	return ids
}

// IsManager reports whether the user is allowed to relay replies to Avito.
func (c *Config) IsManager(userID int64) bool {
	return c.IsAdmin(userID) || slices.Contains(c.NotifyIDs(), userID)
}

// normalizeBaseURL strips surrounding whitespace and trailing slashes.
func normalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
