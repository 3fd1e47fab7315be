package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultAvitoBaseURL    = "https://api.avito.ru"
	DefaultLLMProvider     = "openai"
	DefaultLLMModel        = "gpt-4o"
	DefaultTemperature     = 0.2
	DefaultLLMTimeout      = 60 * time.Second
	DefaultLLMMaxRetries   = 2
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultDBPath          = "data/bot.db"
	DefaultDataDir         = "data"
	DefaultLogLevel        = "info"
	DefaultCooldownMinutes = 15
	DefaultWorkers         = 4
	DefaultQueueSize       = 256

	DefaultSessionCleanupSchedule = "0 */10 * * * *"
	DefaultSQLMaintenanceSchedule = "0 0 4 * * *"
	DefaultHistoryMiningSchedule  = "0 30 3 * * *"
)

// ErrConfiguration wraps every loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Task names shared with the task registry.
const (
	TaskSessionCleanup = "session_cleanup"
	TaskSQLMaintenance = "sql_maintenance"
	TaskHistoryMining  = "history_mining"
)

// LoadConfig loads and validates configuration from:
// 1. Default values
// 2. the .env file at path (optional)
// 3. process environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := readEnvFile(v, path); err != nil {
		return nil, fmt.Errorf("%w: failed to load %s: %v", ErrConfiguration, path, err)
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: config validation failed: %v", ErrConfiguration, err)
	}

	return cfg, nil
}

// readEnvFile reads a dotenv file into v. A missing file is not an error.
func readEnvFile(v *viper.Viper, path string) error {
	v.AutomaticEnv()
	if path == "" {
		return nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// setDefaults registers every known key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	for _, key := range []string{
		"telegram_bot_token", "admins", "managers", "telegram_manager_id",
		"avito_client_id", "avito_client_secret", "avito_account_id",
		"openai_api_key", "gemini_api_key", "llm_base_url", "public_base_url",
		"manager_cost_per_hour", "usd_rate",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("avito_api_base", DefaultAvitoBaseURL)
	v.SetDefault("llm_provider", DefaultLLMProvider)
	v.SetDefault("llm_model", DefaultLLMModel)
	v.SetDefault("temperature", DefaultTemperature)
	v.SetDefault("llm_timeout", DefaultLLMTimeout)
	v.SetDefault("llm_max_retries", DefaultLLMMaxRetries)
	v.SetDefault("http_addr", DefaultHTTPAddr)
	v.SetDefault("db_path", DefaultDBPath)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_json", true)
	v.SetDefault("cooldown_minutes_after_manager", DefaultCooldownMinutes)
	v.SetDefault("reply_workers", DefaultWorkers)
	v.SetDefault("reply_queue_size", DefaultQueueSize)
	v.SetDefault("schedule_session_cleanup", DefaultSessionCleanupSchedule)
	v.SetDefault("schedule_sql_maintenance", DefaultSQLMaintenanceSchedule)
	v.SetDefault("schedule_history_mining", DefaultHistoryMiningSchedule)
}

func fromViper(v *viper.Viper) (*Config, error) {
	admins, err := ParseIDList(v.GetString("admins"))
	if err != nil {
		return nil, fmt.Errorf("ADMINS: %w", err)
	}
	managers, err := ParseIDList(v.GetString("managers"))
	if err != nil {
		return nil, fmt.Errorf("MANAGERS: %w", err)
	}
	managerID, err := parseOptionalInt(v.GetString("telegram_manager_id"))
	if err != nil {
		return nil, fmt.Errorf("TELEGRAM_MANAGER_ID: %w", err)
	}
	accountID, err := parseOptionalInt(v.GetString("avito_account_id"))
	if err != nil {
		return nil, fmt.Errorf("AVITO_ACCOUNT_ID: %w", err)
	}
	costPerHour, err := parseOptionalFloat(v.GetString("manager_cost_per_hour"))
	if err != nil {
		return nil, fmt.Errorf("MANAGER_COST_PER_HOUR: %w", err)
	}
	usdRate, err := parseOptionalFloat(v.GetString("usd_rate"))
	if err != nil {
		return nil, fmt.Errorf("USD_RATE: %w", err)
	}

	return &Config{
		Telegram: TelegramConfig{
			Token:      strings.TrimSpace(v.GetString("telegram_bot_token")),
			AdminIDs:   admins,
			ManagerIDs: managers,
			ManagerID:  managerID,
		},
		Avito: AvitoConfig{
			BaseURL:      normalizeBaseURL(v.GetString("avito_api_base")),
			ClientID:     strings.TrimSpace(v.GetString("avito_client_id")),
			ClientSecret: strings.TrimSpace(v.GetString("avito_client_secret")),
			AccountID:    accountID,
		},
		LLM: LLMConfig{
			Provider:    strings.ToLower(strings.TrimSpace(v.GetString("llm_provider"))),
			OpenAIKey:   strings.TrimSpace(v.GetString("openai_api_key")),
			GeminiKey:   strings.TrimSpace(v.GetString("gemini_api_key")),
			BaseURL:     normalizeBaseURL(v.GetString("llm_base_url")),
			Model:       strings.TrimSpace(v.GetString("llm_model")),
			Temperature: v.GetFloat64("temperature"),
			Timeout:     v.GetDuration("llm_timeout"),
			MaxRetries:  v.GetInt("llm_max_retries"),
		},
		HTTP: HTTPConfig{
			Addr:          v.GetString("http_addr"),
			PublicBaseURL: normalizeBaseURL(v.GetString("public_base_url")),
		},
		Database: DatabaseConfig{Path: v.GetString("db_path")},
		Logger: LoggerConfig{
			Level: strings.ToLower(v.GetString("log_level")),
			JSON:  v.GetBool("log_json"),
		},
		Bot: BotConfig{
			DataDir:            v.GetString("data_dir"),
			CooldownMinutes:    v.GetInt("cooldown_minutes_after_manager"),
			ManagerCostPerHour: costPerHour,
			USDRate:            usdRate,
			Workers:            v.GetInt("reply_workers"),
			QueueSize:          v.GetInt("reply_queue_size"),
		},
		Scheduler: SchedulerConfig{Tasks: map[string]TaskConfig{
			TaskSessionCleanup: taskFromSchedule(v.GetString("schedule_session_cleanup")),
			TaskSQLMaintenance: taskFromSchedule(v.GetString("schedule_sql_maintenance")),
			TaskHistoryMining:  taskFromSchedule(v.GetString("schedule_history_mining")),
		}},
	}, nil
}

// taskFromSchedule disables a task when its schedule is empty or "off".
func taskFromSchedule(schedule string) TaskConfig {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" || strings.EqualFold(schedule, "off") {
		return TaskConfig{}
	}
	return TaskConfig{Enabled: true, Schedule: schedule}
}

// ParseIDList parses Telegram user IDs separated by commas or whitespace.
func ParseIDList(raw string) ([]int64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})

	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseOptionalInt(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func parseOptionalFloat(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
}
