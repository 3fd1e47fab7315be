// Package main contains avitoctl, an operator tool for the Avito Messenger API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/edgard/avito-autoanswer/internal/avito"
	"github.com/edgard/avito-autoanswer/internal/config"
	"github.com/edgard/avito-autoanswer/internal/logger"
)

// settings are the values avitoctl reads from .env and the environment.
type settings struct {
	BaseURL       string `env:"AVITO_API_BASE" envDefault:"https://api.avito.ru"`
	ClientID      string `env:"AVITO_CLIENT_ID,required"`
	ClientSecret  string `env:"AVITO_CLIENT_SECRET,required"`
	AccountID     int64  `env:"AVITO_ACCOUNT_ID"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"warn"`
}

// webhookURL is the default subscription target.
func (s settings) webhookURL() string {
	if s.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.PublicBaseURL, "/") + config.WebhookPath
}

func loadSettings(envPath string) (settings, error) {
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return settings{}, fmt.Errorf("failed to read %s: %w", envPath, err)
	}
	var s settings
	if err := env.Parse(&s); err != nil {
		return settings{}, err
	}
	return s, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	envPath := ".env"
	if len(args) >= 2 && args[0] == "-env" {
		envPath, args = args[1], args[2:]
	}
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	s, err := loadSettings(envPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	client := avito.New(s.ClientID, s.ClientSecret, s.AccountID,
		avito.WithBaseURL(s.BaseURL),
		avito.WithLogger(logger.New(stderr, s.LogLevel, false)),
	)

	cli := &app{api: client, out: stdout, webhookURL: s.webhookURL()}
	if err := cli.dispatch(ctx, args); err != nil {
		fmt.Fprintf(stderr, "avitoctl: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(stderr, usage)
			return 2
		}
		return 1
	}
	return 0
}
