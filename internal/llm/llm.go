// Package llm wraps the language model providers behind one completion call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edgard/avito-autoanswer/internal/config"
)

// ErrEmptyResponse is returned when the provider answered without text.
var ErrEmptyResponse = errors.New("empty model response")

// Client produces a completion for a single system and user prompt.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is one completion call. Empty Model selects the client default.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
}

// Usage counts the tokens billed for a completion.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

type Response struct {
	Text  string
	Usage Usage
	Model string
}

// New builds the client for the configured provider behind a circuit breaker.
func New(ctx context.Context, cfg config.LLMConfig, log *slog.Logger) (Client, error) {
	var (
		client Client
		err    error
	)
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "", "openai":
		provider = "openai"
		client, err = NewOpenAI(cfg, log)
	case "gemini":
		client, err = NewGemini(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithBreaker(client, BreakerConfig{Name: "llm_" + provider}, log), nil
}

// supportsTemperature reports whether the model accepts a sampling temperature.
func supportsTemperature(model string) bool {
	switch strings.ToLower(model) {
	case "gpt-5", "gpt-5-mini":
		return false
	}
	return true
}
