package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"github.com/edgard/avito-autoanswer/internal/config"
)

// OpenAIClient calls the OpenAI Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
	log    *slog.Logger
}

// NewOpenAI builds a client from the LLM settings. BaseURL is optional and
// allows OpenAI compatible gateways.
func NewOpenAI(cfg config.LLMConfig, log *slog.Logger) (*OpenAIClient, error) {
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if log == nil {
		log = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.OpenAIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL+"/"))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	logger := log.With("component", "openai_client")
	logger.Info("OpenAI client initialized", "model", cfg.Model)
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		log:    logger,
	}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(req.Prompt),
		},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	if supportsTemperature(model) {
		params.Temperature = openai.Float(req.Temperature)
	}

	c.log.DebugContext(ctx, "Requesting completion", "model", model, "prompt_len", len(req.Prompt))
	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return nil, fmt.Errorf("%w (status = %s)", ErrEmptyResponse, resp.Status)
	}

	return &Response{
		Text: text,
		Usage: Usage{
			Prompt:     int(resp.Usage.InputTokens),
			Completion: int(resp.Usage.OutputTokens),
			Total:      int(resp.Usage.TotalTokens),
		},
		Model: model,
	}, nil
}
