package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/edgard/avito-autoanswer/internal/config"
)

const defaultGeminiRetryDelay = 2 * time.Second

// GeminiClient calls Gemini through google.golang.org/genai.
type GeminiClient struct {
	genaiClient *genai.Client
	log         *slog.Logger
	model       string
	timeout     time.Duration
	maxRetries  int
	retryDelay  time.Duration
}

// NewGemini creates a Gemini client. Requests for non Gemini models, such as
// the gpt names offered in the settings menu, fall back to cfg.Model.
func NewGemini(ctx context.Context, cfg config.LLMConfig, log *slog.Logger) (*GeminiClient, error) {
	if cfg.GeminiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if log == nil {
		log = slog.Default()
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.GeminiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL + "/"}
	}
	gi, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if !isGeminiModel(model) {
		model = "gemini-2.0-flash"
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized successfully", "model", model)
	return &GeminiClient{
		genaiClient: gi,
		log:         logger,
		model:       model,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  defaultGeminiRetryDelay,
	}, nil
}

func isGeminiModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "gemini")
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if !isGeminiModel(model) {
		model = c.model
	}

	temperature := float32(req.Temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temperature}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.generateContentWithRetries(ctx, model, contents, cfg)
	if err != nil {
		return nil, err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", resp.PromptFeedback.BlockReason)
		return nil, fmt.Errorf("gemini request blocked: %s", resp.PromptFeedback.BlockReasonMessage)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrEmptyResponse
	}

	out := &Response{Text: text, Model: model}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			Prompt:     int(u.PromptTokenCount),
			Completion: int(u.CandidatesTokenCount),
			Total:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func (c *GeminiClient) generateContentWithRetries(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	for i := 0; ; i++ {
		resp, err := c.genaiClient.Models.GenerateContent(ctx, model, contents, cfg)
		if err == nil {
			return resp, nil
		}

		code, ok := apiErrorCode(err)
		if !ok || (code != 500 && code != 503) {
			c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
			return nil, fmt.Errorf("gemini API call failed: %w", err)
		}
		if i >= c.maxRetries {
			c.log.ErrorContext(ctx, "Gemini API call failed after max retries", "error", err, "code", code)
			return nil, fmt.Errorf("gemini API call failed after %d retries (code %d): %w", c.maxRetries, code, err)
		}

		c.log.WarnContext(ctx, "Retrying Gemini API call", "attempt", i+1, "delay", c.retryDelay, "code", code)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// apiErrorCode returns the HTTP code of a genai API error. genai returns
// APIError by value.
func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
