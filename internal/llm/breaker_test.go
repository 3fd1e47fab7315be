package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgard/avito-autoanswer/internal/logger"
)

type scriptedClient struct {
	calls int
	err   error
}

func (c *scriptedClient) Complete(context.Context, Request) (*Response, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &Response{Text: "ok"}, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	next := &scriptedClient{err: errors.New("503 unavailable")}
	b := WithBreaker(next, BreakerConfig{MaxFailures: 3, OpenTimeout: time.Hour}, logger.Discard())

	for range 3 {
		if _, err := b.Complete(context.Background(), Request{}); err == nil {
			t.Fatal("Complete() error = nil")
		}
	}
	if b.State() != "open" {
		t.Fatalf("State() = %q, want open", b.State())
	}

	_, err := b.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Complete() on open circuit error = %v, want ErrCircuitOpen", err)
	}
	if next.calls != 3 {
		t.Errorf("provider calls = %d, want 3", next.calls)
	}
}

func TestBreakerPassesResponses(t *testing.T) {
	t.Parallel()
	b := WithBreaker(&scriptedClient{}, BreakerConfig{}, logger.Discard())
	resp, err := b.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil || resp.Text != "ok" {
		t.Fatalf("Complete() = %+v, %v", resp, err)
	}
	if b.State() != "closed" {
		t.Errorf("State() = %q", b.State())
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	t.Parallel()
	b := WithBreaker(&scriptedClient{err: context.Canceled}, BreakerConfig{MaxFailures: 1}, logger.Discard())
	for range 3 {
		_, _ = b.Complete(context.Background(), Request{})
	}
	if b.State() != "closed" {
		t.Errorf("State() = %q, want closed", b.State())
	}
}
