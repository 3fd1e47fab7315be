package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"pgregory.net/rapid"

	"github.com/edgard/avito-autoanswer/internal/logger"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []*bot.SendMessageParams
}

func (s *scriptedSender) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	s.sent = append(s.sent, params)
	return &models.Message{ID: s.calls, Text: params.Text}, nil
}

type recordedSleep struct{ waits []time.Duration }

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func TestSafeSend(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	flood := &bot.TooManyRequestsError{Message: "flood", RetryAfter: 3}

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantWaits []time.Duration
		wantErr   bool
	}{
		{"first try", nil, 1, nil, false},
		{"flood then ok", []error{flood}, 2, []time.Duration{3500 * time.Millisecond}, false},
		{"generic errors back off", []error{boom, boom}, 3, []time.Duration{time.Second, 2 * time.Second}, false},
		{"gives up after three", []error{boom, flood, boom}, 3, []time.Duration{time.Second, 3500 * time.Millisecond}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &scriptedSender{errs: tt.errs}
			rec := &recordedSleep{}

			msg, err := safeSend(context.Background(), s, HTMLMessage(1, "hi"), rec.sleep)
			if (err != nil) != tt.wantErr {
				t.Fatalf("safeSend() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && msg == nil {
				t.Fatal("safeSend() returned nil message")
			}
			if s.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", s.calls, tt.wantCalls)
			}
			if len(rec.waits) != len(tt.wantWaits) {
				t.Fatalf("waits = %v, want %v", rec.waits, tt.wantWaits)
			}
			for i := range rec.waits {
				if rec.waits[i] != tt.wantWaits[i] {
					t.Errorf("wait[%d] = %v, want %v", i, rec.waits[i], tt.wantWaits[i])
				}
			}
		})
	}
}

func TestSafeSendStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := &scriptedSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	cancelling := func(context.Context, time.Duration) error { return context.Canceled }

	if _, err := safeSend(context.Background(), s, HTMLMessage(1, "hi"), cancelling); err == nil {
		t.Fatal("safeSend() error = nil, want interrupted")
	}
	if s.calls != 1 {
		t.Errorf("calls = %d, want 1", s.calls)
	}
}

func TestSafeSendAttemptsProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		failures := rapid.IntRange(0, 5).Draw(t, "failures")
		errs := make([]error, failures)
		for i := range errs {
			errs[i] = errors.New("fail")
		}
		s := &scriptedSender{errs: errs}
		rec := &recordedSleep{}

		_, err := safeSend(context.Background(), s, HTMLMessage(1, "x"), rec.sleep)

		if s.calls > sendAttempts {
			t.Fatalf("calls = %d exceeds %d", s.calls, sendAttempts)
		}
		if failures < sendAttempts && err != nil {
			t.Fatalf("failures = %d, error = %v", failures, err)
		}
		if failures >= sendAttempts && err == nil {
			t.Fatalf("failures = %d, want error", failures)
		}
		if len(rec.waits) != s.calls-1 {
			t.Fatalf("waits = %d, calls = %d", len(rec.waits), s.calls)
		}
	})
}

func TestHTMLMessage(t *testing.T) {
	t.Parallel()

	p := HTMLMessage(42, "<b>x</b>")
	if p.ChatID != int64(42) || p.ParseMode != models.ParseModeHTML {
		t.Errorf("HTMLMessage() = %+v", p)
	}
	if p.LinkPreviewOptions == nil || p.LinkPreviewOptions.IsDisabled == nil || !*p.LinkPreviewOptions.IsDisabled {
		t.Error("link preview not disabled")
	}
}

func TestNotifier(t *testing.T) {
	t.Parallel()

	s := &scriptedSender{}
	n := NewNotifier(s, []int64{10, 20}, logger.Discard())
	if err := n.Notify(context.Background(), "Клиент: Помогите"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(s.sent) != 2 || s.sent[0].ChatID != int64(10) || s.sent[1].ChatID != int64(20) {
		t.Errorf("sent = %+v", s.sent)
	}
}
