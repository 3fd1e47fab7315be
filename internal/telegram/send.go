package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	sendAttempts    = 3
	retryAfterSlack = 500 * time.Millisecond
)

// Sender is the part of *bot.Bot used to deliver messages.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Client is the part of *bot.Bot used by handlers.
type Client interface {
	Sender
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SafeSend sends a message, retrying up to three times. Flood-control errors
// wait for the server's retry_after; other errors back off one second per attempt.
func SafeSend(ctx context.Context, s Sender, params *bot.SendMessageParams) (*models.Message, error) {
	return safeSend(ctx, s, params, sleepCtx)
}

func safeSend(ctx context.Context, s Sender, params *bot.SendMessageParams, sleep sleepFunc) (*models.Message, error) {
	var lastErr error
	for attempt := range sendAttempts {
		msg, err := s.SendMessage(ctx, params)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if attempt == sendAttempts-1 || ctx.Err() != nil {
			break
		}

		wait := time.Duration(attempt+1) * time.Second
		var flood *bot.TooManyRequestsError
		if errors.As(err, &flood) {
			wait = time.Duration(flood.RetryAfter)*time.Second + retryAfterSlack
		}
		slog.DebugContext(ctx, "Telegram send failed, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("send interrupted: %w", lastErr)
		}
	}
	return nil, fmt.Errorf("failed to send message after %d attempts: %w", sendAttempts, lastErr)
}

// HTMLMessage builds send parameters for an HTML message without link previews.
func HTMLMessage(chatID int64, text string) *bot.SendMessageParams {
	disabled := true
	return &bot.SendMessageParams{
		ChatID:             chatID,
		Text:               text,
		ParseMode:          models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{IsDisabled: &disabled},
	}
}

// Notifier broadcasts manager notifications to a fixed set of Telegram users.
type Notifier struct {
	sender Sender
	ids    []int64
	logger *slog.Logger
}

// NewNotifier creates a notifier that sends through s to ids.
func NewNotifier(s Sender, ids []int64, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: s, ids: ids, logger: logger.With("component", "notifier")}
}

// Notify sends the HTML text to every recipient. It returns the joined
// errors of the recipients that could not be reached.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, id := range n.ids {
		if _, err := SafeSend(ctx, n.sender, HTMLMessage(id, text)); err != nil {
			n.logger.ErrorContext(ctx, "Failed to notify manager", "telegram_id", id, "error", err)
			errs = append(errs, fmt.Errorf("notify %d: %w", id, err))
			continue
		}
		n.logger.InfoContext(ctx, "Manager notified", "telegram_id", id)
	}
	return errors.Join(errs...)
}
