package handlers

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/telegram"
)

// sendText delivers a plain text message and logs a failure.
func sendText(ctx context.Context, c telegram.Sender, log *slog.Logger, chatID int64, text string) {
	send(ctx, c, log, &bot.SendMessageParams{ChatID: chatID, Text: text})
}

// sendHTML delivers an HTML message with link previews disabled.
func sendHTML(ctx context.Context, c telegram.Sender, log *slog.Logger, chatID int64, text string, markup models.ReplyMarkup) {
	params := telegram.HTMLMessage(chatID, text)
	if markup != nil {
		params.ReplyMarkup = markup
	}
	send(ctx, c, log, params)
}

func send(ctx context.Context, c telegram.Sender, log *slog.Logger, params *bot.SendMessageParams) {
	if _, err := telegram.SafeSend(ctx, c, params); err != nil {
		log.ErrorContext(ctx, "Failed to send message", "error", err, "chat_id", params.ChatID)
	}
}

// commandArgs returns what follows the leading /command token, keeping inner newlines.
func commandArgs(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return text
	}
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(text[i:])
}

// splitWord cuts s into its first word and the trimmed remainder.
func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

// splitPair cuts "left | right" into its trimmed halves.
func splitPair(s string) (string, string, bool) {
	left, right, ok := strings.Cut(s, "|")
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)
	return left, right, ok && left != "" && right != ""
}

func button(text, data string) models.InlineKeyboardButton {
	return models.InlineKeyboardButton{Text: text, CallbackData: data}
}
