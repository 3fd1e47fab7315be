// Package handlers contains Telegram bot command and message handlers,
// along with their registration logic and middleware.
package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/telegram"
)

// UnauthorizedText is sent to users who are not admins.
const UnauthorizedText = "⛔️ Недостаточно прав."

// AdminOnly creates a middleware that lets only configured admins through.
// Messages from others get UnauthorizedText, callback queries get it as an alert.
func AdminOnly(deps HandlerDeps) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, b *bot.Bot, update *models.Update) {
			if !allowAdmin(ctx, deps, b, update) {
				return
			}
			next(ctx, b, update)
		}
	}
}

func allowAdmin(ctx context.Context, deps HandlerDeps, c telegram.Client, update *models.Update) bool {
	log := deps.Logger.With("middleware", "AdminOnly")

	switch {
	case update.Message != nil && update.Message.From != nil:
		userID := update.Message.From.ID
		if deps.Config.IsAdmin(userID) {
			return true
		}
		chatID := update.Message.Chat.ID
		log.WarnContext(ctx, "Unauthorized access attempt", "user_id", userID, "chat_id", chatID)
		sendText(ctx, c, log, chatID, UnauthorizedText)
		return false

	case update.CallbackQuery != nil:
		userID := update.CallbackQuery.From.ID
		if deps.Config.IsAdmin(userID) {
			return true
		}
		log.WarnContext(ctx, "Unauthorized callback attempt", "user_id", userID, "data", update.CallbackQuery.Data)
		if _, err := c.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: update.CallbackQuery.ID,
			Text:            UnauthorizedText,
			ShowAlert:       true,
		}); err != nil {
			log.ErrorContext(ctx, "Failed to answer callback", "error", err)
		}
		return false
	}
	return false
}
