package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/stats"
	"github.com/edgard/avito-autoanswer/internal/telegram"
)

// NewStatsHandler returns a handler for the /stats command.
func NewStatsHandler(deps HandlerDeps) bot.HandlerFunc {
	return statsHandler{deps}.Handle
}

type statsHandler struct {
	deps HandlerDeps
}

func (h statsHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

func (h statsHandler) handle(ctx context.Context, c telegram.Client, update *models.Update) {
	log := h.deps.Logger.With("handler", "stats")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "Stats handler received update with nil message or sender", "update_id", update.ID)
		return
	}
	chatID := update.Message.Chat.ID
	log.InfoContext(ctx, "Handling /stats command", "chat_id", chatID, "user_id", update.Message.From.ID)

	report, err := stats.Collect(ctx, h.deps.Store, stats.Params{
		ManagerCostPerHour: h.deps.Config.Bot.ManagerCostPerHour,
		USDRate:            h.deps.Config.Bot.USDRate,
	})
	if err != nil {
		log.ErrorContext(ctx, "Failed to collect statistics", "error", err)
		sendText(ctx, c, log, chatID, "❌ Не удалось собрать статистику.")
		return
	}
	sendHTML(ctx, c, log, chatID, stats.Format(report), nil)
}
