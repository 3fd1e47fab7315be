package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/notify"
	"github.com/edgard/avito-autoanswer/internal/pipeline"
	"github.com/edgard/avito-autoanswer/internal/telegram"
)

// Manager relay replies.
const (
	RelayNoChatIDText = "Не удалось определить Avito Chat ID. Ответьте именно на уведомление бота с ID."
	RelayEmptyText    = "Пустое сообщение не отправлено."
	RelayNoBodyText   = "После Avito Chat ID добавьте текст ответа для клиента."
)

// NewRelayHandler returns the default handler. It forwards manager answers to
// Avito, either as a reply to a bot notification or as "Avito Chat ID: X text".
func NewRelayHandler(deps HandlerDeps) bot.HandlerFunc {
	return relayHandler{deps}.Handle
}

type relayHandler struct {
	deps HandlerDeps
}

func (h relayHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

func (h relayHandler) handle(ctx context.Context, c telegram.Client, update *models.Update) {
	log := h.deps.Logger.With("handler", "relay")

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if !h.deps.Config.IsManager(msg.From.ID) {
		log.DebugContext(ctx, "Ignoring message from non-manager", "user_id", msg.From.ID, "chat_id", msg.Chat.ID)
		return
	}
	chatID := msg.Chat.ID

	if replied := msg.ReplyToMessage; replied != nil {
		if replied.From == nil || replied.From.ID != h.deps.BotID {
			return
		}
		avitoChatID, ok := notify.ExtractChatID(replied.Text, replied.Entities)
		if !ok {
			avitoChatID, ok = notify.ExtractChatID(replied.Caption, replied.CaptionEntities)
		}
		if !ok {
			log.WarnContext(ctx, "Could not extract chat_id from notification", "preview", preview(replied.Text+replied.Caption))
			sendText(ctx, c, log, chatID, RelayNoChatIDText)
			return
		}
		body := strings.TrimSpace(msg.Text)
		if body == "" {
			sendText(ctx, c, log, chatID, RelayEmptyText)
			return
		}
		h.relay(ctx, c, log, chatID, avitoChatID, body)
		return
	}

	avitoChatID, body, ok := notify.ParseCommand(msg.Text)
	if !ok {
		return
	}
	if body == "" {
		sendText(ctx, c, log, chatID, RelayNoBodyText)
		return
	}
	h.relay(ctx, c, log, chatID, avitoChatID, body)
}

func (h relayHandler) relay(ctx context.Context, c telegram.Client, log *slog.Logger, chatID int64, avitoChatID, body string) {
	log = log.With("avito_chat_id", avitoChatID)
	log.InfoContext(ctx, "Sending manager reply to Avito", "text_length", len(body))

	if _, err := h.deps.Avito.SendText(ctx, avitoChatID, body); err != nil {
		log.ErrorContext(ctx, "Failed to send manager reply to Avito", "error", err)
		sendText(ctx, c, log, chatID, fmt.Sprintf("Ошибка при отправке ответа в Avito (chat_id: %s). Проверьте логи/настройки.", avitoChatID))
		return
	}

	if err := h.deps.Sessions.SetCooldown(ctx, avitoChatID, -1); err != nil {
		log.ErrorContext(ctx, "Failed to set cooldown", "error", err)
	}
	if err := h.deps.Replies.SaveManagerReply(ctx, pipeline.DialogID(avitoChatID), body); err != nil {
		log.ErrorContext(ctx, "Failed to store manager reply", "error", err)
	}

	sendText(ctx, c, log, chatID, fmt.Sprintf(
		"Ответ менеджера отправлен в Avito. Бот снова активируется через %d минут.", h.deps.Config.Bot.CooldownMinutes))
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 200 {
		return string(r[:200])
	}
	return s
}
