package handlers

import (
	"context"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/telegram"
)

const userHelp = "Я отвечаю клиентам VisaWay в Avito. Если нужен менеджер, он подключится к переписке."

var adminHelp = []string{
	"<b>Команды администратора</b>",
	"",
	"/botstatus - управление ботом: вкл/выкл, режим, модель LLM, webhook",
	"/stats - статистика работы бота",
	"/faq - список FAQ",
	"/faq add Q: вопрос A: ответ - добавить FAQ (текст или JSON)",
	"/faq del ID - удалить FAQ",
	"/kb - последние карточки базы знаний",
	"/kb search запрос - поиск по карточкам",
	"/kb view тема - показать карточку",
	"/kb add тема | факт - добавить факт",
	"/kb merge откуда | куда - склеить темы",
	"/kb del тема - удалить тему",
	"",
	"Чтобы ответить клиенту, ответьте (reply) на уведомление с Avito Chat ID.",
}

// NewHelpHandler returns a handler for the /help command.
func NewHelpHandler(deps HandlerDeps) bot.HandlerFunc {
	return helpHandler{deps}.Handle
}

// helpHandler processes the /help command using injected dependencies.
type helpHandler struct {
	deps HandlerDeps
}

func (h helpHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

func (h helpHandler) handle(ctx context.Context, c telegram.Client, update *models.Update) {
	log := h.deps.Logger.With("handler", "help")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "Help handler received update with nil message or sender", "update_id", update.ID)
		return
	}

	chatID := update.Message.Chat.ID
	log.InfoContext(ctx, "Handling /help command", "chat_id", chatID, "user_id", update.Message.From.ID)

	if !h.deps.Config.IsAdmin(update.Message.From.ID) {
		sendText(ctx, c, log, chatID, userHelp)
		return
	}
	sendHTML(ctx, c, log, chatID, strings.Join(adminHelp, "\n"), nil)
}
