package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/session"
	"github.com/edgard/avito-autoanswer/internal/telegram"
)

// Callback data of the /botstatus menu.
const (
	CallbackBotOn              = "bot_on"
	CallbackBotOff             = "bot_off"
	CallbackStatusBack         = "bot_status_back"
	CallbackModeMenu           = "bot_mode_menu"
	CallbackModeListening      = "bot_mode_listening"
	CallbackModeFull           = "bot_mode_full"
	CallbackModePartialPrefix  = "bot_mode_partial_"
	CallbackModelMenu          = "llm_model_menu"
	CallbackModelPrefix        = "llm_model_"
	CallbackWebhookSubscribe   = "webhook_subscribe"
	CallbackWebhookUnsubscribe = "webhook_unsubscribe"
)

var partialPresets = []int{10, 25, 50, 75}

var modelNames = map[string]string{
	"gpt-5":      "Chat GPT 5",
	"gpt-5-mini": "Chat GPT 5 mini",
	"gpt-4o":     "Chat GPT 4o",
}

func modelName(model string) string {
	if name, ok := modelNames[model]; ok {
		return name
	}
	return model
}

func modeLabel(mode string, pct int) string {
	switch mode {
	case session.ModeListening:
		return "ТОЛЬКО УЧУСЬ"
	case session.ModePartial:
		return fmt.Sprintf("УЧУСЬ И ЧАСТИЧНО ОТВЕЧАЮ (%d%%)", pct)
	default:
		return "УЧУСЬ И ПОЛНОСТЬЮ ОТВЕЧАЮ"
	}
}

// botState is a snapshot of the settings shown in the menus.
type botState struct {
	enabled bool
	mode    string
	pct     int
	model   string
}

func loadState(ctx context.Context, s *session.Manager) (botState, error) {
	var st botState
	var err error
	if st.enabled, err = s.Enabled(ctx); err != nil {
		return st, err
	}
	if st.mode, err = s.Mode(ctx); err != nil {
		return st, err
	}
	if st.pct, err = s.PartialPercentage(ctx); err != nil {
		return st, err
	}
	if st.model, err = s.Model(ctx); err != nil {
		return st, err
	}
	return st, nil
}

func statusText(st botState, version, notice string) string {
	status := "🔴 ВЫКЛЮЧЕН"
	if st.enabled {
		status = "🟢 ВКЛЮЧЕН"
	}
	var sb strings.Builder
	sb.WriteString("🤖 Управление ботом\n\n")
	fmt.Fprintf(&sb, "📊 Текущий статус бота: %s\n", status)
	fmt.Fprintf(&sb, "⚙️ Режим работы: <b>%s</b>\n", modeLabel(st.mode, st.pct))
	fmt.Fprintf(&sb, "🤖 Текущая модель LLM: %s\n", modelName(st.model))
	fmt.Fprintf(&sb, "📦 Версия бота: <b>%s</b>\n\n", version)
	sb.WriteString(notice)
	sb.WriteString("Выберите действие:")
	return sb.String()
}

func statusKeyboard(st botState) *models.InlineKeyboardMarkup {
	toggle := button("🟢 Включить бота", CallbackBotOn)
	if st.enabled {
		toggle = button("🔴 Выключить бота", CallbackBotOff)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{toggle},
		{button("⚙️ Режим работы бота", CallbackModeMenu)},
		{button("🤖 Выбрать модель LLM", CallbackModelMenu)},
		{
			button("🔗 Подключить webhook", CallbackWebhookSubscribe),
			button("🔌 Отключить webhook", CallbackWebhookUnsubscribe),
		},
	}}
}

func modeMenuText(st botState) string {
	return "⚙️ <b>Режим работы бота</b>\n\n" +
		"🧠 <b>ТОЛЬКО УЧУСЬ</b> — бот только читает переписки и формирует базу знаний из истории.\n" +
		"   Не отвечает на сообщения.\n\n" +
		"🧪 <b>УЧУСЬ И ЧАСТИЧНО ОТВЕЧАЮ</b> — бот отвечает на часть сообщений (для тестирования).\n" +
		fmt.Sprintf("   Текущий процент: <b>%d%%</b>\n\n", st.pct) +
		"🚀 <b>УЧУСЬ И ПОЛНОСТЬЮ ОТВЕЧАЮ</b> — бот отвечает всем (рабочий режим).\n" +
		"   Если не может ответить — передает менеджеру.\n\n" +
		fmt.Sprintf("Текущий режим: <b>%s</b>", modeLabel(st.mode, st.pct))
}

func modeKeyboard(st botState) *models.InlineKeyboardMarkup {
	mark := func(mode, text string) string {
		if st.mode == mode {
			return "✅ " + text
		}
		return text
	}
	presets := make([]models.InlineKeyboardButton, 0, len(partialPresets))
	for _, p := range partialPresets {
		text := fmt.Sprintf("%d%%", p)
		if st.mode == session.ModePartial && st.pct == p {
			text = "✅ " + text
		}
		presets = append(presets, button(text, CallbackModePartialPrefix+strconv.Itoa(p)))
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{button(mark(session.ModeListening, "🧠 ТОЛЬКО УЧУСЬ"), CallbackModeListening)},
		{button(mark(session.ModePartial, "🧪 УЧУСЬ И ЧАСТИЧНО ОТВЕЧАЮ"), CallbackModePartialPrefix+strconv.Itoa(st.pct))},
		presets,
		{button(mark(session.ModeFull, "🚀 УЧУСЬ И ПОЛНОСТЬЮ ОТВЕЧАЮ"), CallbackModeFull)},
		{button("🔙 Назад", CallbackStatusBack)},
	}}
}

func modelMenuText(st botState, changed bool) string {
	if changed {
		return fmt.Sprintf("🤖 Выбор модели LLM\n\n✅ Модель изменена на: %s\n\nВыберите модель:", modelName(st.model))
	}
	return fmt.Sprintf("🤖 Выбор модели LLM\n\n📊 Текущая модель: %s\n\nВыберите модель:", modelName(st.model))
}

func modelKeyboard(st botState) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(session.Models)+1)
	for _, m := range session.Models {
		mark := ""
		if m == st.model {
			mark = "✅"
		}
		rows = append(rows, []models.InlineKeyboardButton{button(mark+" "+modelName(m), CallbackModelPrefix+m)})
	}
	rows = append(rows, []models.InlineKeyboardButton{button("◀️ Назад", CallbackStatusBack)})
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// NewBotStatusHandler returns a handler for the /botstatus command.
func NewBotStatusHandler(deps HandlerDeps) bot.HandlerFunc {
	return botStatusHandler{deps}.Handle
}

type botStatusHandler struct {
	deps HandlerDeps
}

func (h botStatusHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

func (h botStatusHandler) handle(ctx context.Context, c telegram.Client, update *models.Update) {
	log := h.deps.Logger.With("handler", "botstatus")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "Botstatus handler received update with nil message or sender", "update_id", update.ID)
		return
	}
	chatID := update.Message.Chat.ID

	st, err := loadState(ctx, h.deps.Sessions)
	if err != nil {
		log.ErrorContext(ctx, "Failed to load bot settings", "error", err)
		sendText(ctx, c, log, chatID, "❌ Не удалось прочитать настройки бота.")
		return
	}
	log.InfoContext(ctx, "Handling /botstatus command", "chat_id", chatID, "user_id", update.Message.From.ID)
	sendHTML(ctx, c, log, chatID, statusText(st, h.deps.Version, ""), statusKeyboard(st))
}

// NewBotStatusCallbackHandler returns a handler for the /botstatus inline menu.
func NewBotStatusCallbackHandler(deps HandlerDeps) bot.HandlerFunc {
	return botStatusCallbackHandler{deps}.Handle
}

type botStatusCallbackHandler struct {
	deps HandlerDeps
}

func (h botStatusCallbackHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

// menu is what a callback puts in place of the menu message.
type menu struct {
	text     string
	keyboard *models.InlineKeyboardMarkup
}

func (h botStatusCallbackHandler) handle(ctx context.Context, c telegram.Client, update *models.Update) {
	log := h.deps.Logger.With("handler", "botstatus_callback")

	cq := update.CallbackQuery
	if cq == nil {
		log.WarnContext(ctx, "Callback handler received update without callback query", "update_id", update.ID)
		return
	}
	log = log.With("data", cq.Data, "user_id", cq.From.ID)

	alert := ""
	defer func() {
		if _, err := c.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID, Text: alert}); err != nil {
			log.WarnContext(ctx, "Failed to answer callback", "error", err)
		}
	}()

	msg := cq.Message.Message
	if msg == nil {
		log.WarnContext(ctx, "Callback message is inaccessible")
		return
	}

	next, note, err := h.apply(ctx, c, log, msg.Chat.ID, cq.Data)
	if err != nil {
		log.ErrorContext(ctx, "Failed to apply bot setting", "error", err)
		alert = note
		return
	}
	if next == nil {
		alert = note
		return
	}

	if _, err := c.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:      msg.Chat.ID,
		MessageID:   msg.ID,
		Text:        next.text,
		ParseMode:   models.ParseModeHTML,
		ReplyMarkup: next.keyboard,
	}); err != nil {
		log.WarnContext(ctx, "Failed to edit menu message", "error", err)
	}
}

// apply performs the action named by data and returns the menu to show.
// A nil menu with a note means only the callback is answered.
func (h botStatusCallbackHandler) apply(ctx context.Context, c telegram.Client, log *slog.Logger, chatID int64, data string) (*menu, string, error) {
	s := h.deps.Sessions
	notice := ""

	switch {
	case data == CallbackBotOn || data == CallbackBotOff:
		on := data == CallbackBotOn
		if err := s.SetEnabled(ctx, on); err != nil {
			return nil, "❌ Ошибка сохранения", err
		}
		log.InfoContext(ctx, "Bot switched", "enabled", on)
		notice = "⛔️ Бот выключен. Он не будет отвечать на сообщения из Avito.\n\n"
		if on {
			notice = "✅ Бот включен.\n\n"
		}

	case data == CallbackStatusBack:

	case data == CallbackModeMenu:
		return h.modeMenu(ctx, "")

	case data == CallbackModeListening || data == CallbackModeFull:
		mode := session.ModeListening
		if data == CallbackModeFull {
			mode = session.ModeFull
		}
		if err := s.SetMode(ctx, mode); err != nil {
			return nil, "❌ Ошибка сохранения", err
		}
		log.InfoContext(ctx, "Bot mode changed", "mode", mode)
		return h.modeMenu(ctx, "")

	case strings.HasPrefix(data, CallbackModePartialPrefix):
		pct, err := strconv.Atoi(strings.TrimPrefix(data, CallbackModePartialPrefix))
		if err != nil || pct < 0 || pct > 100 {
			return nil, "❌ Процент должен быть от 0 до 100", nil
		}
		if err := s.SetPartialPercentage(ctx, pct); err != nil {
			return nil, "❌ Ошибка сохранения", err
		}
		if err := s.SetMode(ctx, session.ModePartial); err != nil {
			return nil, "❌ Ошибка сохранения", err
		}
		log.InfoContext(ctx, "Bot mode changed", "mode", session.ModePartial, "percentage", pct)
		return h.modeMenu(ctx, fmt.Sprintf("✅ Процент установлен: <b>%d%%</b>\n\n", pct))

	case data == CallbackModelMenu:
		st, err := loadState(ctx, s)
		if err != nil {
			return nil, "❌ Ошибка", err
		}
		return &menu{modelMenuText(st, false), modelKeyboard(st)}, "", nil

	case strings.HasPrefix(data, CallbackModelPrefix):
		model := strings.TrimPrefix(data, CallbackModelPrefix)
		if err := s.SetModel(ctx, model); err != nil {
			return nil, "❌ Неизвестная модель", err
		}
		log.InfoContext(ctx, "LLM model changed", "model", model)
		st, err := loadState(ctx, s)
		if err != nil {
			return nil, "❌ Ошибка", err
		}
		return &menu{modelMenuText(st, true), modelKeyboard(st)}, "", nil

	case data == CallbackWebhookSubscribe || data == CallbackWebhookUnsubscribe:
		h.toggleWebhook(ctx, c, log, chatID, data == CallbackWebhookSubscribe)
		return nil, "", nil

	default:
		return nil, "Неизвестное действие", nil
	}

	st, err := loadState(ctx, s)
	if err != nil {
		return nil, "❌ Ошибка", err
	}
	return &menu{statusText(st, h.deps.Version, notice), statusKeyboard(st)}, "", nil
}

func (h botStatusCallbackHandler) modeMenu(ctx context.Context, notice string) (*menu, string, error) {
	st, err := loadState(ctx, h.deps.Sessions)
	if err != nil {
		return nil, "❌ Ошибка", err
	}
	return &menu{notice + modeMenuText(st), modeKeyboard(st)}, "", nil
}

func (h botStatusCallbackHandler) toggleWebhook(ctx context.Context, c telegram.Client, log *slog.Logger, chatID int64, subscribe bool) {
	url := h.deps.Config.WebhookURL()
	if url == "" {
		sendText(ctx, c, log, chatID, "❗️ Не задан PUBLIC_BASE_URL в .env")
		return
	}

	if subscribe {
		if err := h.deps.Avito.Subscribe(ctx, url); err != nil {
			log.ErrorContext(ctx, "Webhook subscribe failed", "error", err, "url", url)
			sendText(ctx, c, log, chatID, "❌ Ошибка регистрации вебхука.")
			return
		}
		log.InfoContext(ctx, "Webhook subscribed", "url", url)
		sendText(ctx, c, log, chatID, "✅ Вебхук зарегистрирован.")
		return
	}

	if err := h.deps.Avito.Unsubscribe(ctx, url); err != nil {
		log.ErrorContext(ctx, "Webhook unsubscribe failed", "error", err, "url", url)
		sendText(ctx, c, log, chatID, "❌ Ошибка отключения вебхука.")
		return
	}
	log.InfoContext(ctx, "Webhook unsubscribed", "url", url)
	sendText(ctx, c, log, chatID, "✅ Вебхук отключён.")
}
