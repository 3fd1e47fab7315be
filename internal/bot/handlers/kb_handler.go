package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/knowledge"
	"github.com/edgard/avito-autoanswer/internal/telegram"
)

// Card sources written by admin commands.
const (
	SourceAdminEdit  = "admin_edit"
	SourceAdminMerge = "admin_merge"
	SourceAdminText  = "admin_text"
)

const (
	kbUsage = "Использование:\n/kb - последние изменения\n/kb search запрос\n/kb view тема\n/kb add тема | факт\n/kb text текст с темами и фактами\n/kb merge откуда | куда\n/kb del тема"

	kbListLimit = 10
	kbFactLimit = 20
)

// NewKnowledgeHandler returns a handler for the /kb command.
func NewKnowledgeHandler(deps HandlerDeps) bot.HandlerFunc {
	return knowledgeHandler{deps}.Handle
}

type knowledgeHandler struct {
	deps HandlerDeps
}

func (h knowledgeHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

func (h knowledgeHandler) handle(ctx context.Context, c telegram.Client, update *models.Update) {
	log := h.deps.Logger.With("handler", "kb")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "Knowledge handler received update with nil message or sender", "update_id", update.ID)
		return
	}
	chatID := update.Message.Chat.ID
	sub, rest := splitWord(commandArgs(update.Message.Text))
	log.InfoContext(ctx, "Handling /kb command", "chat_id", chatID, "user_id", update.Message.From.ID, "subcommand", sub)

	var reply string
	switch strings.ToLower(sub) {
	case "", "recent":
		reply = h.recent(ctx)
	case "search":
		reply = h.search(ctx, rest)
	case "view":
		reply = h.view(ctx, rest)
	case "add":
		reply = h.add(ctx, rest)
	case "text":
		reply = h.addText(ctx, rest)
	case "merge":
		reply = h.merge(ctx, rest)
	case "del", "delete":
		reply = h.del(ctx, rest)
	default:
		reply = kbUsage
	}
	for _, text := range chunk([]string{reply}, maxMessageRunes) {
		sendText(ctx, c, log, chatID, text)
	}
}

func (h knowledgeHandler) fail(ctx context.Context, op string, err error) string {
	h.deps.Logger.ErrorContext(ctx, "Knowledge operation failed", "op", op, "error", err)
	return "❌ Ошибка базы знаний."
}

func (h knowledgeHandler) recent(ctx context.Context) string {
	cards, err := h.deps.Cards.ListRecent(ctx, kbListLimit)
	if err != nil {
		return h.fail(ctx, "recent", err)
	}
	if len(cards) == 0 {
		return "🧠 База знаний пустая."
	}
	lines := []string{fmt.Sprintf("🕒 Последние изменения (top %d):", kbListLimit), ""}
	for i, card := range cards {
		lines = append(lines, fmt.Sprintf("%d. %s (%s)", i+1, card.Topic, card.UpdatedAt.Format("2006-01-02 15:04")))
	}
	return strings.Join(lines, "\n")
}

func (h knowledgeHandler) search(ctx context.Context, query string) string {
	if query == "" {
		return "Введите текст для поиска: /kb search запрос"
	}
	cards, err := h.deps.Cards.All(ctx)
	if err != nil {
		return h.fail(ctx, "search", err)
	}
	results := knowledge.SearchCards(query, cards, kbListLimit, knowledge.DefaultMinRelevance)
	if len(results) == 0 {
		return "Ничего не найдено."
	}
	lines := []string{fmt.Sprintf("🔎 Найдено (top %d):", len(results)), ""}
	for i, r := range results {
		lines = append(lines, fmt.Sprintf("%d. %s (релевантность: %.2f, категория: %s)", i+1, r.Card.Topic, r.Score, r.Card.Category))
	}
	return strings.Join(lines, "\n")
}

func (h knowledgeHandler) view(ctx context.Context, topic string) string {
	if topic == "" {
		return "Введите тему: /kb view тема"
	}
	card, err := h.deps.Cards.Get(ctx, topic)
	if errors.Is(err, knowledge.ErrCardNotFound) {
		return "Тема не найдена. Используйте поиск."
	}
	if err != nil {
		return h.fail(ctx, "view", err)
	}
	lines := []string{"🧠 Тема: " + card.Topic, ""}
	if len(card.Facts) == 0 {
		lines = append(lines, "(нет фактов)")
	}
	for i, f := range card.Facts {
		if i == kbFactLimit {
			break
		}
		lines = append(lines, "- "+strings.TrimSpace(f))
	}
	return strings.Join(lines, "\n")
}

func (h knowledgeHandler) add(ctx context.Context, arg string) string {
	topic, fact, ok := splitPair(arg)
	if !ok {
		return "❌ Формат: /kb add тема | факт"
	}
	created, err := h.deps.Cards.AddFacts(ctx, topic, []string{fact}, SourceAdminEdit)
	if err != nil {
		return h.fail(ctx, "add", err)
	}
	if created {
		return "✅ Создана тема: " + topic
	}
	return "✅ Факт добавлен в тему: " + topic
}

func (h knowledgeHandler) addText(ctx context.Context, text string) string {
	inputs := knowledge.ParseKnowledgeText(text)
	if len(inputs) == 0 {
		return "❌ Не удалось выделить темы и факты. Разделяйте абзацы пустой строкой."
	}
	created, updated := 0, 0
	for _, in := range inputs {
		isNew, err := h.deps.Cards.Upsert(ctx, in, SourceAdminText)
		if err != nil {
			return h.fail(ctx, "text", err)
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	return fmt.Sprintf("✅ Карточек создано: %d, обновлено: %d", created, updated)
}

func (h knowledgeHandler) merge(ctx context.Context, arg string) string {
	from, into, ok := splitPair(arg)
	if !ok {
		return "❌ Формат: /kb merge откуда | куда"
	}
	err := h.deps.Cards.Merge(ctx, from, into, SourceAdminMerge)
	switch {
	case errors.Is(err, knowledge.ErrSameTopic):
		return "❌ Темы совпадают."
	case errors.Is(err, knowledge.ErrCardNotFound):
		return "❌ Тема не найдена."
	case err != nil:
		return h.fail(ctx, "merge", err)
	}
	return fmt.Sprintf("✅ Тема «%s» склеена с «%s».", from, into)
}

func (h knowledgeHandler) del(ctx context.Context, topic string) string {
	if topic == "" {
		return "Введите тему: /kb del тема"
	}
	err := h.deps.Cards.Delete(ctx, topic)
	if errors.Is(err, knowledge.ErrCardNotFound) {
		return "❌ Тема не найдена: " + topic
	}
	if err != nil {
		return h.fail(ctx, "del", err)
	}
	return "✅ Тема удалена: " + topic
}
