package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/knowledge"
	"github.com/edgard/avito-autoanswer/internal/telegram"
)

const (
	faqUsage = "Использование:\n/faq - список\n/faq add Q: вопрос A: ответ (или JSON [{\"question\":..., \"answer\":...}])\n/faq del ID"

	// maxMessageRunes leaves room under Telegram's 4096 limit.
	maxMessageRunes = 4000
	faqPreviewRunes = 200
)

// NewFAQHandler returns a handler for the /faq command.
func NewFAQHandler(deps HandlerDeps) bot.HandlerFunc {
	return faqHandler{deps}.Handle
}

type faqHandler struct {
	deps HandlerDeps
}

func (h faqHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

func (h faqHandler) handle(ctx context.Context, c telegram.Client, update *models.Update) {
	log := h.deps.Logger.With("handler", "faq")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "FAQ handler received update with nil message or sender", "update_id", update.ID)
		return
	}
	chatID := update.Message.Chat.ID
	sub, rest := splitWord(commandArgs(update.Message.Text))
	log.InfoContext(ctx, "Handling /faq command", "chat_id", chatID, "user_id", update.Message.From.ID, "subcommand", sub)

	var reply []string
	switch strings.ToLower(sub) {
	case "", "list":
		reply = h.list(ctx)
	case "add":
		reply = []string{h.add(ctx, rest)}
	case "del", "delete":
		reply = []string{h.del(ctx, rest)}
	default:
		reply = []string{faqUsage}
	}
	for _, text := range reply {
		sendText(ctx, c, log, chatID, text)
	}
}

func (h faqHandler) list(ctx context.Context) []string {
	entries, err := h.deps.Store.ListFAQ(ctx)
	if err != nil {
		h.deps.Logger.ErrorContext(ctx, "Failed to list FAQ", "error", err)
		return []string{"❌ Не удалось загрузить FAQ."}
	}
	if len(entries) == 0 {
		return []string{"📚 FAQ пуст."}
	}
	blocks := []string{fmt.Sprintf("📚 FAQ (%d):", len(entries))}
	for _, e := range entries {
		blocks = append(blocks, fmt.Sprintf("#%d [%s]\nQ: %s\nA: %s",
			e.ID, e.Source, e.Question, knowledge.Truncate(e.Answer, faqPreviewRunes)))
	}
	return chunk(blocks, maxMessageRunes)
}

func (h faqHandler) add(ctx context.Context, text string) string {
	entries := knowledge.ParseFAQText(text)
	if len(entries) == 0 {
		return "❌ Не найдено ни одной пары вопрос/ответ.\n\n" + faqUsage
	}
	added, skipped, errs, err := h.deps.FAQ.AddBatch(ctx, entries, knowledge.SourceAdmin)
	if err != nil {
		h.deps.Logger.ErrorContext(ctx, "Failed to add FAQ", "error", err)
		return "❌ Ошибка сохранения FAQ."
	}
	out := fmt.Sprintf("✅ Добавлено: %d, пропущено: %d", added, skipped)
	if len(errs) > 0 {
		out += "\n\n" + strings.Join(errs, "\n")
	}
	return out
}

func (h faqHandler) del(ctx context.Context, arg string) string {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(arg), "#"), 10, 64)
	if err != nil || id <= 0 {
		return "❌ Укажите числовой ID: /faq del 12"
	}
	ok, err := h.deps.Store.DeleteFAQ(ctx, id)
	if err != nil {
		h.deps.Logger.ErrorContext(ctx, "Failed to delete FAQ", "error", err, "id", id)
		return "❌ Ошибка удаления FAQ."
	}
	if !ok {
		return fmt.Sprintf("❌ FAQ #%d не найден.", id)
	}
	return fmt.Sprintf("✅ FAQ #%d удален.", id)
}

// chunk joins blocks with blank lines into messages of at most limit runes.
// A single oversized block is cut.
func chunk(blocks []string, limit int) []string {
	var out []string
	var cur strings.Builder
	curLen := 0
	for _, b := range blocks {
		b = knowledge.Truncate(b, limit-3)
		n := utf8.RuneCountInString(b)
		if curLen > 0 && curLen+2+n > limit {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(b)
		curLen += n
	}
	if curLen > 0 {
		out = append(out, cur.String())
	}
	return out
}
