// Package stats computes the bot performance report shown by /stats.
package stats

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/edgard/avito-autoanswer/internal/database"
	"github.com/edgard/avito-autoanswer/internal/responder"
)

// DialogPrefix selects the Avito dialogs among stored conversations.
const DialogPrefix = "avito_"

const maxResponseGapSeconds = 86400

// price is USD per million tokens.
type price struct{ input, output float64 }

var pricing = map[string]price{
	"gpt-4o":     {2.50, 10.00},
	"gpt-5":      {2.50, 10.00},
	"gpt-5-mini": {0.15, 0.60},
}

// TokenCost returns the USD cost of a completion. Unknown models are priced as gpt-4o.
func TokenCost(model string, promptTokens, completionTokens int64) float64 {
	p, ok := pricing[model]
	if !ok {
		p = pricing["gpt-4o"]
	}
	return float64(promptTokens)/1e6*p.input + float64(completionTokens)/1e6*p.output
}

// Params holds the economy settings.
type Params struct {
	ManagerCostPerHour float64
	USDRate            float64
}

// Report is the computed statistics.
type Report struct {
	Chats             int
	BotResponses      int
	ManagerResponses  int
	Responses         int
	BotResponseRate   float64
	ManagerRate       float64
	Transfers         int
	TransferRate      float64
	BotFinished       int
	ManagerFinished   int
	BotFinishRate     float64
	ManagerFinishRate float64

	FAQTotal       int
	FAQAdmin       int
	FAQManager     int
	FAQManagerLike int

	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUSD          float64
	CostRUB          float64

	AvgManagerResponseSeconds float64
	AvgManagerResponseHours   float64

	SavedHours float64
	SavedRUB   float64
	NetRUB     float64
}

func isTransfer(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, strings.ToLower(responder.WaitingText)) || responder.ContainsSignal(lower)
}

// Calculate builds the report from Avito dialogs and FAQ counts by source.
// Messages of each dialog must be in insertion order.
func Calculate(dialogs map[string][]database.ChatMessage, faqCounts map[string]int, params Params) Report {
	var r Report
	var gaps []float64

	ids := make([]string, 0, len(dialogs))
	for id := range dialogs {
		if strings.HasPrefix(id, DialogPrefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		messages := dialogs[id]
		bot, manager := 0, 0

		for i, m := range messages {
			content := strings.TrimSpace(m.Content)
			if content == "" {
				continue
			}
			switch m.Role {
			case database.RoleAssistant:
				bot++
				if m.PromptTokens > 0 || m.CompletionTokens > 0 {
					model := m.Model
					if model == "" {
						model = "gpt-4o"
					}
					r.PromptTokens += m.PromptTokens
					r.CompletionTokens += m.CompletionTokens
					r.TotalTokens += m.PromptTokens + m.CompletionTokens
					r.CostUSD += TokenCost(model, m.PromptTokens, m.CompletionTokens)
				}
				if isTransfer(content) {
					r.Transfers++
				}
			case database.RoleManager:
				manager++
				if gap, ok := responseGap(messages[:i], m); ok {
					gaps = append(gaps, gap)
				}
			}
		}
		r.BotResponses += bot
		r.ManagerResponses += manager

		if bot == 0 && manager == 0 {
			continue
		}
		r.Chats++
		switch last := messages[len(messages)-1]; last.Role {
		case database.RoleManager:
			r.ManagerFinished++
		case database.RoleAssistant:
			if isTransfer(last.Content) {
				r.ManagerFinished++
			} else {
				r.BotFinished++
			}
		}
	}

	for source, n := range faqCounts {
		r.FAQTotal += n
		switch source {
		case "admin":
			r.FAQAdmin += n
		case "manager":
			r.FAQManager += n
		case "manager_like", "user_like":
			r.FAQManagerLike += n
		}
	}

	r.Responses = r.BotResponses + r.ManagerResponses
	r.BotResponseRate = percent(r.BotResponses, r.Responses)
	r.ManagerRate = percent(r.ManagerResponses, r.Responses)
	r.TransferRate = percent(r.Transfers, r.BotResponses)
	finished := r.BotFinished + r.ManagerFinished
	r.BotFinishRate = percent(r.BotFinished, finished)
	r.ManagerFinishRate = percent(r.ManagerFinished, finished)

	if len(gaps) > 0 {
		sum := 0.0
		for _, g := range gaps {
			sum += g
		}
		r.AvgManagerResponseSeconds = sum / float64(len(gaps))
	}
	r.AvgManagerResponseHours = r.AvgManagerResponseSeconds / 3600

	r.CostRUB = r.CostUSD * params.USDRate
	if r.AvgManagerResponseHours > 0 {
		r.SavedHours = float64(r.BotResponses-r.Transfers) * r.AvgManagerResponseHours
	}
	r.SavedRUB = r.SavedHours * params.ManagerCostPerHour
	r.NetRUB = r.SavedRUB - r.CostRUB
	return r
}

// responseGap finds the nearest earlier user or assistant message and returns
// the seconds until the manager answered, when that lies within a day.
func responseGap(before []database.ChatMessage, manager database.ChatMessage) (float64, bool) {
	for i := len(before) - 1; i >= 0; i-- {
		prev := before[i]
		if prev.Role != database.RoleUser && prev.Role != database.RoleAssistant {
			continue
		}
		if prev.CreatedAt.IsZero() || manager.CreatedAt.IsZero() {
			return 0, false
		}
		gap := manager.CreatedAt.Sub(prev.CreatedAt).Seconds()
		return gap, gap > 0 && gap < maxResponseGapSeconds
	}
	return 0, false
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// Source loads what Calculate needs.
type Source interface {
	ListDialogMessages(ctx context.Context, prefix string) ([]database.ChatMessage, error)
	CountFAQBySource(ctx context.Context) (map[string]int, error)
}

// Collect loads dialogs and FAQ counts from src and calculates the report.
func Collect(ctx context.Context, src Source, params Params) (Report, error) {
	messages, err := src.ListDialogMessages(ctx, DialogPrefix)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load dialogs: %w", err)
	}
	counts, err := src.CountFAQBySource(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to count faq: %w", err)
	}
	return Calculate(database.GroupByDialog(messages), counts, params), nil
}

// Format renders the report as Telegram HTML.
func Format(r Report) string {
	var b strings.Builder
	b.WriteString("📊 <b>Статистика работы бота</b>\n\n")
	fmt.Fprintf(&b, "<b>Всего чатов в авито:</b> %d\n", r.Chats)
	fmt.Fprintf(&b, "<b>Ответов бота:</b> %d (%.1f%%)\n", r.BotResponses, r.BotResponseRate)
	fmt.Fprintf(&b, "<b>Ответов менеджера:</b> %d (%.1f%%)\n", r.ManagerResponses, r.ManagerRate)
	fmt.Fprintf(&b, "<b>Переводы на менеджера:</b> %d (%.1f%%)\n", r.Transfers, r.TransferRate)
	fmt.Fprintf(&b, "<b>Завершенные ботом:</b> %d (%.1f%%)\n", r.BotFinished, r.BotFinishRate)
	fmt.Fprintf(&b, "<b>Завершенные менеджером:</b> %d (%.1f%%)\n\n", r.ManagerFinished, r.ManagerFinishRate)

	b.WriteString("📚 <b>База знаний FAQ:</b>\n")
	fmt.Fprintf(&b, "   • Всего вопросов: %d\n", r.FAQTotal)
	fmt.Fprintf(&b, "   • Добавлено админом: %d\n", r.FAQAdmin)
	fmt.Fprintf(&b, "   • Ответы менеджеров: %d\n", r.FAQManager)
	fmt.Fprintf(&b, "   • Лайкнуто менеджером: %d\n\n", r.FAQManagerLike)

	b.WriteString("💰 <b>Использование LLM:</b>\n")
	fmt.Fprintf(&b, "   • Токенов в промптах: %s\n", groupThousands(r.PromptTokens))
	fmt.Fprintf(&b, "   • Токенов в ответах: %s\n", groupThousands(r.CompletionTokens))
	fmt.Fprintf(&b, "   • Всего токенов: %s\n", groupThousands(r.TotalTokens))
	fmt.Fprintf(&b, "   • Стоимость LLM: $%.4f (%.2f ₽)\n\n", r.CostUSD, r.CostRUB)

	b.WriteString("⏱️ <b>Время ответа менеджера:</b>\n")
	fmt.Fprintf(&b, "   • Среднее время ответа: %.0f сек (%.2f ч)\n\n", r.AvgManagerResponseSeconds, r.AvgManagerResponseHours)

	b.WriteString("💵 <b>Экономика:</b>\n")
	fmt.Fprintf(&b, "   • Сэкономлено времени: %.2f ч\n", r.SavedHours)
	fmt.Fprintf(&b, "   • Сэкономлено денег: %.2f ₽\n", r.SavedRUB)
	fmt.Fprintf(&b, "   • Чистая экономия: %.2f ₽", r.NetRUB)
	return b.String()
}

// groupThousands formats n with comma separated thousands.
func groupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
