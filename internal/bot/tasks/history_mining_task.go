package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/edgard/avito-autoanswer/internal/config"
	"github.com/edgard/avito-autoanswer/internal/database"
	"github.com/edgard/avito-autoanswer/internal/knowledge"
	"github.com/edgard/avito-autoanswer/internal/llm"
	"github.com/edgard/avito-autoanswer/internal/stats"
)

const (
	// DialogIdle is how long a dialog must be silent before it is mined.
	DialogIdle = 6 * time.Hour
	// MaxMinedDialogs bounds the LLM calls of one run.
	MaxMinedDialogs = 20
	miningTimeout   = 10 * time.Minute

	miningCursorPrefix = "history_mining:"
	maxExchangeChars   = 6000
	miningTemperature  = 0.2
)

const miningSystemPrompt = `Ты помогаешь визовому центру собирать базу знаний из переписок с клиентами.
Тебе дают пары "вопрос клиента" и "ответ". Выдели из них общие вопросы и ответы,
полезные для других клиентов, и факты об услугах.
Не включай имена, телефоны, номера заявок и другие личные данные.
Пропускай приветствия и ответы без фактов.
Верни только JSON без пояснений:
{"faq":[{"question":"...","answer":"..."}],"cards":[{"topic":"...","category":"...","facts":["..."]}]}`

// minedKnowledge is the JSON the mining prompt asks for.
type minedKnowledge struct {
	FAQ   []knowledge.QA `json:"faq"`
	Cards []struct {
		Topic    string   `json:"topic"`
		Category string   `json:"category"`
		Facts    []string `json:"facts"`
	} `json:"cards"`
}

type miningResult struct {
	faqAdded, faqSkipped, cards int
}

// newHistoryMiningTask creates the task that turns finished dialogs into FAQ
// entries and knowledge cards. A per-dialog cursor in bot_settings keeps
// every message from being mined twice.
func newHistoryMiningTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", config.TaskHistoryMining)
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return func(ctx context.Context) error {
		if deps.LLM == nil || deps.FAQ == nil || deps.Cards == nil {
			log.DebugContext(ctx, "History mining is not configured")
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, miningTimeout)
		defer cancel()

		messages, err := deps.Store.ListDialogMessages(ctx, stats.DialogPrefix)
		if err != nil {
			return fmt.Errorf("history mining failed: %w", err)
		}
		dialogs := database.GroupByDialog(messages)
		ids := make([]string, 0, len(dialogs))
		for id := range dialogs {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		var (
			total miningResult
			mined int
			errs  []error
		)
		cutoff := now().Add(-DialogIdle)
		for _, id := range ids {
			if mined >= MaxMinedDialogs {
				log.InfoContext(ctx, "Mining limit reached, continuing next run", "limit", MaxMinedDialogs)
				break
			}
			if err := ctx.Err(); err != nil {
				log.WarnContext(ctx, "History mining timed out or was cancelled", "dialogs", mined, "error", err)
				return fmt.Errorf("history mining interrupted: %w", err)
			}

			msgs := dialogs[id]
			last := msgs[len(msgs)-1]
			if last.CreatedAt.After(cutoff) {
				continue
			}
			cursor, err := readCursor(ctx, deps.Store, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if last.ID <= cursor {
				continue
			}
			fresh := slices.DeleteFunc(slices.Clone(msgs), func(m database.ChatMessage) bool { return m.ID <= cursor })

			if exchanges := knowledge.ExtractExchanges(fresh); len(exchanges) > 0 {
				res, err := mineDialog(ctx, deps, exchanges)
				if err != nil {
					// The cursor stays put so the dialog is retried.
					log.WarnContext(ctx, "Failed to mine dialog", "dialog_id", id, "error", err)
					errs = append(errs, fmt.Errorf("dialog %s: %w", id, err))
					continue
				}
				mined++
				total.faqAdded += res.faqAdded
				total.faqSkipped += res.faqSkipped
				total.cards += res.cards
			}
			if err := deps.Store.SetSetting(ctx, miningCursorPrefix+id, strconv.FormatInt(last.ID, 10)); err != nil {
				errs = append(errs, fmt.Errorf("failed to save cursor for %s: %w", id, err))
			}
		}

		log.InfoContext(ctx, "History mining finished",
			"dialogs", mined, "faq_added", total.faqAdded, "faq_skipped", total.faqSkipped, "cards", total.cards)
		if len(errs) > 0 {
			return fmt.Errorf("history mining failed: %w", errors.Join(errs...))
		}
		return nil
	}
}

func readCursor(ctx context.Context, store database.Store, dialogID string) (int64, error) {
	v, ok, err := store.GetSetting(ctx, miningCursorPrefix+dialogID)
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor for %s: %w", dialogID, err)
	}
	if !ok {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return id, nil
}

// mineDialog asks the LLM once per exchange source, so every FAQ entry keeps
// the source of the answer it came from.
func mineDialog(ctx context.Context, deps TaskDeps, exchanges []knowledge.Exchange) (miningResult, error) {
	var res miningResult
	for _, source := range []string{knowledge.SourceManagerLike, knowledge.SourceUserLike} {
		prompt := exchangePrompt(exchanges, source)
		if prompt == "" {
			continue
		}

		model := ""
		if deps.Models != nil {
			model, _ = deps.Models.Model(ctx)
		}
		resp, err := deps.LLM.Complete(ctx, llm.Request{
			Model:       model,
			System:      miningSystemPrompt,
			Prompt:      prompt,
			Temperature: miningTemperature,
		})
		if err != nil {
			return res, err
		}
		found, err := parseMined(resp.Text)
		if err != nil {
			return res, err
		}

		added, skipped, _, err := deps.FAQ.AddBatch(ctx, found.FAQ, source)
		if err != nil {
			return res, err
		}
		res.faqAdded += added
		res.faqSkipped += skipped

		for _, c := range found.Cards {
			facts := slices.DeleteFunc(c.Facts, func(f string) bool { return strings.TrimSpace(f) == "" })
			if strings.TrimSpace(c.Topic) == "" || len(facts) == 0 {
				continue
			}
			if _, err := deps.Cards.Upsert(ctx, knowledge.CardInput{
				Topic:    c.Topic,
				Category: c.Category,
				Facts:    facts,
				Priority: knowledge.PriorityLow,
			}, knowledge.SourceHistory); err != nil {
				return res, err
			}
			res.cards++
		}
	}
	return res, nil
}

func exchangePrompt(exchanges []knowledge.Exchange, source string) string {
	var sb strings.Builder
	n := 0
	for _, ex := range exchanges {
		if ex.Source != source {
			continue
		}
		n++
		block := fmt.Sprintf("%d. Вопрос клиента: %s\nОтвет: %s\n\n", n, ex.Question, ex.Answer)
		if sb.Len()+len(block) > maxExchangeChars && sb.Len() > 0 {
			break
		}
		sb.WriteString(block)
	}
	return strings.TrimSpace(sb.String())
}

// parseMined reads the JSON object from an LLM answer, ignoring code fences
// and text around it.
func parseMined(text string) (minedKnowledge, error) {
	var out minedKnowledge
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return out, fmt.Errorf("no JSON object in mining answer")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return out, fmt.Errorf("invalid mining answer: %w", err)
	}
	return out, nil
}
