// Package responder generates replies to Avito clients from the curated FAQ,
// knowledge cards, and the language model.
package responder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/edgard/avito-autoanswer/internal/database"
	"github.com/edgard/avito-autoanswer/internal/knowledge"
	"github.com/edgard/avito-autoanswer/internal/llm"
)

const (
	MaxHistory         = 8
	MaxFAQMatches      = knowledge.MaxFAQMatches
	MaxAvitoLength     = 950
	maxStaticContext   = 8000
	maxDynamicContext  = 8000
	maxDialogueContext = 3000
)

// Files read from the data directory on every LLM reply.
const (
	SystemPromptFile   = "system_prompt.txt"
	StaticContextFile  = "static_context.txt"
	DynamicContextFile = "dynamic_context.txt"
)

const (
	// FallbackPhrase is what the model is told to answer when it has no data.
	FallbackPhrase = "По данному вопросу вам в ближайшее время ответит наш менеджер."
	// WaitingText replaces any answer that hands the chat over to a manager.
	WaitingText = "Подождите, пожалуйста, уточняю информацию"
	// EmptyInputText is returned for blank client messages.
	EmptyInputText = "Извините, не получилось обработать ваше сообщение. Попробуйте еще раз."
)

// SignalPhrases mark a message that needs a manager.
var SignalPhrases = []string{
	"по данному вопросу вам в ближайшее время ответит наш менеджер",
	"ответит наш менеджер",
	"наш менеджер ответит",
	"свяжется менеджер",
	"свяжется наш менеджер",
}

var uncertaintyPhrases = []string{
	"не знаю",
	"не могу ответить",
	"нет информации",
	"не располагаю",
	"недостаточно данных",
}

// Reply sources.
const (
	SourceEmpty = "empty"
	SourceFAQ   = "faq"
	SourceLLM   = "llm"
	SourceError = "error"
)

// Reply is the answer for a client message.
type Reply struct {
	Text   string
	Signal bool
	Source string
	Usage  llm.Usage
	Model  string
}

// ModelSource returns the model currently selected by admins.
type ModelSource interface {
	Model(ctx context.Context) (string, error)
}

// Options configure a Responder.
type Options struct {
	DataDir     string
	Temperature float64
}

type Responder struct {
	store       database.Store
	faq         *knowledge.FAQStore
	cards       *knowledge.CardStore
	llm         llm.Client
	models      ModelSource
	dataDir     string
	temperature float64
	logger      *slog.Logger
}

func New(store database.Store, client llm.Client, models ModelSource, opts Options, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		store:       store,
		faq:         knowledge.NewFAQStore(store, logger),
		cards:       knowledge.NewCardStore(store, logger),
		llm:         client,
		models:      models,
		dataDir:     opts.DataDir,
		temperature: opts.Temperature,
		logger:      logger.With("component", "responder"),
	}
}

// GenerateReply answers text in the dialog. A reply with Signal set means a
// manager should take over. The user message is stored before answering;
// the assistant message is stored by SaveAssistantReply once it was delivered.
func (r *Responder) GenerateReply(ctx context.Context, dialogID, text, userName string) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		r.logger.WarnContext(ctx, "Empty incoming text", "dialog_id", dialogID)
		return &Reply{Text: EmptyInputText, Source: SourceEmpty}, nil
	}

	history, err := r.store.GetDialogHistory(ctx, dialogID, MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if err := r.store.SaveChatMessage(ctx, &database.ChatMessage{
		DialogID: dialogID, Role: database.RoleUser, Content: text,
	}); err != nil {
		return nil, err
	}

	faq, err := r.faq.Curated(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load faq: %w", err)
	}
	if best, ok := knowledge.BestFAQ(text, faq); ok && best.Exact() {
		if answer := knowledge.Truncate(knowledge.Sanitize(best.Entry.Answer), MaxAvitoLength); answer != "" {
			r.logger.InfoContext(ctx, "Answered from FAQ", "dialog_id", dialogID, "faq_id", best.Entry.ID, "score", best.Score)
			return &Reply{Text: answer, Source: SourceFAQ}, nil
		}
	}

	cards, err := r.cards.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge cards: %w", err)
	}
	cardContext, used := knowledge.BuildContext(text, cards)
	for _, card := range used {
		if err := r.cards.Touch(ctx, card); err != nil {
			r.logger.WarnContext(ctx, "Failed to update card usage", "topic", card.Topic, "error", err)
		}
	}

	prompt := BuildPrompt(PromptInput{
		SystemPrompt: r.readDataFile(ctx, SystemPromptFile, 0),
		Static:       r.readDataFile(ctx, StaticContextFile, maxStaticContext),
		Dynamic:      r.readDataFile(ctx, DynamicContextFile, maxDynamicContext),
		Dialogue:     knowledge.Truncate(DialogueContext(history), maxDialogueContext),
		Context:      joinNonEmpty(cardContext, knowledge.FAQContext(knowledge.MatchFAQ(text, faq, MaxFAQMatches))),
		UserName:     userName,
		Text:         text,
	})

	model := ""
	if r.models != nil {
		if model, err = r.models.Model(ctx); err != nil {
			r.logger.WarnContext(ctx, "Failed to read model setting, using default", "error", err)
		}
	}

	r.logger.InfoContext(ctx, "Calling LLM", "dialog_id", dialogID, "model", model, "prompt_len", len(prompt))
	resp, err := r.llm.Complete(ctx, llm.Request{Model: model, Prompt: prompt, Temperature: r.temperature})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		r.logger.ErrorContext(ctx, "LLM reply failed", "dialog_id", dialogID, "error", err)
		return &Reply{Text: WaitingText, Signal: true, Source: SourceError}, nil
	}

	reply := &Reply{Source: SourceLLM, Usage: resp.Usage, Model: resp.Model}
	answer := knowledge.Sanitize(resp.Text)
	if ContainsSignal(answer) || containsAny(strings.ToLower(answer), uncertaintyPhrases) {
		r.logger.InfoContext(ctx, "Reply hands over to a manager", "dialog_id", dialogID)
		reply.Text = WaitingText
		reply.Signal = true
	} else {
		reply.Text = knowledge.Truncate(answer, MaxAvitoLength)
	}
	return reply, nil
}

// SaveAssistantReply stores a delivered reply with its token usage.
func (r *Responder) SaveAssistantReply(ctx context.Context, dialogID string, reply *Reply) error {
	return r.store.SaveChatMessage(ctx, &database.ChatMessage{
		DialogID:         dialogID,
		Role:             database.RoleAssistant,
		Content:          reply.Text,
		PromptTokens:     int64(reply.Usage.Prompt),
		CompletionTokens: int64(reply.Usage.Completion),
		TotalTokens:      int64(reply.Usage.Total),
		Model:            reply.Model,
	})
}

// SaveUserMessage stores a client message the bot did not answer.
func (r *Responder) SaveUserMessage(ctx context.Context, dialogID, text string) error {
	return r.store.SaveChatMessage(ctx, &database.ChatMessage{
		DialogID: dialogID, Role: database.RoleUser, Content: text,
	})
}

// SaveManagerReply stores a message a manager sent to the client.
func (r *Responder) SaveManagerReply(ctx context.Context, dialogID, text string) error {
	return r.store.SaveChatMessage(ctx, &database.ChatMessage{
		DialogID: dialogID, Role: database.RoleManager, Content: text,
	})
}

// ContainsSignal reports whether text contains a manager handover phrase.
func ContainsSignal(text string) bool {
	return containsAny(strings.ToLower(text), SignalPhrases)
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// DialogueContext formats history as "Role: content" lines.
func DialogueContext(history []database.ChatMessage) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		if m.Role == "" || m.Content == "" {
			continue
		}
		lines = append(lines, capitalize(m.Role)+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func capitalize(s string) string {
	r := []rune(strings.ToLower(s))
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// readDataFile returns the trimmed file content, truncated when limit > 0.
// A missing file reads as empty.
func (r *Responder) readDataFile(ctx context.Context, name string, limit int) string {
	b, err := os.ReadFile(filepath.Join(r.dataDir, name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger.WarnContext(ctx, "Failed to read data file", "file", name, "error", err)
		}
		return ""
	}
	s := strings.TrimSpace(string(b))
	if limit > 0 {
		s = knowledge.Truncate(s, limit)
	}
	return s
}
