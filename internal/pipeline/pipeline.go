// Package pipeline turns Avito webhook events into replies: it filters
// events, gates them on the chat session and bot mode, sends the generated
// answer and alerts managers when a human is needed.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/edgard/avito-autoanswer/internal/avito"
	"github.com/edgard/avito-autoanswer/internal/notify"
	"github.com/edgard/avito-autoanswer/internal/responder"
	"github.com/edgard/avito-autoanswer/internal/stats"
)

// historyFetchLimit is how many Avito messages are loaded for a notification.
const historyFetchLimit = 50

// Event is one messenger event delivered by the webhook.
type Event struct {
	ChatID    string
	Text      string
	Direction string
	AuthorID  string
	Type      string
	UserName  string
}

// Skip reasons reported by SkipReason.
const (
	SkipOutgoing    = "outgoing"
	SkipDirection   = "not_incoming"
	SkipSystemType  = "system_type"
	SkipOwnAccount  = "own_account"
	SkipEmpty       = "empty_text"
	SkipShort       = "too_short"
	SkipSystemText  = "system_prefix"
	SkipOnlySpecial = "no_content"
)

var systemTypes = []string{"system", "service", "notification", "system_message"}

var systemPrefixes = []string{
	"системное:",
	"system:",
	"уведомление:",
	"notification:",
	"сообщение отправлено",
	"message sent",
	"чат создан",
	"chat created",
}

// SkipReason returns why ev must not be answered, or "" when it should be processed.
// The checks run in a fixed order and the first match wins.
func SkipReason(ev Event, accountID int64) string {
	direction := strings.TrimSpace(ev.Direction)
	if direction == "out" {
		return SkipOutgoing
	}
	if direction != "" && direction != "in" {
		return SkipDirection
	}
	if t := strings.ToLower(strings.TrimSpace(ev.Type)); t != "" {
		for _, st := range systemTypes {
			if t == st {
				return SkipSystemType
			}
		}
	}
	if accountID > 0 && strings.TrimSpace(ev.AuthorID) == strconv.FormatInt(accountID, 10) {
		return SkipOwnAccount
	}

	trimmed := strings.TrimSpace(ev.Text)
	if trimmed == "" {
		return SkipEmpty
	}
	if len([]rune(trimmed)) < 2 {
		return SkipShort
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return SkipSystemText
		}
	}
	compact := strings.NewReplacer(" ", "", "\n", "", "\t", "").Replace(trimmed)
	if len([]rune(compact)) < 2 {
		return SkipOnlySpecial
	}
	return ""
}

// DialogID is the history key of an Avito chat.
func DialogID(chatID string) string {
	return stats.DialogPrefix + chatID
}

// Responder generates and records replies.
type Responder interface {
	GenerateReply(ctx context.Context, dialogID, text, userName string) (*responder.Reply, error)
	SaveAssistantReply(ctx context.Context, dialogID string, reply *responder.Reply) error
	SaveUserMessage(ctx context.Context, dialogID, text string) error
}

// Sessions gates replies per chat and per bot mode.
type Sessions interface {
	CanReply(ctx context.Context, chatID string, now time.Time) (bool, error)
	ShouldAutoReply(ctx context.Context, chatID string) (bool, error)
	SetWaitingManager(ctx context.Context, chatID string) error
}

// Messenger is the part of the Avito client the pipeline needs.
type Messenger interface {
	SendText(ctx context.Context, chatID, text string) (*avito.SentMessage, error)
	GetChat(ctx context.Context, chatID string) (*avito.Chat, error)
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]avito.Message, error)
}

// Notifier delivers a manager notification.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Deps holds the collaborators of a Processor.
type Deps struct {
	Logger    *slog.Logger
	AccountID int64
	Responder Responder
	Sessions  Sessions
	Avito     Messenger
	Notifier  Notifier
	Formatter *notify.Formatter
}

// Processor handles webhook events one at a time.
type Processor struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor creates a processor from deps.
func NewProcessor(deps Deps) *Processor {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Formatter == nil {
		deps.Formatter = &notify.Formatter{AccountID: deps.AccountID}
	}
	return &Processor{deps: deps, logger: log.With("component", "pipeline"), now: time.Now}
}

// Handle processes one event. Avito and Telegram delivery failures are
// logged and do not fail the event; store and responder failures do.
func (p *Processor) Handle(ctx context.Context, ev Event) error {
	log := p.logger.With("chat_id", ev.ChatID)
	log.InfoContext(ctx, "Webhook message",
		"direction", ev.Direction, "author_id", ev.AuthorID, "type", ev.Type, "text_length", len(ev.Text))

	if reason := SkipReason(ev, p.deps.AccountID); reason != "" {
		log.InfoContext(ctx, "Ignoring webhook message", "reason", reason)
		return nil
	}

	canReply, err := p.deps.Sessions.CanReply(ctx, ev.ChatID, p.now())
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if !canReply {
		log.InfoContext(ctx, "Bot is paused for chat (waiting_manager or cooldown)")
		return p.record(ctx, ev)
	}

	autoReply, err := p.deps.Sessions.ShouldAutoReply(ctx, ev.ChatID)
	if err != nil {
		return fmt.Errorf("failed to read bot mode: %w", err)
	}
	if !autoReply {
		log.InfoContext(ctx, "Auto-reply is off for chat (bot disabled or mode)")
		return p.record(ctx, ev)
	}

	dialogID := DialogID(ev.ChatID)
	reply, err := p.deps.Responder.GenerateReply(ctx, dialogID, ev.Text, ev.UserName)
	if err != nil {
		return fmt.Errorf("failed to generate reply: %w", err)
	}
	log.InfoContext(ctx, "Generated reply", "source", reply.Source, "signal", reply.Signal, "answer_length", len(reply.Text))

	if _, err := p.deps.Avito.SendText(ctx, ev.ChatID, reply.Text); err != nil {
		log.ErrorContext(ctx, "Failed to send auto-reply to Avito", "error", err)
	} else {
		log.InfoContext(ctx, "Auto-reply sent to Avito")
		if err := p.deps.Responder.SaveAssistantReply(ctx, dialogID, reply); err != nil {
			log.WarnContext(ctx, "Failed to save assistant reply", "error", err)
		}
	}

	if reply.Signal {
		if err := p.deps.Sessions.SetWaitingManager(ctx, ev.ChatID); err != nil {
			log.ErrorContext(ctx, "Failed to pause chat for manager", "error", err)
		}
	}

	if reply.Signal || responder.ContainsSignal(ev.Text) || responder.ContainsSignal(reply.Text) {
		log.InfoContext(ctx, "Signal phrase detected, notifying managers")
		p.notifyManagers(ctx, ev)
	}
	return nil
}

// record keeps a message the bot does not answer, so the dialog history stays
// complete for the next reply and for history mining.
func (p *Processor) record(ctx context.Context, ev Event) error {
	if err := p.deps.Responder.SaveUserMessage(ctx, DialogID(ev.ChatID), ev.Text); err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}
	return nil
}

func (p *Processor) notifyManagers(ctx context.Context, ev Event) {
	log := p.logger.With("chat_id", ev.ChatID)

	chat, err := p.deps.Avito.GetChat(ctx, ev.ChatID)
	if err != nil {
		log.WarnContext(ctx, "Failed to fetch chat info", "error", err)
		chat = nil
	}
	history, err := p.deps.Avito.ListMessages(ctx, ev.ChatID, historyFetchLimit, 0)
	if err != nil {
		log.WarnContext(ctx, "Failed to fetch message history", "error", err)
		history = nil
	}

	text := p.deps.Formatter.ManagerText(ev.ChatID, ev.Text, history, chat, ev.UserName)
	if p.deps.Notifier == nil {
		log.WarnContext(ctx, "No notifier configured, manager alert dropped")
		return
	}
	if err := p.deps.Notifier.Notify(ctx, text); err != nil {
		log.ErrorContext(ctx, "Failed to notify managers", "error", err)
	}
}
