package handlers

import (
	"context"
	"log/slog"

	"github.com/edgard/avito-autoanswer/internal/avito"
	"github.com/edgard/avito-autoanswer/internal/config"
	"github.com/edgard/avito-autoanswer/internal/database"
	"github.com/edgard/avito-autoanswer/internal/knowledge"
	"github.com/edgard/avito-autoanswer/internal/session"
)

// Messenger is the part of the Avito client used by handlers.
type Messenger interface {
	SendText(ctx context.Context, chatID, text string) (*avito.SentMessage, error)
	Subscribe(ctx context.Context, webhookURL string) error
	Unsubscribe(ctx context.Context, webhookURL string) error
}

// ManagerReplies stores messages managers relayed to Avito.
type ManagerReplies interface {
	SaveManagerReply(ctx context.Context, dialogID, text string) error
}

// HandlerDeps provides dependencies for Telegram command handlers.
type HandlerDeps struct {
	Logger   *slog.Logger
	Config   *config.Config
	Store    database.Store
	Sessions *session.Manager
	FAQ      *knowledge.FAQStore
	Cards    *knowledge.CardStore
	Replies  ManagerReplies
	Avito    Messenger
	// BotID is the Telegram user ID of the bot itself, used to recognise replies to its notifications.
	BotID   int64
	Version string
}
