package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/telegram"
)

// Command describes a command for the Telegram menu.
type Command struct {
	Name        string
	Description string
	AdminOnly   bool
}

// Commands lists the commands shown in the Telegram menu.
var Commands = []Command{
	{Name: "start", Description: "Приветствие и описание возможностей"},
	{Name: "help", Description: "Справка"},
	{Name: "botstatus", Description: "Управление ботом (ON/OFF и webhook)", AdminOnly: true},
	{Name: "stats", Description: "Статистика работы бота", AdminOnly: true},
	{Name: "faq", Description: "Управление FAQ", AdminOnly: true},
	{Name: "kb", Description: "Управление базой знаний", AdminOnly: true},
}

// RegisterAllCommands initializes and returns a map of all command and callback handlers.
// It configures each handler with appropriate middleware.
func RegisterAllCommands(deps HandlerDeps) map[string]telegram.RegisteredHandler {
	handlers := make(map[string]telegram.RegisteredHandler)

	handlers["/start"] = telegram.RegisteredHandler{
		HandlerType: bot.HandlerTypeMessageText,
		Pattern:     "start",
		Handler:     NewStartHandler(deps),
		MatchType:   bot.MatchTypeCommandStartOnly,
	}
	handlers["/help"] = telegram.RegisteredHandler{
		HandlerType: bot.HandlerTypeMessageText,
		Pattern:     "help",
		Handler:     NewHelpHandler(deps),
		MatchType:   bot.MatchTypeCommandStartOnly,
	}

	adminMiddleware := []bot.Middleware{AdminOnly(deps)}

	handlers["/botstatus"] = telegram.RegisteredHandler{
		HandlerType: bot.HandlerTypeMessageText,
		Pattern:     "botstatus",
		Handler:     NewBotStatusHandler(deps),
		MatchType:   bot.MatchTypeCommandStartOnly,
		Middleware:  adminMiddleware,
	}
	handlers["/stats"] = telegram.RegisteredHandler{
		HandlerType: bot.HandlerTypeMessageText,
		Pattern:     "stats",
		Handler:     NewStatsHandler(deps),
		MatchType:   bot.MatchTypeCommandStartOnly,
		Middleware:  adminMiddleware,
	}
	handlers["/faq"] = telegram.RegisteredHandler{
		HandlerType: bot.HandlerTypeMessageText,
		Pattern:     "faq",
		Handler:     NewFAQHandler(deps),
		MatchType:   bot.MatchTypeCommandStartOnly,
		Middleware:  adminMiddleware,
	}
	handlers["/kb"] = telegram.RegisteredHandler{
		HandlerType: bot.HandlerTypeMessageText,
		Pattern:     "kb",
		Handler:     NewKnowledgeHandler(deps),
		MatchType:   bot.MatchTypeCommandStartOnly,
		Middleware:  adminMiddleware,
	}

	menu := NewBotStatusCallbackHandler(deps)
	for _, prefix := range []string{"bot_", "llm_model_", "webhook_"} {
		handlers["callback:"+prefix] = telegram.RegisteredHandler{
			HandlerType: bot.HandlerTypeCallbackQueryData,
			Pattern:     prefix,
			Handler:     menu,
			MatchType:   bot.MatchTypePrefix,
			Middleware:  adminMiddleware,
		}
	}

	return handlers
}

// CommandSetter is the part of *bot.Bot that publishes the command menu.
type CommandSetter interface {
	SetMyCommands(ctx context.Context, params *bot.SetMyCommandsParams) (bool, error)
}

// SetCommands publishes the public commands for everyone and the full list
// to each admin's private chat.
func SetCommands(ctx context.Context, b CommandSetter, adminIDs []int64) error {
	var public, all []models.BotCommand
	for _, c := range Commands {
		cmd := models.BotCommand{Command: c.Name, Description: c.Description}
		all = append(all, cmd)
		if !c.AdminOnly {
			public = append(public, cmd)
		}
	}

	if _, err := b.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: public}); err != nil {
		return fmt.Errorf("failed to set public commands: %w", err)
	}
	var errs []error
	for _, id := range adminIDs {
		_, err := b.SetMyCommands(ctx, &bot.SetMyCommandsParams{
			Commands: all,
			Scope:    &models.BotCommandScopeChat{ChatID: id},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("admin %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
