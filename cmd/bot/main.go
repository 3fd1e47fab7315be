// Package main contains the entrypoint for the Avito autoanswer bot.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/avito-autoanswer/internal/avito"
	"github.com/edgard/avito-autoanswer/internal/bot"
	"github.com/edgard/avito-autoanswer/internal/bot/handlers"
	"github.com/edgard/avito-autoanswer/internal/bot/tasks"
	"github.com/edgard/avito-autoanswer/internal/config"
	"github.com/edgard/avito-autoanswer/internal/database"
	"github.com/edgard/avito-autoanswer/internal/knowledge"
	"github.com/edgard/avito-autoanswer/internal/llm"
	"github.com/edgard/avito-autoanswer/internal/logger"
	"github.com/edgard/avito-autoanswer/internal/notify"
	"github.com/edgard/avito-autoanswer/internal/pipeline"
	"github.com/edgard/avito-autoanswer/internal/responder"
	"github.com/edgard/avito-autoanswer/internal/session"
	"github.com/edgard/avito-autoanswer/internal/telegram"
	"github.com/edgard/avito-autoanswer/internal/webhook"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run wires config, storage, the LLM, Avito, Telegram, the webhook pipeline
// and the scheduler, then blocks until shutdown. It returns the exit code.
func run(ctx context.Context) int {
	envPath := flag.String("env", ".env", "Path to the .env file")
	flag.Parse()

	cfg, err := config.LoadConfig(*envPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *envPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON, "version", version)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	llmClient, err := llm.New(ctx, cfg.LLM, log)
	if err != nil {
		log.Error("Failed to initialize LLM client", "provider", cfg.LLM.Provider, "error", err)
		return 1
	}

	sessions := session.NewManager(store, cfg.Bot.CooldownMinutes, cfg.LLM.Model, log)
	faq := knowledge.NewFAQStore(store, log)
	cards := knowledge.NewCardStore(store, log)
	resp := responder.New(store, llmClient, sessions, responder.Options{
		DataDir:     cfg.Bot.DataDir,
		Temperature: cfg.LLM.Temperature,
	}, log)
	avitoClient := avito.New(cfg.Avito.ClientID, cfg.Avito.ClientSecret, cfg.Avito.AccountID,
		avito.WithBaseURL(cfg.Avito.BaseURL),
		avito.WithLogger(log),
	)

	hDeps := handlers.HandlerDeps{
		Logger:   log,
		Config:   cfg,
		Store:    store,
		Sessions: sessions,
		FAQ:      faq,
		Cards:    cards,
		Replies:  resp,
		Avito:    avitoClient,
		Version:  version,
	}

	// The relay needs the bot ID, which is only known after GetMe.
	var relay tgbot.HandlerFunc
	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log,
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithDefaultHandler(func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
			if relay != nil {
				relay(ctx, b, update)
			}
		}),
	)
	if err != nil {
		log.Error("Failed to create Telegram bot", "error", err)
		return 1
	}

	me, err := tg.GetMe(ctx)
	if err != nil {
		log.Error("Failed to get bot info", "error", err)
		return 1
	}
	log.Info("Retrieved bot info", "bot_id", me.ID, "bot_username", me.Username)
	hDeps.BotID = me.ID
	relay = handlers.NewRelayHandler(hDeps)

	if err := telegram.RegisterHandlers(tg, log, handlers.RegisterAllCommands(hDeps)); err != nil {
		log.Error("Failed to register Telegram handlers", "error", err)
		return 1
	}
	if err := handlers.SetCommands(ctx, tg, cfg.Telegram.AdminIDs); err != nil {
		log.Warn("Failed to publish command menu", "error", err)
	}

	proc := pipeline.NewProcessor(pipeline.Deps{
		Logger:    log,
		AccountID: cfg.Avito.AccountID,
		Responder: resp,
		Sessions:  sessions,
		Avito:     avitoClient,
		Notifier:  telegram.NewNotifier(tg, cfg.NotifyIDs(), log),
		Formatter: &notify.Formatter{AccountID: cfg.Avito.AccountID, Location: time.Local},
	})
	queue := pipeline.NewQueue(proc, cfg.Bot.Workers, cfg.Bot.QueueSize, log)
	server := webhook.NewServer(cfg.HTTP.Addr, queue, log)

	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger: log,
		Store:  store,
		Config: cfg,
		Now:    time.Now,
		LLM:    llmClient,
		Models: sessions,
		FAQ:    faq,
		Cards:  cards,
	}))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	app := bot.NewBot(log, tg, server, queue, sched)

	log.Info("Starting bot...", "webhook_url", cfg.WebhookURL())
	runErr := app.Run(ctx)
	log.Info("Bot run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
