// Package main contains the entrypoint for the stockpile ingestion bot.
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

	"github.com/stockpilehq/stockpile/internal/bot"
	"github.com/stockpilehq/stockpile/internal/bot/handlers"
	"github.com/stockpilehq/stockpile/internal/bot/tasks"
	"github.com/stockpilehq/stockpile/internal/config"
	"github.com/stockpilehq/stockpile/internal/database"
	"github.com/stockpilehq/stockpile/internal/gemini"
	"github.com/stockpilehq/stockpile/internal/groupsync"
	"github.com/stockpilehq/stockpile/internal/ingest"
	"github.com/stockpilehq/stockpile/internal/logger"
	"github.com/stockpilehq/stockpile/internal/media"
	"github.com/stockpilehq/stockpile/internal/ops"
	"github.com/stockpilehq/stockpile/internal/resilience"
	"github.com/stockpilehq/stockpile/internal/storage"
	"github.com/stockpilehq/stockpile/internal/telegram"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all application components and returns an exit
// code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := database.NewDB(cfg.Database.Path, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	aiClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}

	objects, err := storage.NewClient(storage.Config{
		BaseURL:       cfg.Storage.BaseURL,
		Bucket:        cfg.Storage.Bucket,
		APIKey:        cfg.Storage.APIKey,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		Timeout:       cfg.Storage.Timeout,
	}, log)
	if err != nil {
		log.Error("Failed to initialize object store client", "error", err)
		return 1
	}

	// The ingestion handler needs the Telegram file client, which needs the
	// bot instance, so the default handler is bound after construction.
	var ingestHandler tgbot.HandlerFunc
	botOpts := []tgbot.Option{
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithDefaultHandler(func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
			if ingestHandler != nil {
				ingestHandler(ctx, b, update)
			}
		}),
	}
	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log, botOpts...)
	if err != nil {
		log.Error("Failed to create Telegram bot", "error", err)
		return 1
	}
	tgClient := telegram.NewClient(tg, cfg.Telegram.Token, cfg.Telegram.RequestTimeout, log)

	acquirer := media.NewAcquirer(store, objects, tgClient, media.Config{
		FileRefTTL:     cfg.Telegram.FileRefTTL,
		MaxRedownloads: cfg.Processing.MaxRedownloads,
		Retry:          resilience.DefaultRetryConfig(),
	}, log)
	syncer := groupsync.NewSyncer(store, groupsync.Config{
		RecheckDelay: cfg.Processing.GroupRecheckDelay,
		MaxAttempts:  cfg.Processing.GroupRecheckMax,
	}, log)
	coordinator := ingest.NewCoordinator(store, acquirer, syncer, aiClient, ingest.Config{
		StalledAfter:     cfg.Processing.StalledAfter,
		MaxStalledResets: cfg.Processing.MaxStalledResets,
		PendingBatchSize: cfg.Processing.PendingBatchSize,
	}, log)

	hDeps := handlers.HandlerDeps{
		Logger:      log,
		Config:      cfg,
		Store:       store,
		Coordinator: coordinator,
	}
	ingestHandler = handlers.NewIngestHandler(hDeps)

	if err := handlers.RegisterHandlers(tg, log, handlers.RegisterAllCommands(hDeps)); err != nil {
		log.Error("Failed to register Telegram handlers", "error", err)
		return 1
	}

	tDeps := tasks.TaskDeps{
		Logger:      log,
		Coordinator: coordinator,
		Acquirer:    acquirer,
		Syncer:      syncer,
		Config:      cfg,
	}
	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	opsServer := ops.NewServer(cfg.Ops.ListenAddr, coordinator, syncer, acquirer, store, tgClient, log)
	if cfg.Telegram.UseWebhook {
		opsServer.AttachWebhook(tg.WebhookHandler(), cfg.Telegram.WebhookSecret)
	}

	app := bot.NewBot(log, cfg, db, tg, sched, opsServer)

	log.Info("Starting bot...")
	runErr := app.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
