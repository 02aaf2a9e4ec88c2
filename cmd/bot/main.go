package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"group_payment_bot/internal/app"
	"group_payment_bot/internal/infra/config"
	idb "group_payment_bot/internal/infra/database"
	"group_payment_bot/internal/infra/ethereum"
	"group_payment_bot/internal/infra/httpserver"
	"group_payment_bot/internal/infra/logger"
	"group_payment_bot/internal/infra/pricing"
	"group_payment_bot/internal/infra/telegram"

	"gopkg.in/telebot.v3"
)

func main() {
	fmt.Println("Group Payment Bot starting...")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Could not load application configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg)
	log := logger.Log.WithField("component", "main")
	log.Infof("Configuration loaded. LogLevel: %s, Environment: %s, Admin ID: %d", cfg.LogLevel, cfg.Environment, cfg.AdminTelegramID)

	// Initialize Database Connection
	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Could not connect to database")
	}
	defer db.Close()
	log.Info("Database connection established successfully.")

	// Initialize Repository
	paymentRepo := idb.NewPostgresPaymentRepository(db)
	log.Info("Payment repository initialized.")

	// Warn about cycles that were open when a previous process died.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if orphaned, err := paymentRepo.ListOpenCycles(startupCtx); err != nil {
		log.WithError(err).Warn("Could not check for orphaned open cycles")
	} else if len(orphaned) > 0 {
		log.Warnf("Found %d open cycle(s) from a previous run; their timers are not resumed.", len(orphaned))
	}
	cancelStartup()

	// Initialize external collaborators
	oracle := pricing.NewCoinbaseOracle(logger.Log.WithField("component", "price_oracle"))
	ledgerClient := ethereum.NewAlchemyClient(cfg.RPCURL)
	log.Info("Price oracle and ledger client initialized.")

	// Initialize Telegram Bot
	pref := telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) { // Global error handler
			entry := logger.Log.WithField("component", "telebot").WithError(err)
			if c != nil && c.Sender() != nil && c.Chat() != nil {
				entry = entry.WithField("sender_id", c.Sender().ID).WithField("chat_id", c.Chat().ID)
			}
			entry.Error("Telegram handler error")
		},
	}
	bot, err := telebot.NewBot(pref)
	if err != nil {
		log.WithError(err).Fatal("Could not create Telegram bot")
	}

	// Initialize CycleService
	cycleService := app.NewCycleService(
		paymentRepo,
		telegram.NewTelebotAdapter(bot),
		oracle,
		ledgerClient,
		app.CycleConfig{
			AdminTelegramID:   cfg.AdminTelegramID,
			CollectionAddress: cfg.CollectionAddress,
			USDTarget:         cfg.USDTarget,
			USDFloor:          cfg.USDFloor,
			USDCeiling:        cfg.USDCeiling,
			FallbackETHAmount: cfg.FallbackETHAmount,
			CycleDuration:     cfg.CycleDuration,
			PollInterval:      cfg.PollInterval,
			RemindInterval:    cfg.RemindInterval,
			BanDelay:          cfg.BanDelay,
			PollLookback:      cfg.PollLookback,
		},
		logger.Log.WithField("component", "cycle_service"),
	)
	log.Info("Cycle service initialized.")

	// Register Handlers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telegram.RegisterCycleHandlers(ctx, bot, cycleService, cfg.AdminTelegramID, logger.Log.WithField("component", "telegram_handlers"))
	log.Info("Cycle command handlers registered.")

	// Health endpoint for the hosting platform
	healthSrv := httpserver.New(cfg.HTTPPort)
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Health server stopped unexpectedly")
		}
	}()
	log.Infof("Health server listening on :%s", cfg.HTTPPort)

	log.Info("Application setup complete. Bot is starting...")

	// Start bot in a goroutine so it doesn't block graceful shutdown handling
	go bot.Start()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit // Block until a signal is received

	log.Info("Shutting down application...")
	cancel()
	cycleService.Shutdown()
	if err := httpserver.Shutdown(healthSrv); err != nil {
		log.WithError(err).Warn("Health server shutdown error")
	}
	bot.Stop()
	log.Info("Application shut down gracefully.")
}
