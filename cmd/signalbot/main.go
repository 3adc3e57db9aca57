// Signalbot - Channel signal to futures order pipeline
//
// Watches configured Telegram channels, groups posts per channel policy,
// asks a language model for a structured trade call, sizes it against the
// exchange balance and places the order at most once per signal.
//
// Flow:
// 1. Channel post -> stored message (append-only)
// 2. Single message or sliding window -> aggregation unit
// 3. Unit -> extracted signal (no_signal / malformed / failed / signal)
// 4. Signal -> sized order -> exchange, deduplicated by submission key
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/bot"
	"github.com/web3guy0/signalbot/core"
	"github.com/web3guy0/signalbot/exec"
	"github.com/web3guy0/signalbot/execution"
	"github.com/web3guy0/signalbot/feeds"
	"github.com/web3guy0/signalbot/internal/api"
	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/internal/logging"
	"github.com/web3guy0/signalbot/risk"
	"github.com/web3guy0/signalbot/signals"
	"github.com/web3guy0/signalbot/storage"
)

const version = "1.0.0"

func main() {
	// Load environment
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	closer := logging.Setup(logging.Options{
		Debug:      cfg.Debug,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer closer.Close()

	if envErr != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}
	if err := cfg.RequireBot(); err != nil {
		log.Fatal().Err(err).Msg("Incomplete configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== CHANNELS ======
	channels, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load channels")
	}
	store := config.NewStore(cfg.ChannelsFile, config.NewSnapshot(channels, cfg.AutoExecution))
	if len(store.Current().Enabled()) == 0 {
		log.Warn().Str("file", cfg.ChannelsFile).Msg("⚠️ No enabled channels, use configure_channel to add one")
	}

	log.Info().
		Str("version", version).
		Str("exchange", cfg.Exchange).
		Bool("auto_execution", cfg.AutoExecution).
		Str("order_type", cfg.OrderType).
		Int("channels", len(channels)).
		Str("model", cfg.OpenAIModel).
		Msg("📡 Signalbot starting...")

	// ====== STORAGE ======
	db, err := storage.New(cfg.DatabasePath, storage.Options{
		BusyRetries: cfg.SQLBusyRetries,
		BusySleep:   cfg.SQLBusySleep,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// ====== EXCHANGE ======
	ex, ticker, err := exec.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create exchange adapter")
	}
	if ticker != nil {
		ticker.Start()
		defer ticker.Stop()
	}

	sizer := risk.NewSizer(
		cfg.OrderQuote,
		cfg.OrderNotional,
		cfg.MinNotional,
		cfg.BalanceFraction,
		cfg.MaxPriceDeviationPct,
	)

	coordinator := execution.NewCoordinator(ex, sizer, db, execution.CoordinatorConfig{
		Retry:         cfg.ExchangeRetry,
		StaleAfter:    cfg.PendingStaleAfter,
		AutoExecution: func() bool { return store.Current().AutoExecution() },
		Breaker:       risk.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		OrderType:     exec.OrderType(cfg.OrderType),
	})

	// Settle anything a previous run left mid-flight before new traffic arrives
	recovered, err := execution.NewReconciler(coordinator, db).RecoverPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("❌ Pending recovery failed")
	}

	// ====== EXTRACTION ======
	backend := signals.NewOpenAIBackend(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.OpenAITimeout)
	extractor := signals.NewExtractor(backend, cfg.ExtractRetry)

	engine := core.NewEngine(store, db, extractor, coordinator, cfg.QueueSize)

	// ====== TELEGRAM ======
	tg, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Telegram")
	}
	log.Info().Str("username", tg.Self.UserName).Msg("🤖 Telegram connected")

	var operator *bot.TelegramBot
	if cfg.TelegramChatID != 0 {
		operator = bot.NewTelegramBot(tg, cfg.TelegramChatID, ex.Name())
		operator.SetControls(store, engine, db, cfg.Backfill)
		coordinator.SetNotifier(operator)
		engine.SetNotifier(operator)
	} else {
		log.Warn().Msg("⚠️ TELEGRAM_CHAT_ID not set, notifications and commands disabled")
	}

	feed := feeds.NewTelegramFeed(tg, cfg.MediaDir, func() feeds.ChannelResolver { return store.Current() }, engine)
	if operator != nil {
		feed.SetCommandHandler(operator)
	}

	// ====== ADMIN API ======
	var server *api.Server
	if cfg.AdminAddr != "" {
		server = api.NewServer(cfg.AdminAddr, store, engine, db, ex.Name(), cfg.Backfill)
		server.Start()
	}

	// Replay stored history first so windows are warm when live posts arrive
	if cfg.Backfill > 0 {
		if err := engine.BackfillAll(ctx, cfg.Backfill); err != nil {
			log.Warn().Err(err).Msg("⚠️ Startup backfill incomplete")
		}
	}

	feed.Start(ctx)
	if operator != nil {
		operator.NotifyStartup(recovered)
	}

	log.Info().
		Int("enabled_channels", len(store.Current().Enabled())).
		Int("recovered", recovered).
		Msg("✅ Signalbot running")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")

	cancel()
	feed.Stop()
	engine.Stop()
	if operator != nil {
		operator.Wait()
	}
	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin API shutdown")
		}
		stop()
	}

	log.Info().Msg("👋 Goodbye")
}
