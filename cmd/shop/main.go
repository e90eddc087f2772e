package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nullpaw/fragment-shop/internal/alert"
	"github.com/nullpaw/fragment-shop/internal/api"
	"github.com/nullpaw/fragment-shop/internal/config"
	"github.com/nullpaw/fragment-shop/internal/credentials"
	"github.com/nullpaw/fragment-shop/internal/fragment"
	"github.com/nullpaw/fragment-shop/internal/purchase"
	"github.com/nullpaw/fragment-shop/internal/settlement"
	"github.com/nullpaw/fragment-shop/internal/storage"
	"github.com/nullpaw/fragment-shop/internal/wallet"
)

func main() {
	// Setup logger
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	// Load config
	cfg := config.Load()

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	// Operational alerts: Telegram when configured, log-only otherwise
	var alerts alert.Notifier = &alert.LogNotifier{Log: log}
	if cfg.BotToken != "" && cfg.AlertChatID != 0 {
		tg, err := alert.NewTelegram(cfg.BotToken, cfg.AlertChatID, log)
		if err != nil {
			log.Error("init telegram alerts", "error", err)
			os.Exit(1)
		}
		alerts = tg
		log.Info("telegram alerts initialized", "chat_id", cfg.AlertChatID)
	}

	// Wallet ledger
	ledger := wallet.NewLedger(store, log)

	// Marketplace client
	market := fragment.NewClient(cfg.MarketBaseURL, log)
	log.Info("marketplace client initialized", "base_url", cfg.MarketBaseURL)

	// Settlement confirmer
	var chain settlement.ChainWallet = settlement.Disabled{}
	if cfg.SettlementSeed != "" {
		tonWallet, err := settlement.NewTonWallet(cfg.SettlementSeed)
		if err != nil {
			log.Error("init settlement wallet", "error", err)
			os.Exit(1)
		}
		chain = tonWallet
		log.Info("settlement wallet initialized")
	} else {
		log.Warn("SETTLEMENT_WALLET_SEED not set, settlement-requiring purchases will fail")
	}
	confirmer := settlement.NewConfirmer(chain, cfg.SettlementFeeReserve, log)

	// Credential refresh scheduler
	acquirer := credentials.NewBrowserAcquirer(cfg.MarketLoginURL, cfg.CookieDomain, log)
	defer acquirer.Close()
	seed := credentials.ParseSeed(cfg.SeedCookies)
	scheduler := credentials.NewScheduler(store, acquirer, market, alerts, cfg.RefreshInterval, seed, cfg.ProbeRecipient, log)
	provider := credentials.NewStoreProvider(store)

	// Purchase orchestrator
	orchestrator := purchase.NewOrchestrator(store, ledger, market, confirmer, provider, alerts, cfg.DuplicateWindow, log)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the credential refresh loop
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	// Start API server
	server := api.NewServer(orchestrator, ledger, store, log)
	if err := server.Start(ctx, cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
		log.Error("api server", "error", err)
		os.Exit(1)
	}
}
