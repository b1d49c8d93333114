package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/account"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/alert"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/approval"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/auth"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/flow"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/notify"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/price"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/processor"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/purchase"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/referral"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/router"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/database"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	cfg := config.FromEnv()
	sugar.Infow("starting service-ledger-chat", "store", cfg.StoreDriver, "sessions", cfg.SessionDriver, "admins", len(cfg.AdminPhones))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sqlx.DB
	if cfg.StoreDriver == "postgres" || cfg.SessionDriver == "postgres" {
		db, err = database.Connect(database.ConfigFromEnv())
		if err != nil {
			sugar.Fatalf("db connect: %v", err)
		}
		defer db.Close()
	}

	store, err := openStore(ctx, cfg, db)
	if err != nil {
		sugar.Fatalf("ledger store: %v", err)
	}
	sessions, err := openSessions(ctx, cfg, db, sugar)
	if err != nil {
		sugar.Fatalf("session store: %v", err)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(sugar)
	if cfg.NotifyWebhookURL != "" {
		wh := notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWorkers, sugar)
		defer wh.Close()
		notifier = wh
	}

	ticker := price.NewTickerProvider(cfg.PriceURL, cfg.PriceTimeout)
	prices := price.NewCache(price.NewChain(cfg.PriceTimeout, sugar,
		price.NewOTCProvider(cfg.BuyRates, cfg.SellRates),
		ticker,
	), cfg.PriceCacheTTL)
	vtu := purchase.NewRetryingClient(purchase.NewVTUClient(cfg.VTU, sugar), cfg.VTU.MaxRetries, cfg.VTU.Backoff, sugar)

	rule := referral.NewRule(cfg.ReferralReward, cfg.ReferralCurrency, sugar)
	approvals := approval.NewService(store, rule, notifier, sugar)
	alerts := alert.NewService(store, prices, notifier, sugar)
	engine := flow.NewEngine(flow.Deps{
		Config:            cfg,
		Store:             store,
		Sessions:          sessions,
		Accounts:          account.NewService(store, nil, sugar),
		Processor:         processor.New(store, cfg, prices, vtu, rule, sugar),
		Approvals:         approvals,
		Alerts:            alerts,
		Referral:          rule,
		Prices:            prices,
		Market:            ticker,
		Notifier:          notifier,
		Logger:            sugar,
		BroadcastInterval: cfg.BroadcastInterval,
	})

	go alerts.Run(ctx, cfg.AlertInterval)

	tokens := auth.NewTokenService(cfg)
	handler := router.RegisterRoutes(sugar, router.Handlers{
		Chat:   flow.NewHandler(engine, sugar),
		Admin:  approval.NewHandler(approvals, tokens, sugar),
		Tokens: tokens,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running; press Ctrl+C to stop", "addr", cfg.HTTPAddr)

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	if db != nil {
		if err := db.PingContext(doneCtx); err != nil {
			sugar.Warnf("db ping on shutdown failed: %v", err)
		}
	}

	sugar.Info("goodbye")
}

func openStore(ctx context.Context, cfg config.Config, db *sqlx.DB) (repo.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return repo.NewMemoryStore(), nil
	case "postgres":
		s := repo.NewPgStore(db)
		if err := s.EnsureTable(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

func openSessions(ctx context.Context, cfg config.Config, db *sqlx.DB, logger *zap.SugaredLogger) (session.Store, error) {
	switch cfg.SessionDriver {
	case "memory":
		return session.NewMemoryStore(cfg.SessionTTL), nil
	case "postgres":
		s := session.NewPgStore(db, cfg.SessionTTL)
		if err := s.EnsureTable(ctx); err != nil {
			return nil, err
		}
		go purgeSessions(ctx, s, cfg.SessionTTL, logger)
		return s, nil
	}
	return nil, fmt.Errorf("unknown SESSION_DRIVER %q", cfg.SessionDriver)
}

// purgeSessions deletes expired rows; reads already ignore them.
func purgeSessions(ctx context.Context, s *session.PgStore, every time.Duration, logger *zap.SugaredLogger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Purge(ctx)
			if err != nil {
				logger.Warnw("session purge failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Debugw("sessions purged", "count", n)
			}
		}
	}
}
