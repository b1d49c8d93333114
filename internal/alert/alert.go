// Package alert manages price watches and the loop that fires them.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/notify"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/price"
)

// alerts are quoted against this asset
const quote = "USDT"

type Service struct {
	store    repo.Store
	prices   price.Provider
	notifier notify.Notifier
	logger   *zap.SugaredLogger
}

func NewService(store repo.Store, prices price.Provider, notifier notify.Notifier, logger *zap.SugaredLogger) *Service {
	return &Service{store: store, prices: prices, notifier: notifier, logger: logger}
}

// Symbol turns "btc" or "BTCUSDT" into "BTCUSDT".
func Symbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || strings.HasSuffix(s, quote) {
		return s
	}
	return s + quote
}

func base(symbol string) string { return strings.TrimSuffix(symbol, quote) }

// Create stores an alert whose direction is chosen against the current price.
func (s *Service) Create(ctx context.Context, accountID int64, symbol string, target decimal.Decimal) (*entity.Alert, decimal.Decimal, error) {
	symbol = Symbol(symbol)
	if symbol == quote || symbol == "" {
		return nil, decimal.Zero, apperr.Validation("usage: alert <SYMBOL> <PRICE>")
	}
	if !target.IsPositive() {
		return nil, decimal.Zero, apperr.Validation("target price must be greater than zero")
	}
	current, err := s.prices.Rate(ctx, base(symbol), quote)
	if err != nil {
		return nil, decimal.Zero, err
	}
	a := &entity.Alert{AccountID: accountID, Symbol: symbol, Target: target, Direction: entity.Below, Active: true}
	if target.GreaterThan(current) {
		a.Direction = entity.Above
	}
	if err := s.store.WithTx(ctx, func(tx repo.Tx) error { return tx.CreateAlert(ctx, a) }); err != nil {
		return nil, decimal.Zero, err
	}
	s.logger.Debugw("alert created", "account_id", accountID, "symbol", symbol, "target", target.String(), "direction", a.Direction)
	return a, current, nil
}

// List returns the account's active alerts.
func (s *Service) List(ctx context.Context, accountID int64) ([]entity.Alert, error) {
	all, err := s.store.AlertsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

// Run checks alerts every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.Check(ctx); err != nil {
				s.logger.Warnw("alert check failed", "err", err)
			} else if n > 0 {
				s.logger.Infow("alerts triggered", "count", n)
			}
		}
	}
}

// Check prices each watched symbol once and fires the alerts it satisfies.
// An alert is only announced by the caller whose deactivation took effect.
func (s *Service) Check(ctx context.Context) (int, error) {
	active, err := s.store.ActiveAlerts(ctx)
	if err != nil {
		return 0, err
	}
	bySymbol := map[string][]entity.Alert{}
	for _, a := range active {
		bySymbol[a.Symbol] = append(bySymbol[a.Symbol], a)
	}
	fired := 0
	for symbol, alerts := range bySymbol {
		p, err := s.prices.Rate(ctx, base(symbol), quote)
		if err != nil {
			s.logger.Debugw("alert price unavailable", "symbol", symbol, "err", err)
			continue
		}
		for _, a := range alerts {
			if !a.Hit(p) {
				continue
			}
			var (
				won   bool
				owner *entity.Account
			)
			err := s.store.WithTx(ctx, func(tx repo.Tx) error {
				var err error
				if won, err = tx.DeactivateAlert(ctx, a.ID); err != nil || !won {
					return err
				}
				owner, err = tx.AccountByID(ctx, a.AccountID)
				return err
			})
			if err != nil {
				s.logger.Warnw("alert deactivate failed", "alert_id", a.ID, "err", err)
				continue
			}
			if !won {
				continue
			}
			fired++
			s.notifier.Notify(ctx, notify.ContactOf(owner),
				fmt.Sprintf("Price alert: %s is now %s (target %s %s).", symbol, p.String(), a.Direction, a.Target.String()))
		}
	}
	return fired, nil
}
