// Package processor applies the ledger effect of a finished flow. Every
// exported operation is one store transaction: all of its wallet writes and
// transaction rows commit together or not at all.
package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/account"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/price"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/purchase"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/referral"
)

var (
	ErrInsufficientFunds = apperr.New(apperr.KindInsufficientFunds, "insufficient balance")
	ErrNonPositive       = apperr.New(apperr.KindValidation, "amount must be greater than zero")
	ErrSelfTransfer      = apperr.New(apperr.KindValidation, "you cannot transfer to yourself")
	ErrSameAsset         = apperr.New(apperr.KindValidation, "choose two different assets")
	ErrUnknownCurrency   = apperr.New(apperr.KindValidation, "unsupported currency")
)

// precision of stored amounts
const scale = 8

type Processor struct {
	store    repo.Store
	cfg      config.Config
	prices   price.Provider
	vtu      purchase.Client
	referral *referral.Rule
	logger   *zap.SugaredLogger
}

func New(store repo.Store, cfg config.Config, prices price.Provider, vtu purchase.Client, rule *referral.Rule, logger *zap.SugaredLogger) *Processor {
	return &Processor{store: store, cfg: cfg, prices: prices, vtu: vtu, referral: rule, logger: logger}
}

// Supported reports whether code names a fiat currency or a listed coin.
func Supported(code string) bool {
	return config.Fiat[code] || config.IsCoin(code)
}

func normalize(currency string, amount decimal.Decimal) (string, decimal.Decimal, error) {
	c := config.NormalizeCurrency(currency)
	if !Supported(c) {
		return "", decimal.Zero, ErrUnknownCurrency
	}
	if !amount.IsPositive() {
		return "", decimal.Zero, ErrNonPositive
	}
	return c, amount.Round(scale), nil
}

// lockActive loads the account for update and refuses frozen ones.
func lockActive(ctx context.Context, tx repo.Tx, accountID int64) (*entity.Account, error) {
	a, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Frozen {
		return nil, account.ErrFrozen
	}
	return a, nil
}

// hold moves amount from available to locked.
func hold(ctx context.Context, tx repo.Tx, w *entity.Wallet, amount decimal.Decimal) error {
	if w.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	w.Available = w.Available.Sub(amount)
	w.Locked = w.Locked.Add(amount)
	return tx.SaveWallet(ctx, w)
}

// Release settles a held amount: burn drops it from locked, otherwise it
// returns to available.
func Release(ctx context.Context, tx repo.Tx, t *entity.Transaction, burn bool) (*entity.Wallet, error) {
	w, err := tx.LockWallet(ctx, t.AccountID, t.Currency)
	if err != nil {
		return nil, err
	}
	amt := t.Hold()
	if w.Locked.LessThan(amt) {
		return nil, fmt.Errorf("release tx %d: locked %s below hold %s: %w", t.ID, w.Locked, amt, repo.ErrNegativeBalance)
	}
	w.Locked = w.Locked.Sub(amt)
	if !burn {
		w.Available = w.Available.Add(amt)
	}
	return w, tx.SaveWallet(ctx, w)
}

func details(v map[string]any) types.JSONText {
	b, err := json.Marshal(v)
	if err != nil {
		return types.JSONText("{}")
	}
	return types.JSONText(b)
}
