package processor

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/utilities"
)

type DepositRequest struct {
	AccountID int64
	Method    string // crypto, fiat or p2p
	Currency  string
	Channel   string // chain for crypto, bank or P2P channel for fiat
	Amount    decimal.Decimal
	SenderRef string
}

// CreateDeposit records a pending deposit. The wallet is untouched until an
// admin approves it.
func (p *Processor) CreateDeposit(ctx context.Context, req DepositRequest) (*entity.Transaction, error) {
	cur, amt, err := normalize(req.Currency, req.Amount)
	if err != nil {
		return nil, err
	}
	t := &entity.Transaction{
		AccountID: req.AccountID,
		Type:      entity.TxDeposit,
		Currency:  cur,
		Amount:    amt,
		Status:    entity.StatusPending,
		Reference: req.SenderRef,
		Details:   details(map[string]any{"method": req.Method, "channel": req.Channel, "sender_ref": req.SenderRef}),
	}
	err = p.store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.AccountByID(ctx, req.AccountID); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Infow("deposit pending", "tx_id", t.ID, "account_id", t.AccountID, "currency", cur, "amount", amt.String())
	return t, nil
}

type GiftcardRequest struct {
	AccountID int64
	CardType  string
	Region    string
	Form      string // PHYSICAL or ECODE
	Value     decimal.Decimal
	Code      string
	ProofURL  string
}

// CreateGiftcard records a pending redemption credited in the region's currency on approval.
func (p *Processor) CreateGiftcard(ctx context.Context, req GiftcardRequest) (*entity.Transaction, error) {
	cur, ok := config.GiftcardCurrency(req.Region)
	if !ok {
		return nil, apperr.Validation("unsupported card region %q", req.Region)
	}
	cur, amt, err := normalize(cur, req.Value)
	if err != nil {
		return nil, err
	}
	t := &entity.Transaction{
		AccountID: req.AccountID,
		Type:      entity.TxGiftcard,
		Currency:  cur,
		Amount:    amt,
		Status:    entity.StatusPending,
		Reference: "GC-" + utilities.NewSnowflakeID(),
		Details: details(map[string]any{
			"card_type": req.CardType, "region": req.Region, "form": req.Form,
			"code": req.Code, "proof_url": req.ProofURL,
		}),
	}
	err = p.store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := lockActive(ctx, tx, req.AccountID); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Infow("giftcard pending", "tx_id", t.ID, "account_id", t.AccountID, "card", req.CardType, "value", amt.String(), "currency", cur)
	return t, nil
}
