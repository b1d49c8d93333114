package processor

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/referral"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/utilities"
)

type WithdrawalRequest struct {
	AccountID   int64
	Currency    string
	Amount      decimal.Decimal
	Chain       string
	Destination string // address, or bank details for fiat
}

type WithdrawalResult struct {
	Tx        *entity.Transaction
	Fee       decimal.Decimal
	Available decimal.Decimal
}

// WithdrawalFee is the fee RequestWithdrawal will charge.
func (p *Processor) WithdrawalFee(currency string) decimal.Decimal {
	return p.cfg.WithdrawFee(config.NormalizeCurrency(currency))
}

// RequestWithdrawal reserves amount plus fee and records a pending
// withdrawal. Approval burns the reservation, rejection returns it. The
// referral bonus is paid on approval, not here.
func (p *Processor) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*WithdrawalResult, error) {
	cur, amt, err := normalize(req.Currency, req.Amount)
	if err != nil {
		return nil, err
	}
	fee := p.cfg.WithdrawFee(cur)
	res := &WithdrawalResult{Fee: fee}
	err = p.store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := lockActive(ctx, tx, req.AccountID); err != nil {
			return err
		}
		w, err := tx.LockWallet(ctx, req.AccountID, cur)
		if err != nil {
			return err
		}
		if err := hold(ctx, tx, w, amt.Add(fee)); err != nil {
			return err
		}
		t := &entity.Transaction{
			AccountID: req.AccountID,
			Type:      entity.TxWithdrawal,
			Currency:  cur,
			Amount:    amt.Neg(),
			Fee:       fee,
			Status:    entity.StatusPending,
			Details:   details(map[string]any{"chain": req.Chain, "destination": req.Destination}),
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		res.Tx, res.Available = t, w.Available
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Infow("withdrawal pending", "tx_id", res.Tx.ID, "account_id", req.AccountID, "currency", cur, "amount", amt.String(), "fee", fee.String())
	return res, nil
}

// Quote is a priced swap offer.
type Quote struct {
	From    string
	To      string
	Amount  decimal.Decimal
	Rate    decimal.Decimal
	Receive decimal.Decimal
}

// Quote prices swapping amount of from into to.
func (p *Processor) Quote(ctx context.Context, from, to string, amount decimal.Decimal) (*Quote, error) {
	from, amt, err := normalize(from, amount)
	if err != nil {
		return nil, err
	}
	to = config.NormalizeCurrency(to)
	if !Supported(to) {
		return nil, ErrUnknownCurrency
	}
	if from == to {
		return nil, ErrSameAsset
	}
	rate, err := p.prices.Rate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	receive := amt.Mul(rate).Round(scale)
	if !receive.IsPositive() {
		return nil, apperr.Validation("amount too small to swap")
	}
	return &Quote{From: from, To: to, Amount: amt, Rate: rate, Receive: receive}, nil
}

type SwapResult struct {
	Out      *entity.Transaction
	In       *entity.Transaction
	Referral *referral.Payout
}

// Swap executes a quote: debit From, credit To, two linked OTC_SWAP rows.
func (p *Processor) Swap(ctx context.Context, accountID int64, q Quote) (*SwapResult, error) {
	if q.From == q.To {
		return nil, ErrSameAsset
	}
	if !q.Amount.IsPositive() || !q.Receive.IsPositive() {
		return nil, ErrNonPositive
	}
	ref := "SWAP-" + utilities.NewSnowflakeID()
	meta := details(map[string]any{"rate": q.Rate.String(), "from": q.From, "to": q.To})
	res := &SwapResult{}
	err := p.store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := lockActive(ctx, tx, accountID); err != nil {
			return err
		}
		wallets, err := lockWallets(ctx, tx, walletKey{accountID, q.From}, walletKey{accountID, q.To})
		if err != nil {
			return err
		}
		src, dst := wallets[0], wallets[1]
		if src.Available.LessThan(q.Amount) {
			return ErrInsufficientFunds
		}
		src.Available = src.Available.Sub(q.Amount)
		dst.Available = dst.Available.Add(q.Receive)
		if err := tx.SaveWallet(ctx, src); err != nil {
			return err
		}
		if err := tx.SaveWallet(ctx, dst); err != nil {
			return err
		}
		out, in, err := insertPair(ctx, tx,
			&entity.Transaction{AccountID: accountID, Type: entity.TxSwap, Currency: q.From, Amount: q.Amount.Neg(), Status: entity.StatusCompleted, Reference: ref, Details: meta},
			&entity.Transaction{AccountID: accountID, Type: entity.TxSwap, Currency: q.To, Amount: q.Receive, Status: entity.StatusCompleted, Reference: ref, Details: meta},
		)
		if err != nil {
			return err
		}
		payout, err := p.referral.Apply(ctx, tx, accountID)
		if err != nil {
			return err
		}
		res.Out, res.In, res.Referral = out, in, payout
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Infow("swap completed", "account_id", accountID, "from", q.From, "to", q.To, "amount", q.Amount.String(), "receive", q.Receive.String(), "reference", ref)
	return res, nil
}

type TransferRequest struct {
	FromID   int64
	ToID     int64
	Currency string
	Amount   decimal.Decimal
}

type TransferResult struct {
	Out *entity.Transaction
	In  *entity.Transaction
}

// Transfer moves funds between two accounts in one commit.
func (p *Processor) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	cur, amt, err := normalize(req.Currency, req.Amount)
	if err != nil {
		return nil, err
	}
	if req.FromID == req.ToID {
		return nil, ErrSelfTransfer
	}
	ref := "TRF-" + utilities.NewSnowflakeID()
	res := &TransferResult{}
	err = p.store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := lockActive(ctx, tx, req.FromID); err != nil {
			return err
		}
		if _, err := tx.AccountByID(ctx, req.ToID); err != nil {
			return apperr.NotFound("recipient not found")
		}
		wallets, err := lockWallets(ctx, tx, walletKey{req.FromID, cur}, walletKey{req.ToID, cur})
		if err != nil {
			return err
		}
		src, dst := wallets[0], wallets[1]
		if src.Available.LessThan(amt) {
			return ErrInsufficientFunds
		}
		src.Available = src.Available.Sub(amt)
		dst.Available = dst.Available.Add(amt)
		if err := tx.SaveWallet(ctx, src); err != nil {
			return err
		}
		if err := tx.SaveWallet(ctx, dst); err != nil {
			return err
		}
		out, in, err := insertPair(ctx, tx,
			&entity.Transaction{AccountID: req.FromID, Type: entity.TxTransferOut, Currency: cur, Amount: amt.Neg(), Status: entity.StatusCompleted, Reference: ref},
			&entity.Transaction{AccountID: req.ToID, Type: entity.TxTransferIn, Currency: cur, Amount: amt, Status: entity.StatusCompleted, Reference: ref},
		)
		res.Out, res.In = out, in
		return err
	})
	if err != nil {
		return nil, err
	}
	p.logger.Infow("transfer completed", "from", req.FromID, "to", req.ToID, "currency", cur, "amount", amt.String(), "reference", ref)
	return res, nil
}

type walletKey struct {
	accountID int64
	currency  string
}

// lockWallets locks wallets in (account, currency) order so two operations
// over the same pair cannot deadlock, and returns them in argument order.
func lockWallets(ctx context.Context, tx repo.Tx, keys ...walletKey) ([]*entity.Wallet, error) {
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ka, kb := keys[order[a]], keys[order[b]]
		if ka.accountID != kb.accountID {
			return ka.accountID < kb.accountID
		}
		return ka.currency < kb.currency
	})
	out := make([]*entity.Wallet, len(keys))
	for _, i := range order {
		w, err := tx.LockWallet(ctx, keys[i].accountID, keys[i].currency)
		if err != nil {
			return nil, fmt.Errorf("lock wallet %d/%s: %w", keys[i].accountID, keys[i].currency, err)
		}
		out[i] = w
	}
	return out, nil
}

// insertPair writes two legs that reference each other.
func insertPair(ctx context.Context, tx repo.Tx, out, in *entity.Transaction) (*entity.Transaction, *entity.Transaction, error) {
	if err := tx.InsertTransaction(ctx, out); err != nil {
		return nil, nil, err
	}
	in.LinkedID = &out.ID
	if err := tx.InsertTransaction(ctx, in); err != nil {
		return nil, nil, err
	}
	out.LinkedID = &in.ID
	if err := tx.UpdateTransaction(ctx, out); err != nil {
		return nil, nil, err
	}
	return out, in, nil
}

// AdminCredit adds a completed ADMIN_CREDIT to the account and audits it.
func (p *Processor) AdminCredit(ctx context.Context, adminPhone string, accountID int64, currency string, amount decimal.Decimal) (*entity.Transaction, error) {
	cur, amt, err := normalize(currency, amount)
	if err != nil {
		return nil, err
	}
	t := &entity.Transaction{AccountID: accountID, Type: entity.TxAdminCredit, Currency: cur, Amount: amt, Status: entity.StatusCompleted, Reference: "ADMIN_CREDIT"}
	err = p.store.WithTx(ctx, func(tx repo.Tx) error {
		w, err := tx.LockWallet(ctx, accountID, cur)
		if err != nil {
			return err
		}
		w.Available = w.Available.Add(amt)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, &entity.AuditEntry{
			ID:         utilities.NewUUID(),
			AdminPhone: adminPhone,
			Action:     "admin_credit",
			TargetType: "account",
			TargetID:   fmt.Sprint(accountID),
			Detail:     amt.String() + " " + cur,
		})
	})
	if err != nil {
		return nil, err
	}
	p.logger.Infow("admin credit", "admin", adminPhone, "account_id", accountID, "currency", cur, "amount", amt.String())
	return t, nil
}
