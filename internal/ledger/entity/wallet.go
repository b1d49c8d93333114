package entity

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Wallet is the per-account, per-currency balance. Available is spendable;
// Locked holds funds reserved by pending withdrawals and purchases.
type Wallet struct {
	ID        int64           `db:"id" json:"id"`
	AccountID int64           `db:"account_id" json:"account_id"`
	Currency  string          `db:"currency" json:"currency"`
	Available decimal.Decimal `db:"available" json:"available"`
	Locked    decimal.Decimal `db:"locked" json:"locked"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Total is available plus locked.
func (w *Wallet) Total() decimal.Decimal { return w.Available.Add(w.Locked) }

type TxType string

const (
	TxDeposit       TxType = "DEPOSIT"
	TxWithdrawal    TxType = "WITHDRAWAL"
	TxSwap          TxType = "OTC_SWAP"
	TxTransferOut   TxType = "TRANSFER_OUT"
	TxTransferIn    TxType = "TRANSFER_IN"
	TxGiftcard      TxType = "GIFTCARD"
	TxReferralBonus TxType = "REFERRAL_BONUS"
	TxAdminCredit   TxType = "ADMIN_CREDIT"
	TxPurchase      TxType = "PURCHASE"
)

type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusRejected  TxStatus = "rejected"
)

// Terminal reports whether no further status change is allowed.
func (s TxStatus) Terminal() bool { return s == StatusCompleted || s == StatusRejected }

// Transaction is an append-only ledger row. Amount is signed (credits are
// positive); Fee is charged on top of a debit. Only Status, Reference and
// LinkedID change after insert.
type Transaction struct {
	ID        int64           `db:"id" json:"id"`
	AccountID int64           `db:"account_id" json:"account_id"`
	Type      TxType          `db:"type" json:"type"`
	Currency  string          `db:"currency" json:"currency"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Fee       decimal.Decimal `db:"fee" json:"fee"`
	Status    TxStatus        `db:"status" json:"status"`
	Reference string          `db:"reference" json:"reference"`
	LinkedID  *int64          `db:"linked_id" json:"linked_id,omitempty"`
	Details   types.JSONText  `db:"details" json:"details,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Effect is the change a completed transaction made to the wallet total.
func (t *Transaction) Effect() decimal.Decimal {
	if t.Status != StatusCompleted {
		return decimal.Zero
	}
	return t.Amount.Sub(t.Fee)
}

// Hold is the amount moved from available to locked while the transaction is pending.
func (t *Transaction) Hold() decimal.Decimal {
	return t.Amount.Neg().Add(t.Fee)
}
