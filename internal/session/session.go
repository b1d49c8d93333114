// Package session keeps per-account conversational state between messages.
// Losing sessions only restarts conversations; no ledger state lives here.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind names a flow. At most one session per (account, kind) exists.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindWithdraw      Kind = "withdraw"
	KindSwap          Kind = "swap"
	KindTransfer      Kind = "transfer"
	KindGiftcard      Kind = "giftcard"
	KindPurchase      Kind = "purchase"
	KindSecurity      Kind = "security"
	KindAdminCredit   Kind = "admin_credit"
	KindAdminReview   Kind = "admin_review"
	KindAdminReply    Kind = "admin_reply"
	KindAdminBcast    Kind = "admin_broadcast"
	KindAdminUnfreeze Kind = "admin_unfreeze"
)

// Session is the saved state of one flow. State holds the flow's own typed
// state struct encoded as JSON, so any backing store can persist it.
type Session struct {
	AccountID int64           `db:"account_id" json:"account_id"`
	Kind      Kind            `db:"kind" json:"kind"`
	State     json.RawMessage `db:"state" json:"state"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Decode unmarshals the stored state into v.
func (s *Session) Decode(v any) error {
	if err := json.Unmarshal(s.State, v); err != nil {
		return fmt.Errorf("decode %s session: %w", s.Kind, err)
	}
	return nil
}

// New builds a session holding v as its state.
func New(accountID int64, kind Kind, v any) (*Session, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s session: %w", kind, err)
	}
	return &Session{AccountID: accountID, Kind: kind, State: raw}, nil
}

// Store is the session store contract. Get returns (nil, nil) when absent.
type Store interface {
	Get(ctx context.Context, accountID int64, kind Kind) (*Session, error)
	Set(ctx context.Context, s *Session) error
	Clear(ctx context.Context, accountID int64, kind Kind) error
	ClearAll(ctx context.Context, accountID int64) error
	// Active returns the account's live sessions, most recently updated first.
	Active(ctx context.Context, accountID int64) ([]*Session, error)
}
