// Package referral pays sponsors for referred accounts, at most once each.
package referral

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
)

// Payout describes a bonus that was paid inside the caller's transaction.
type Payout struct {
	SponsorID  int64
	ReferredID int64
	Amount     decimal.Decimal
	Currency   string
}

type Rule struct {
	reward   decimal.Decimal
	currency string
	logger   *zap.SugaredLogger
}

func NewRule(reward decimal.Decimal, currency string, logger *zap.SugaredLogger) *Rule {
	return &Rule{reward: reward, currency: currency, logger: logger}
}

// Apply runs inside the qualifying action's transaction. The referred account
// row is locked and its paid flag set in the same commit as the sponsor
// credit, so repeated or concurrent evaluations pay nothing further.
// A nil Payout means no bonus was due.
func (r *Rule) Apply(ctx context.Context, tx repo.Tx, referredID int64) (*Payout, error) {
	if !r.reward.IsPositive() {
		return nil, nil
	}
	a, err := tx.LockAccount(ctx, referredID)
	if err != nil {
		return nil, err
	}
	if a.SponsorID == nil || a.ReferralBonusPaid {
		return nil, nil
	}
	sponsorID := *a.SponsorID

	w, err := tx.LockWallet(ctx, sponsorID, r.currency)
	if err != nil {
		return nil, fmt.Errorf("referral: sponsor wallet: %w", err)
	}
	w.Available = w.Available.Add(r.reward)
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}
	if err := tx.InsertTransaction(ctx, &entity.Transaction{
		AccountID: sponsorID,
		Type:      entity.TxReferralBonus,
		Currency:  r.currency,
		Amount:    r.reward,
		Status:    entity.StatusCompleted,
		Reference: fmt.Sprintf("REFERRAL:%d", referredID),
	}); err != nil {
		return nil, err
	}
	a.ReferralBonusPaid = true
	if err := tx.UpdateAccount(ctx, a); err != nil {
		return nil, err
	}
	r.logger.Infow("referral bonus paid", "sponsor_id", sponsorID, "referred_id", referredID, "amount", r.reward.String(), "currency", r.currency)
	return &Payout{SponsorID: sponsorID, ReferredID: referredID, Amount: r.reward, Currency: r.currency}, nil
}

// Dashboard is what the referral command shows.
type Dashboard struct {
	Code      string
	Referrals int
	Earned    decimal.Decimal
	Reward    decimal.Decimal
	Currency  string
}

func (r *Rule) Dashboard(ctx context.Context, store repo.Reader, accountID int64) (*Dashboard, error) {
	a, err := store.AccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	n, err := store.CountReferrals(ctx, accountID)
	if err != nil {
		return nil, err
	}
	earned, err := store.SumCompleted(ctx, accountID, entity.TxReferralBonus)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Code: a.ReferralCode, Referrals: n, Earned: earned, Reward: r.reward, Currency: r.currency}, nil
}
