// Package approval finalizes pending transactions. Each approval or
// rejection is applied exactly once, audited in the same commit, and
// announced to the owner after the commit.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/notify"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/processor"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/referral"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/utilities"
)

var (
	ErrAlreadyProcessed = apperr.New(apperr.KindAlreadyProcessed, "transaction already processed")
	ErrNotApprovable    = apperr.New(apperr.KindValidation, "transaction type cannot be approved or rejected")
)

type Service struct {
	store    repo.Store
	referral *referral.Rule
	notifier notify.Notifier
	logger   *zap.SugaredLogger
}

// NewService builds the approval service. A nil rule pays no referral bonuses.
func NewService(store repo.Store, rule *referral.Rule, notifier notify.Notifier, logger *zap.SugaredLogger) *Service {
	return &Service{store: store, referral: rule, notifier: notifier, logger: logger}
}

// Pending lists transactions awaiting a decision, oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]entity.Transaction, error) {
	return s.store.ListPending(ctx, limit)
}

func (s *Service) ApproveDeposit(ctx context.Context, admin string, txID int64, reference string) (*entity.Transaction, error) {
	return s.decide(ctx, admin, txID, true, reference, entity.TxDeposit)
}

func (s *Service) RejectDeposit(ctx context.Context, admin string, txID int64, reason string) (*entity.Transaction, error) {
	return s.decide(ctx, admin, txID, false, reason, entity.TxDeposit)
}

func (s *Service) ApproveWithdrawal(ctx context.Context, admin string, txID int64, reference string) (*entity.Transaction, error) {
	return s.decide(ctx, admin, txID, true, reference, entity.TxWithdrawal)
}

func (s *Service) RejectWithdrawal(ctx context.Context, admin string, txID int64, reason string) (*entity.Transaction, error) {
	return s.decide(ctx, admin, txID, false, reason, entity.TxWithdrawal)
}

func (s *Service) ApproveGiftcard(ctx context.Context, admin string, txID int64, reference string) (*entity.Transaction, error) {
	return s.decide(ctx, admin, txID, true, reference, entity.TxGiftcard)
}

func (s *Service) RejectGiftcard(ctx context.Context, admin string, txID int64, reason string) (*entity.Transaction, error) {
	return s.decide(ctx, admin, txID, false, reason, entity.TxGiftcard)
}

// Approve dispatches on the stored transaction type. Stuck purchases are
// approvable here too so an admin can settle them.
func (s *Service) Approve(ctx context.Context, admin string, txID int64, reference string) (*entity.Transaction, error) {
	return s.decide(ctx, admin, txID, true, reference)
}

func (s *Service) Reject(ctx context.Context, admin string, txID int64, reason string) (*entity.Transaction, error) {
	return s.decide(ctx, admin, txID, false, reason)
}

func (s *Service) decide(ctx context.Context, admin string, txID int64, approve bool, note string, want ...entity.TxType) (*entity.Transaction, error) {
	var (
		out    *entity.Transaction
		owner  *entity.Account
		payout *referral.Payout
	)
	err := s.store.WithTx(ctx, func(tx repo.Tx) error {
		payout = nil
		t, err := tx.LockTransaction(ctx, txID)
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("transaction %d not found", txID)
		}
		if err != nil {
			return err
		}
		if len(want) > 0 && t.Type != want[0] {
			return apperr.Validation("transaction %d is a %s, not a %s", txID, t.Type, want[0])
		}
		if t.Status.Terminal() {
			return ErrAlreadyProcessed
		}

		switch t.Type {
		case entity.TxDeposit, entity.TxGiftcard:
			// the only path by which these become spendable
			if approve {
				w, err := tx.LockWallet(ctx, t.AccountID, t.Currency)
				if err != nil {
					return err
				}
				w.Available = w.Available.Add(t.Amount)
				if err := tx.SaveWallet(ctx, w); err != nil {
					return err
				}
			}
		case entity.TxWithdrawal, entity.TxPurchase:
			if _, err := processor.Release(ctx, tx, t, approve); err != nil {
				return err
			}
			// a withdrawal qualifies for the sponsor bonus once it is paid out
			if approve && t.Type == entity.TxWithdrawal && s.referral != nil {
				if payout, err = s.referral.Apply(ctx, tx, t.AccountID); err != nil {
					return err
				}
			}
		default:
			return ErrNotApprovable
		}

		action := "reject"
		t.Status = entity.StatusRejected
		if approve {
			action = "approve"
			t.Status = entity.StatusCompleted
			if note != "" {
				t.Reference = note
			}
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, &entity.AuditEntry{
			ID:         utilities.NewUUID(),
			AdminPhone: admin,
			Action:     action + "_" + string(t.Type),
			TargetType: "transaction",
			TargetID:   strconv.FormatInt(t.ID, 10),
			Detail:     note,
		}); err != nil {
			return err
		}
		if owner, err = tx.AccountByID(ctx, t.AccountID); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("transaction decided", "admin", admin, "tx_id", out.ID, "type", out.Type, "status", out.Status)
	s.notifier.Notify(ctx, notify.ContactOf(owner), outcomeMessage(out, note))
	s.notifySponsor(ctx, payout)
	return out, nil
}

func (s *Service) notifySponsor(ctx context.Context, p *referral.Payout) {
	if p == nil {
		return
	}
	sponsor, err := s.store.AccountByID(ctx, p.SponsorID)
	if err != nil {
		s.logger.Warnw("referral sponsor lookup failed", "sponsor_id", p.SponsorID, "err", err)
		return
	}
	s.notifier.Notify(ctx, notify.ContactOf(sponsor),
		fmt.Sprintf("Referral bonus: %s %s credited. Someone you invited just completed their first withdrawal.", p.Amount.StringFixed(2), p.Currency))
}

func outcomeMessage(t *entity.Transaction, note string) string {
	amount := t.Amount.Abs().String() + " " + t.Currency
	if t.Status == entity.StatusCompleted {
		switch t.Type {
		case entity.TxDeposit:
			return fmt.Sprintf("Deposit approved: %s has been credited to your wallet.", amount)
		case entity.TxGiftcard:
			return fmt.Sprintf("Gift card approved: %s has been credited to your wallet.", amount)
		case entity.TxWithdrawal:
			return fmt.Sprintf("Withdrawal of %s sent. Reference: %s", amount, t.Reference)
		}
		return fmt.Sprintf("Transaction #%d completed.", t.ID)
	}
	msg := fmt.Sprintf("Your %s #%d of %s was rejected.", typeLabel(t.Type), t.ID, amount)
	if t.Type == entity.TxWithdrawal || t.Type == entity.TxPurchase {
		msg += " The funds are back in your available balance."
	}
	if note != "" {
		msg += " Reason: " + note
	}
	return msg
}

func typeLabel(t entity.TxType) string {
	switch t {
	case entity.TxDeposit:
		return "deposit"
	case entity.TxWithdrawal:
		return "withdrawal"
	case entity.TxGiftcard:
		return "gift card"
	case entity.TxPurchase:
		return "purchase"
	}
	return "transaction"
}

// Unfreeze lifts a freeze and audits it.
func (s *Service) Unfreeze(ctx context.Context, admin string, accountID int64) (*entity.Account, error) {
	var a *entity.Account
	err := s.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		if a, err = tx.LockAccount(ctx, accountID); err != nil {
			return err
		}
		if !a.Frozen {
			return apperr.Validation("account %d is not frozen", accountID)
		}
		a.Frozen = false
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, &entity.AuditEntry{
			ID: utilities.NewUUID(), AdminPhone: admin, Action: "unfreeze",
			TargetType: "account", TargetID: strconv.FormatInt(accountID, 10),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("account unfrozen", "admin", admin, "account_id", accountID)
	s.notifier.Notify(ctx, notify.ContactOf(a), "Your account has been unfrozen. All features are available again.")
	return a, nil
}

// ReplyTicket answers a support ticket and forwards the reply to its owner.
func (s *Service) ReplyTicket(ctx context.Context, admin string, ticketID int64, reply string) (*entity.Ticket, error) {
	if reply == "" {
		return nil, apperr.Validation("reply cannot be empty")
	}
	var (
		tk    *entity.Ticket
		owner *entity.Account
	)
	err := s.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		tk, err = tx.Ticket(ctx, ticketID)
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("ticket %d not found", ticketID)
		}
		if err != nil {
			return err
		}
		if err := tx.ReplyTicket(ctx, ticketID, reply); err != nil {
			return err
		}
		if owner, err = tx.AccountByID(ctx, tk.AccountID); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, &entity.AuditEntry{
			ID: utilities.NewUUID(), AdminPhone: admin, Action: "reply_ticket",
			TargetType: "ticket", TargetID: strconv.FormatInt(ticketID, 10), Detail: reply,
		})
	})
	if err != nil {
		return nil, err
	}
	tk.AdminReply, tk.Status = &reply, entity.TicketReplied
	s.notifier.Notify(ctx, notify.ContactOf(owner), fmt.Sprintf("Support reply to ticket #%d:\n%s", ticketID, reply))
	return tk, nil
}
