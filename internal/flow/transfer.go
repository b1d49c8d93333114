package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/notify"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/processor"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

type transferStep string

const (
	trAsset     transferStep = "asset"
	trRecipient transferStep = "recipient"
	trAmount    transferStep = "amount"
	trConfirm   transferStep = "confirm"
)

type transferState struct {
	Step        transferStep    `json:"step"`
	Currency    string          `json:"currency,omitempty"`
	RecipientID int64           `json:"recipient_id,omitempty"`
	Recipient   string          `json:"recipient,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

type transferFlow struct{ d *Deps }

func (f *transferFlow) Kind() session.Kind { return session.KindTransfer }
func (f *transferFlow) Triggers() []string { return []string{"transfer", "send"} }
func (f *transferFlow) AdminOnly() bool    { return false }

func (f *transferFlow) Start(_ context.Context, t Turn) (Outcome, error) {
	if err := requireActive(t.Account); err != nil {
		return Outcome{}, err
	}
	return next(menu("Which asset do you want to send?", supportedCurrencies()), transferState{Step: trAsset})
}

func (f *transferFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st transferState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case trAsset:
		c, err := choose(t.Text, supportedCurrencies())
		if err != nil {
			return Outcome{}, err
		}
		st.Currency, st.Step = c, trRecipient
		return next("Enter the recipient's phone number, with country code.", st)

	case trRecipient:
		phone := config.NormalizePhone(t.Text)
		if phone == "" {
			return Outcome{}, apperr.Validation("enter a phone number, e.g. +2348012345678")
		}
		if phone == t.Account.Phone {
			return Outcome{}, processor.ErrSelfTransfer
		}
		to, err := f.d.Store.AccountByPhone(ctx, phone)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && !to.Active()) {
			return Outcome{}, apperr.Validation("no account uses %s; check the number and try again", phone)
		}
		if err != nil {
			return Outcome{}, err
		}
		st.RecipientID, st.Recipient, st.Step = to.ID, to.Phone, trAmount
		return next(fmt.Sprintf("How much %s do you want to send to %s?", st.Currency, to.Phone), st)

	case trAmount:
		amt, err := parseAmount(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.Amount, st.Step = amt, trConfirm
		return next(fmt.Sprintf("Send %s to %s?\nType YES to confirm.", money(amt, st.Currency), st.Recipient), st)

	case trConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		res, err := f.d.Processor.Transfer(ctx, processor.TransferRequest{
			FromID: t.Account.ID, ToID: st.RecipientID, Currency: st.Currency, Amount: st.Amount,
		})
		if err != nil {
			return Outcome{}, err
		}
		if to, err := f.d.Store.AccountByID(ctx, st.RecipientID); err == nil {
			f.d.Notifier.Notify(ctx, notify.ContactOf(to),
				fmt.Sprintf("You received %s from %s.", money(st.Amount, st.Currency), t.Account.Phone))
		}
		return done(fmt.Sprintf("Sent %s to %s. Reference %s.", money(st.Amount, st.Currency), st.Recipient, res.Out.Reference))
	}
	return Outcome{}, fmt.Errorf("transfer: unknown step %q", st.Step)
}
