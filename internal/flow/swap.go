package flow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/processor"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

type swapStep string

const (
	swFrom    swapStep = "from"
	swTo      swapStep = "to"
	swAmount  swapStep = "amount"
	swConfirm swapStep = "confirm"
)

type swapState struct {
	Step    swapStep        `json:"step"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Rate    decimal.Decimal `json:"rate"`
	Receive decimal.Decimal `json:"receive"`
}

type swapFlow struct{ d *Deps }

func (f *swapFlow) Kind() session.Kind { return session.KindSwap }
func (f *swapFlow) Triggers() []string { return []string{"swap", "convert", "trade"} }
func (f *swapFlow) AdminOnly() bool    { return false }

func (f *swapFlow) Start(_ context.Context, t Turn) (Outcome, error) {
	if err := requireActive(t.Account); err != nil {
		return Outcome{}, err
	}
	return next(menu("Swap from which asset?", supportedCurrencies()), swapState{Step: swFrom})
}

func (f *swapFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st swapState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case swFrom:
		c, err := choose(t.Text, supportedCurrencies())
		if err != nil {
			return Outcome{}, err
		}
		st.From, st.Step = c, swTo
		return next(menu("Swap "+c+" to which asset?", supportedCurrencies()), st)

	case swTo:
		c, err := choose(t.Text, supportedCurrencies())
		if err != nil {
			return Outcome{}, err
		}
		if c == st.From {
			return Outcome{}, processor.ErrSameAsset
		}
		st.To, st.Step = c, swAmount
		return next(fmt.Sprintf("How much %s do you want to swap?", st.From), st)

	case swAmount:
		amt, err := parseAmount(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		q, err := f.d.Processor.Quote(ctx, st.From, st.To, amt)
		if err != nil {
			return Outcome{}, err
		}
		st.Amount, st.Rate, st.Receive, st.Step = q.Amount, q.Rate, q.Receive, swConfirm
		return next(fmt.Sprintf("Rate: 1 %s = %s %s\nYou pay %s and receive %s.\nType YES to confirm.",
			st.From, q.Rate.String(), st.To, money(q.Amount, st.From), money(q.Receive, st.To)), st)

	case swConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		res, err := f.d.Processor.Swap(ctx, t.Account.ID, processor.Quote{
			From: st.From, To: st.To, Amount: st.Amount, Rate: st.Rate, Receive: st.Receive,
		})
		if err != nil {
			return Outcome{}, err
		}
		f.d.notifySponsor(ctx, res.Referral)
		return done(fmt.Sprintf("Swap complete: %s to %s. Reference %s.",
			money(st.Amount, st.From), money(st.Receive, st.To), res.Out.Reference))
	}
	return Outcome{}, fmt.Errorf("swap: unknown step %q", st.Step)
}
