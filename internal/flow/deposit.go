package flow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/processor"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

type depositStep string

const (
	depMethod   depositStep = "method"
	depAsset    depositStep = "asset"
	depChain    depositStep = "chain"
	depCurrency depositStep = "currency"
	depChannel  depositStep = "channel"
	depAmount   depositStep = "amount"
	depRef      depositStep = "sender_ref"
	depConfirm  depositStep = "confirm"
)

const (
	methodCrypto = "crypto"
	methodFiat   = "fiat"
	methodP2P    = "p2p"
)

var depositMethods = []string{methodCrypto, methodFiat, methodP2P}

type depositState struct {
	Step      depositStep     `json:"step"`
	Method    string          `json:"method,omitempty"`
	Currency  string          `json:"currency,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	SenderRef string          `json:"sender_ref,omitempty"`
}

type depositFlow struct{ d *Deps }

func (f *depositFlow) Kind() session.Kind { return session.KindDeposit }
func (f *depositFlow) Triggers() []string { return []string{"deposit", "fund"} }
func (f *depositFlow) AdminOnly() bool    { return false }

func (f *depositFlow) Start(_ context.Context, _ Turn) (Outcome, error) {
	return next(menu("How would you like to deposit?", []string{"Crypto", "Fiat (bank transfer)", "P2P"}), depositState{Step: depMethod})
}

func (f *depositFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st depositState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case depMethod:
		m, err := choose(t.Text, depositMethods)
		if err != nil {
			return Outcome{}, err
		}
		st.Method = m
		if m == methodCrypto {
			st.Step = depAsset
			return next(menu("Which coin?", config.Coins), st)
		}
		st.Step = depCurrency
		return next(menu("Which currency?", fiatCurrencies), st)

	case depAsset:
		c, err := choose(t.Text, config.Coins)
		if err != nil {
			return Outcome{}, err
		}
		st.Currency = c
		st.Step = depChain
		return next(menu("Which network?", config.ChainsFor(c)), st)

	case depChain:
		chain, err := choose(t.Text, config.ChainsFor(st.Currency))
		if err != nil {
			return Outcome{}, err
		}
		addr, _ := config.DepositAddress(st.Currency, chain)
		st.Channel = chain
		st.Step = depAmount
		return next(fmt.Sprintf("Send %s on %s to:\n%s\n\nOnly send %s on this network. Then enter the amount you sent.", st.Currency, chain, addr, st.Currency), st)

	case depCurrency:
		c, err := choose(t.Text, fiatCurrencies)
		if err != nil {
			return Outcome{}, err
		}
		st.Currency = c
		if st.Method == methodFiat {
			st.Channel = "bank"
			st.Step = depAmount
			return next(fmt.Sprintf("Transfer the %s amount to the bank account provided by support, then enter the amount you sent.", c), st)
		}
		st.Step = depChannel
		return next("Which P2P channel did you pay through? (e.g. Opay, Palmpay, Chipper)", st)

	case depChannel:
		ch, err := nonEmpty(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.Channel = ch
		st.Step = depAmount
		return next("Enter the amount you sent.", st)

	case depAmount:
		amt, err := parseAmount(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.Amount = amt
		st.Step = depRef
		if st.Method == methodCrypto {
			return next("Enter the transaction hash of your transfer.", st)
		}
		return next("Enter the sender name or bank reference of your transfer.", st)

	case depRef:
		ref, err := nonEmpty(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.SenderRef = ref
		st.Step = depConfirm
		return next(fmt.Sprintf("Confirm deposit of %s via %s (%s), reference %s?\nType YES to submit.",
			money(st.Amount, st.Currency), st.Method, st.Channel, ref), st)

	case depConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		tx, err := f.d.Processor.CreateDeposit(ctx, processor.DepositRequest{
			AccountID: t.Account.ID,
			Method:    st.Method,
			Currency:  st.Currency,
			Channel:   st.Channel,
			Amount:    st.Amount,
			SenderRef: st.SenderRef,
		})
		if err != nil {
			return Outcome{}, err
		}
		f.d.notifyAdmins(ctx, fmt.Sprintf("New deposit #%d from %s: %s via %s (%s), ref %s. Type review to process.",
			tx.ID, t.Account.Phone, money(tx.Amount, tx.Currency), st.Method, st.Channel, st.SenderRef))
		return done(fmt.Sprintf("Deposit #%d submitted. Your wallet is credited once we confirm the payment.", tx.ID))
	}
	return Outcome{}, fmt.Errorf("deposit: unknown step %q", st.Step)
}
