package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/account"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/processor"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

type withdrawStep string

const (
	wdAsset       withdrawStep = "asset"
	wdAmount      withdrawStep = "amount"
	wdChain       withdrawStep = "chain"
	wdDestination withdrawStep = "destination"
	wdPIN         withdrawStep = "pin"
	wdConfirm     withdrawStep = "confirm"
)

var errPINLocked = apperr.New(apperr.KindUnauthorized,
	fmt.Sprintf("Too many wrong PIN attempts. The request was cancelled and PIN entry is locked for %d minutes.", int(account.PINLockout.Minutes())))

type withdrawState struct {
	Step        withdrawStep    `json:"step"`
	Currency    string          `json:"currency,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Chain       string          `json:"chain,omitempty"`
	Destination string          `json:"destination,omitempty"`
}

type withdrawFlow struct{ d *Deps }

func (f *withdrawFlow) Kind() session.Kind { return session.KindWithdraw }
func (f *withdrawFlow) Triggers() []string { return []string{"withdraw", "cashout"} }
func (f *withdrawFlow) AdminOnly() bool    { return false }

func (f *withdrawFlow) Start(_ context.Context, t Turn) (Outcome, error) {
	if err := requireActive(t.Account); err != nil {
		return Outcome{}, err
	}
	return next(menu("Which asset do you want to withdraw?", supportedCurrencies()), withdrawState{Step: wdAsset})
}

func (f *withdrawFlow) available(ctx context.Context, accountID int64, currency string) (decimal.Decimal, error) {
	ws, err := f.d.Store.Wallets(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, w := range ws {
		if w.Currency == currency {
			return w.Available, nil
		}
	}
	return decimal.Zero, nil
}

func (f *withdrawFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st withdrawState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case wdAsset:
		c, err := choose(t.Text, supportedCurrencies())
		if err != nil {
			return Outcome{}, err
		}
		bal, err := f.available(ctx, t.Account.ID, c)
		if err != nil {
			return Outcome{}, err
		}
		st.Currency, st.Fee, st.Step = c, f.d.Processor.WithdrawalFee(c), wdAmount
		return next(fmt.Sprintf("Available: %s\nFee: %s\nHow much %s do you want to withdraw?", money(bal, c), money(st.Fee, c), c), st)

	case wdAmount:
		amt, err := parseAmount(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		bal, err := f.available(ctx, t.Account.ID, st.Currency)
		if err != nil {
			return Outcome{}, err
		}
		if bal.LessThan(amt.Add(st.Fee)) {
			return Outcome{}, processor.ErrInsufficientFunds
		}
		st.Amount = amt
		if chains := config.ChainsFor(st.Currency); len(chains) > 0 {
			st.Step = wdChain
			return next(menu("Which network?", chains), st)
		}
		st.Step = wdDestination
		return next("Enter your bank name, account number and account name.", st)

	case wdChain:
		chain, err := choose(t.Text, config.ChainsFor(st.Currency))
		if err != nil {
			return Outcome{}, err
		}
		st.Chain, st.Step = chain, wdDestination
		return next(fmt.Sprintf("Enter your %s address on %s.", st.Currency, chain), st)

	case wdDestination:
		dest, err := nonEmpty(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.Destination, st.Step = dest, wdPIN
		return next("Enter your 4-digit PIN.", st)

	case wdPIN:
		retry, err := f.d.checkPIN(ctx, t)
		if err != nil {
			return Outcome{}, err
		}
		if retry != "" {
			return next(retry, st)
		}
		st.Step = wdConfirm
		return next(fmt.Sprintf("Withdraw %s (fee %s) to %s?\nType YES to confirm.",
			money(st.Amount, st.Currency), money(st.Fee, st.Currency), st.Destination), st)

	case wdConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		res, err := f.d.Processor.RequestWithdrawal(ctx, processor.WithdrawalRequest{
			AccountID:   t.Account.ID,
			Currency:    st.Currency,
			Amount:      st.Amount,
			Chain:       st.Chain,
			Destination: st.Destination,
		})
		if err != nil {
			return Outcome{}, err
		}
		f.d.notifyAdmins(ctx, withdrawalAlert(t.Account, res.Tx, st))
		return done(fmt.Sprintf("Withdrawal #%d of %s submitted. Fee: %s. Available balance: %s.",
			res.Tx.ID, money(st.Amount, st.Currency), money(res.Fee, st.Currency), money(res.Available, st.Currency)))
	}
	return Outcome{}, fmt.Errorf("withdraw: unknown step %q", st.Step)
}

func withdrawalAlert(a *entity.Account, tx *entity.Transaction, st withdrawState) string {
	dest := st.Destination
	if st.Chain != "" {
		dest = st.Chain + " " + dest
	}
	return fmt.Sprintf("New withdrawal #%d from %s: %s (fee %s) to %s. Type review to process.",
		tx.ID, a.Phone, money(st.Amount, st.Currency), money(st.Fee, st.Currency), dest)
}

// checkPIN verifies t.Text against the account PIN. A wrong PIN yields a
// re-prompt; the account's last allowed failure, or an active lockout,
// aborts the flow.
func (d *Deps) checkPIN(ctx context.Context, t Turn) (retry string, err error) {
	left, err := d.Accounts.CheckPIN(ctx, t.Account.ID, t.Text)
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, account.ErrBadPIN):
		d.Logger.Warnw("wrong PIN", "account_id", t.Account.ID, "attempts_left", left)
		return fmt.Sprintf("Incorrect PIN. %d attempt(s) left.", left), nil
	case errors.Is(err, account.ErrPINLocked):
		return "", errPINLocked
	}
	return "", err
}
