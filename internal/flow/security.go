package flow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/account"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

type securityStep string

const (
	secMenu   securityStep = "menu"
	secFreeze securityStep = "freeze"
	secReport securityStep = "report"
	secOldPIN securityStep = "old_pin"
	secNewPIN securityStep = "new_pin"
)

var securityOptions = []string{"Freeze account", "2FA reset", "Report suspicious activity", "Change PIN", "Show account ID"}

type securityState struct {
	Step securityStep `json:"step"`
}

type securityFlow struct{ d *Deps }

func (f *securityFlow) Kind() session.Kind { return session.KindSecurity }
func (f *securityFlow) Triggers() []string { return []string{"security"} }
func (f *securityFlow) AdminOnly() bool    { return false }

func (f *securityFlow) Start(_ context.Context, _ Turn) (Outcome, error) {
	return next(menu("Security:", securityOptions), securityState{Step: secMenu})
}

func (f *securityFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st securityState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	id := t.Account.ID
	switch st.Step {
	case secMenu:
		opt, err := choose(t.Text, securityOptions)
		if err != nil {
			return Outcome{}, err
		}
		switch opt {
		case "Freeze account":
			if t.Account.Frozen {
				return done("Your account is already frozen.")
			}
			st.Step = secFreeze
			return next(fmt.Sprintf("Freezing blocks withdrawals, swaps, transfers and purchases until support unfreezes you.\nType your account ID (%d) to confirm.", id), st)
		case "2FA reset":
			return done("To reset two-factor access, open a ticket with: support 2FA reset. We will verify your identity before making changes.")
		case "Report suspicious activity":
			st.Step = secReport
			return next("Describe what happened.", st)
		case "Change PIN":
			st.Step = secOldPIN
			return next("Enter your current PIN.", st)
		}
		return done(fmt.Sprintf("Your account ID is %d.", id))

	case secFreeze:
		if t.Text != strconv.FormatInt(id, 10) {
			return Outcome{}, apperr.Validation("that does not match your account ID")
		}
		if err := f.d.Accounts.Freeze(ctx, id); err != nil {
			return Outcome{}, err
		}
		f.d.notifyAdmins(ctx, fmt.Sprintf("Account %d (%s) froze itself.", id, t.Account.Phone))
		return done("Your account is frozen. Contact support to unfreeze it.")

	case secReport:
		msg, err := nonEmpty(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		tk, err := f.d.openTicket(ctx, id, "security", msg)
		if err != nil {
			return Outcome{}, err
		}
		f.d.notifyAdmins(ctx, fmt.Sprintf("SECURITY report #%d from %s:\n%s", tk.ID, t.Account.Phone, msg))
		return done(fmt.Sprintf("Report #%d received. Our team will contact you. Type security to freeze your account meanwhile.", tk.ID))

	case secOldPIN:
		retry, err := f.d.checkPIN(ctx, t)
		if err != nil {
			return Outcome{}, err
		}
		if retry != "" {
			return next(retry, st)
		}
		st.Step = secNewPIN
		return next("Enter your new 4-digit PIN.", st)

	case secNewPIN:
		if !account.ValidPIN(t.Text) {
			return Outcome{}, account.ErrPINFormat
		}
		if err := f.d.Accounts.ChangePIN(ctx, id, t.Text); err != nil {
			return Outcome{}, err
		}
		return done("Your PIN has been changed.")
	}
	return Outcome{}, fmt.Errorf("security: unknown step %q", st.Step)
}
