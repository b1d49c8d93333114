// Package flow drives the chat conversations. Each flow is a small state
// machine whose state lives in the session store between messages; ledger
// effects happen only in a flow's terminal step.
package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/account"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/alert"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/approval"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/notify"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/price"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/processor"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/referral"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

// Message is one inbound chat message.
type Message struct {
	From     string `json:"from"`
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
}

// Turn is what a flow sees for one message.
type Turn struct {
	Account *entity.Account
	Text    string
	Lower   string
	Media   string
	Admin   bool
}

// Outcome is the result of a step. State is saved for the next turn unless
// Done is set, in which case the session is cleared.
type Outcome struct {
	Reply string
	State any
	Done  bool
}

func next(reply string, state any) (Outcome, error) { return Outcome{Reply: reply, State: state}, nil }

func done(reply string) (Outcome, error) { return Outcome{Reply: reply, Done: true}, nil }

// Flow is one conversational operation.
type Flow interface {
	Kind() session.Kind
	// Triggers are the exact commands that start the flow.
	Triggers() []string
	AdminOnly() bool
	Start(ctx context.Context, t Turn) (Outcome, error)
	Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error)
}

// Deps are the collaborators shared by all flows.
type Deps struct {
	Config    config.Config
	Store     repo.Store
	Sessions  session.Store
	Accounts  *account.Service
	Processor *processor.Processor
	Approvals *approval.Service
	Alerts    *alert.Service
	Referral  *referral.Rule
	// Prices and Market back the price and top commands.
	Prices    price.Provider
	Market    price.Market
	Notifier  notify.Notifier
	Logger    *zap.SugaredLogger
	// BroadcastInterval spaces out broadcast messages.
	BroadcastInterval time.Duration
}

func (d *Deps) notifyAdmins(ctx context.Context, msg string) {
	notify.NotifyAll(ctx, d.Notifier, notify.Admins(d.Config.AdminPhones), msg)
}

// notifySponsor tells a sponsor about a bonus paid in a committed transaction.
func (d *Deps) notifySponsor(ctx context.Context, p *referral.Payout) {
	if p == nil {
		return
	}
	sponsor, err := d.Store.AccountByID(ctx, p.SponsorID)
	if err != nil {
		d.Logger.Warnw("referral sponsor lookup failed", "sponsor_id", p.SponsorID, "err", err)
		return
	}
	d.Notifier.Notify(ctx, notify.ContactOf(sponsor),
		fmt.Sprintf("Referral bonus: %s %s credited. Someone you invited just made their first trade.", p.Amount.StringFixed(2), p.Currency))
}

func (d *Deps) openTicket(ctx context.Context, accountID int64, category, msg string) (*entity.Ticket, error) {
	tk := &entity.Ticket{AccountID: accountID, Category: category, Message: msg, Status: entity.TicketOpen}
	if err := d.Store.WithTx(ctx, func(tx repo.Tx) error { return tx.CreateTicket(ctx, tk) }); err != nil {
		return nil, err
	}
	return tk, nil
}

// input helpers

var (
	errAmount  = apperr.New(apperr.KindValidation, "enter a valid amount greater than zero, e.g. 25 or 0.5")
	errChoice  = apperr.New(apperr.KindValidation, "pick one of the listed options")
	errConfirm = apperr.New(apperr.KindValidation, "type YES to confirm or CANCEL to stop")
	errEmpty   = apperr.New(apperr.KindValidation, "this field cannot be empty")
)

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, errAmount
	}
	return d, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("enter a numeric id")
	}
	return id, nil
}

// choose accepts either the 1-based number of an option or its name.
func choose(input string, options []string) (string, error) {
	in := strings.TrimSpace(input)
	if n, err := strconv.Atoi(in); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], nil
	}
	for _, o := range options {
		if strings.EqualFold(o, in) {
			return o, nil
		}
	}
	return "", errChoice
}

func nonEmpty(s string) (string, error) {
	if s = strings.TrimSpace(s); s == "" {
		return "", errEmpty
	}
	return s, nil
}

func isYes(lower string) bool { return lower == "yes" || lower == "y" || lower == "confirm" }

func isNo(lower string) bool { return lower == "no" || lower == "n" }

// confirm returns (true, nil) on yes, (false, nil) on no and a re-prompt otherwise.
func confirm(lower string) (bool, error) {
	switch {
	case isYes(lower):
		return true, nil
	case isNo(lower):
		return false, nil
	}
	return false, errConfirm
}

func menu(title string, options []string) string {
	var b strings.Builder
	b.WriteString(title)
	for i, o := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o)
	}
	return b.String()
}

func money(d decimal.Decimal, currency string) string {
	if config.Fiat[currency] {
		return d.StringFixed(2) + " " + currency
	}
	return d.String() + " " + currency
}

// menu order for fiat; config.Fiat is a set
var fiatCurrencies = []string{"NGN", "USD", "GBP", "EUR", "CAD", "GHS", "KES"}

func supportedCurrencies() []string {
	out := append([]string(nil), config.Coins...)
	return append(out, fiatCurrencies...)
}

// requireActive refuses money-moving flows on frozen accounts at the first step.
func requireActive(a *entity.Account) error {
	if a.Frozen {
		return account.ErrFrozen
	}
	return nil
}
