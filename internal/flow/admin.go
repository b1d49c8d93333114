package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/notify"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

// Admin flows. The engine only dispatches them for configured admin phones,
// and each one commits only after an explicit yes.

type adminStep string

const (
	adminAccount  adminStep = "account"
	adminCurrency adminStep = "currency"
	adminAmount   adminStep = "amount"
	adminTx       adminStep = "tx"
	adminDecision adminStep = "decision"
	adminNote     adminStep = "note"
	adminTicket   adminStep = "ticket"
	adminMessage  adminStep = "message"
	adminConfirm  adminStep = "confirm"
)

// lookupAccount resolves an account by numeric id or phone number.
func (d *Deps) lookupAccount(ctx context.Context, input string) (*entity.Account, error) {
	in := strings.TrimSpace(input)
	var (
		a   *entity.Account
		err error
	)
	if id, perr := parseID(in); perr == nil && !strings.HasPrefix(in, "+") {
		a, err = d.Store.AccountByID(ctx, id)
	} else {
		a, err = d.Store.AccountByPhone(ctx, config.NormalizePhone(in))
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apperr.Validation("no account matches %q", in)
	}
	return a, err
}

// credit

type creditState struct {
	Step      adminStep       `json:"step"`
	AccountID int64           `json:"account_id,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	Currency  string          `json:"currency,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

type adminCreditFlow struct{ d *Deps }

func (f *adminCreditFlow) Kind() session.Kind { return session.KindAdminCredit }
func (f *adminCreditFlow) Triggers() []string { return []string{"credit"} }
func (f *adminCreditFlow) AdminOnly() bool    { return true }

func (f *adminCreditFlow) Start(_ context.Context, _ Turn) (Outcome, error) {
	return next("Credit which account? Enter the account ID or phone number.", creditState{Step: adminAccount})
}

func (f *adminCreditFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st creditState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case adminAccount:
		a, err := f.d.lookupAccount(ctx, t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.AccountID, st.Phone, st.Step = a.ID, a.Phone, adminCurrency
		return next(menu(fmt.Sprintf("Account %d (%s). Which currency?", a.ID, a.Phone), supportedCurrencies()), st)
	case adminCurrency:
		c, err := choose(t.Text, supportedCurrencies())
		if err != nil {
			return Outcome{}, err
		}
		st.Currency, st.Step = c, adminAmount
		return next("Amount to credit?", st)
	case adminAmount:
		amt, err := parseAmount(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.Amount, st.Step = amt, adminConfirm
		return next(fmt.Sprintf("Credit %s to account %d (%s)?\nType YES to confirm.", money(amt, st.Currency), st.AccountID, st.Phone), st)
	case adminConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		tx, err := f.d.Processor.AdminCredit(ctx, t.Account.Phone, st.AccountID, st.Currency, st.Amount)
		if err != nil {
			return Outcome{}, err
		}
		f.d.Notifier.Notify(ctx, notify.Contact{AccountID: st.AccountID, Phone: st.Phone},
			fmt.Sprintf("Your %s wallet was credited with %s.", st.Currency, money(st.Amount, st.Currency)))
		return done(fmt.Sprintf("Credited %s to account %d (tx #%d).", money(st.Amount, st.Currency), st.AccountID, tx.ID))
	}
	return Outcome{}, fmt.Errorf("admin credit: unknown step %q", st.Step)
}

// review: approve or reject a pending transaction

type reviewState struct {
	Step    adminStep `json:"step"`
	TxID    int64     `json:"tx_id,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Approve bool      `json:"approve"`
	Note    string    `json:"note,omitempty"`
}

type adminReviewFlow struct{ d *Deps }

func (f *adminReviewFlow) Kind() session.Kind { return session.KindAdminReview }
func (f *adminReviewFlow) Triggers() []string { return []string{"review"} }
func (f *adminReviewFlow) AdminOnly() bool    { return true }

func (f *adminReviewFlow) Start(ctx context.Context, _ Turn) (Outcome, error) {
	txs, err := f.d.Approvals.Pending(ctx, 20)
	if err != nil {
		return Outcome{}, err
	}
	if len(txs) == 0 {
		return done("No pending transactions.")
	}
	return next(pendingList(txs)+"\n\nEnter the transaction ID to review.", reviewState{Step: adminTx})
}

func (f *adminReviewFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st reviewState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case adminTx:
		id, err := parseID(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		tr, err := f.d.Store.Transaction(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return Outcome{}, apperr.Validation("transaction %d not found", id)
		}
		if err != nil {
			return Outcome{}, err
		}
		if tr.Status != entity.StatusPending {
			return Outcome{}, apperr.Validation("transaction %d is already %s", id, tr.Status)
		}
		st.TxID, st.Step = id, adminDecision
		st.Summary = fmt.Sprintf("#%d %s acct %d %s", tr.ID, tr.Type, tr.AccountID, money(tr.Amount.Abs(), tr.Currency))
		return next(st.Summary+"\nApprove or reject?", st)
	case adminDecision:
		switch t.Lower {
		case "approve", "a", "1":
			st.Approve = true
			st.Step = adminNote
			return next("Enter the settlement reference (tx hash or bank ref), or SKIP.", st)
		case "reject", "r", "2":
			st.Approve = false
			st.Step = adminNote
			return next("Enter the rejection reason.", st)
		}
		return Outcome{}, apperr.Validation("type APPROVE or REJECT")
	case adminNote:
		note, err := nonEmpty(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		if st.Approve && strings.EqualFold(note, "skip") {
			note = ""
		}
		st.Note, st.Step = note, adminConfirm
		verb := "Reject"
		if st.Approve {
			verb = "Approve"
		}
		return next(fmt.Sprintf("%s %s?\nType YES to confirm.", verb, st.Summary), st)
	case adminConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		admin := t.Account.Phone
		if st.Approve {
			tr, err := f.d.Approvals.Approve(ctx, admin, st.TxID, st.Note)
			if err != nil {
				return Outcome{}, err
			}
			return done(fmt.Sprintf("Transaction #%d approved.", tr.ID))
		}
		tr, err := f.d.Approvals.Reject(ctx, admin, st.TxID, st.Note)
		if err != nil {
			return Outcome{}, err
		}
		return done(fmt.Sprintf("Transaction #%d rejected.", tr.ID))
	}
	return Outcome{}, fmt.Errorf("admin review: unknown step %q", st.Step)
}

// reply to a support ticket

type replyState struct {
	Step     adminStep `json:"step"`
	TicketID int64     `json:"ticket_id,omitempty"`
	Reply    string    `json:"reply,omitempty"`
}

type adminReplyFlow struct{ d *Deps }

func (f *adminReplyFlow) Kind() session.Kind { return session.KindAdminReply }
func (f *adminReplyFlow) Triggers() []string { return []string{"reply"} }
func (f *adminReplyFlow) AdminOnly() bool    { return true }

func (f *adminReplyFlow) Start(_ context.Context, _ Turn) (Outcome, error) {
	return next("Reply to which ticket? Enter the ticket ID.", replyState{Step: adminTicket})
}

func (f *adminReplyFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st replyState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case adminTicket:
		id, err := parseID(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		tk, err := f.d.Store.Ticket(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return Outcome{}, apperr.Validation("ticket %d not found", id)
		}
		if err != nil {
			return Outcome{}, err
		}
		st.TicketID, st.Step = id, adminMessage
		return next(fmt.Sprintf("Ticket #%d [%s]: %s\nType your reply.", tk.ID, tk.Category, tk.Message), st)
	case adminMessage:
		msg, err := nonEmpty(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.Reply, st.Step = msg, adminConfirm
		return next(fmt.Sprintf("Send this reply to ticket #%d?\n%s\nType YES to confirm.", st.TicketID, msg), st)
	case adminConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		if _, err := f.d.Approvals.ReplyTicket(ctx, t.Account.Phone, st.TicketID, st.Reply); err != nil {
			return Outcome{}, err
		}
		return done(fmt.Sprintf("Reply sent on ticket #%d.", st.TicketID))
	}
	return Outcome{}, fmt.Errorf("admin reply: unknown step %q", st.Step)
}

// broadcast to every account

type broadcastState struct {
	Step    adminStep `json:"step"`
	Message string    `json:"message,omitempty"`
}

type adminBroadcastFlow struct{ d *Deps }

func (f *adminBroadcastFlow) Kind() session.Kind { return session.KindAdminBcast }
func (f *adminBroadcastFlow) Triggers() []string { return []string{"broadcast"} }
func (f *adminBroadcastFlow) AdminOnly() bool    { return true }

func (f *adminBroadcastFlow) Start(_ context.Context, _ Turn) (Outcome, error) {
	return next("Type the announcement to send to all users.", broadcastState{Step: adminMessage})
}

func (f *adminBroadcastFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st broadcastState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case adminMessage:
		msg, err := nonEmpty(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.Message, st.Step = msg, adminConfirm
		return next("Send this to all users?\n\n"+msg+"\n\nType YES to confirm.", st)
	case adminConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		accounts, err := f.d.Store.ListAccounts(ctx)
		if err != nil {
			return Outcome{}, err
		}
		recipients := make([]notify.Contact, 0, len(accounts))
		for i := range accounts {
			if accounts[i].Active() {
				recipients = append(recipients, notify.ContactOf(&accounts[i]))
			}
		}
		admin := notify.ContactOf(t.Account)
		f.d.Logger.Infow("broadcast started", "admin", admin.Phone, "recipients", len(recipients))
		// the request context ends with this reply
		go notify.Broadcast(context.WithoutCancel(ctx), f.d.Notifier, recipients, st.Message, f.d.BroadcastInterval, admin)
		return done(fmt.Sprintf("Broadcast queued for %d users. You will get a summary when it finishes.", len(recipients)))
	}
	return Outcome{}, fmt.Errorf("admin broadcast: unknown step %q", st.Step)
}

// unfreeze

type unfreezeState struct {
	Step      adminStep `json:"step"`
	AccountID int64     `json:"account_id,omitempty"`
	Phone     string    `json:"phone,omitempty"`
}

type adminUnfreezeFlow struct{ d *Deps }

func (f *adminUnfreezeFlow) Kind() session.Kind { return session.KindAdminUnfreeze }
func (f *adminUnfreezeFlow) Triggers() []string { return []string{"unfreeze"} }
func (f *adminUnfreezeFlow) AdminOnly() bool    { return true }

func (f *adminUnfreezeFlow) Start(_ context.Context, _ Turn) (Outcome, error) {
	return next("Unfreeze which account? Enter the account ID or phone number.", unfreezeState{Step: adminAccount})
}

func (f *adminUnfreezeFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st unfreezeState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case adminAccount:
		a, err := f.d.lookupAccount(ctx, t.Text)
		if err != nil {
			return Outcome{}, err
		}
		if !a.Frozen {
			return Outcome{}, apperr.Validation("account %d is not frozen", a.ID)
		}
		st.AccountID, st.Phone, st.Step = a.ID, a.Phone, adminConfirm
		return next(fmt.Sprintf("Unfreeze account %d (%s)?\nType YES to confirm.", a.ID, a.Phone), st)
	case adminConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		if _, err := f.d.Approvals.Unfreeze(ctx, t.Account.Phone, st.AccountID); err != nil {
			return Outcome{}, err
		}
		return done(fmt.Sprintf("Account %d unfrozen.", st.AccountID))
	}
	return Outcome{}, fmt.Errorf("admin unfreeze: unknown step %q", st.Step)
}
