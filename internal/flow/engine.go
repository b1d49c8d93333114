package flow

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

var cancelWords = map[string]bool{"cancel": true, "exit": true, "stop": true, "abort": true}

const (
	msgCancelled    = "Cancelled. Nothing was changed. Type menu to see options."
	msgUnauthorized = "Unauthorized."
	msgSystem       = "Something went wrong and the operation was not applied. Your balance is unchanged."
	msgExternal     = "The service is temporarily unavailable. Please try again shortly."
	msgInsufficient = "Insufficient balance for this operation."
)

// Engine routes each message to onboarding, an active flow, a flow
// trigger or a one-shot command. Messages from one account are handled
// one at a time.
type Engine struct {
	deps     *Deps
	locker   *Locker
	flows    map[session.Kind]Flow
	triggers map[string]Flow
	commands *commands
}

func NewEngine(d Deps) *Engine {
	deps := &d
	e := &Engine{
		deps:     deps,
		locker:   NewLocker(),
		flows:    map[session.Kind]Flow{},
		triggers: map[string]Flow{},
		commands: &commands{deps},
	}
	for _, f := range []Flow{
		&depositFlow{deps}, &withdrawFlow{deps}, &swapFlow{deps}, &transferFlow{deps},
		&giftcardFlow{deps}, &purchaseFlow{deps}, &securityFlow{deps},
		&adminCreditFlow{deps}, &adminReviewFlow{deps}, &adminReplyFlow{deps},
		&adminBroadcastFlow{deps}, &adminUnfreezeFlow{deps},
	} {
		e.flows[f.Kind()] = f
		for _, t := range f.Triggers() {
			e.triggers[t] = f
		}
	}
	return e
}

// Handle processes one inbound message and returns the reply text.
func (e *Engine) Handle(ctx context.Context, msg Message) (string, error) {
	phone := config.NormalizePhone(msg.From)
	if phone == "" {
		return "", apperr.Validation("missing sender")
	}
	unlock := e.locker.Lock(phone)
	defer unlock()

	acct, created, err := e.deps.Accounts.Ensure(ctx, phone)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(msg.Text)
	t := Turn{
		Account: acct,
		Text:    text,
		Lower:   strings.ToLower(text),
		Media:   msg.MediaURL,
		Admin:   e.deps.Config.IsAdmin(phone),
	}

	if !acct.Active() {
		return e.onboard(ctx, t, created)
	}

	if cancelWords[t.Lower] {
		if err := e.deps.Sessions.ClearAll(ctx, acct.ID); err != nil {
			return "", err
		}
		return msgCancelled, nil
	}

	if f, ok := e.triggers[t.Lower]; ok {
		if f.AdminOnly() && !t.Admin {
			return msgUnauthorized, nil
		}
		// a new command supersedes whatever was in progress
		if err := e.deps.Sessions.ClearAll(ctx, acct.ID); err != nil {
			return "", err
		}
		out, err := f.Start(ctx, t)
		return e.settle(ctx, t, f, out, err)
	}

	active, err := e.deps.Sessions.Active(ctx, acct.ID)
	if err != nil {
		return "", err
	}
	for _, s := range active {
		f, ok := e.flows[s.Kind]
		if !ok {
			e.clearStale(ctx, acct.ID, s.Kind)
			continue
		}
		if f.AdminOnly() && !t.Admin {
			e.clearStale(ctx, acct.ID, s.Kind)
			return msgUnauthorized, nil
		}
		out, err := f.Step(ctx, t, s)
		return e.settle(ctx, t, f, out, err)
	}

	return e.commands.run(ctx, t)
}

// clearStale drops a session that can no longer be stepped. A failure is
// only logged; the reply does not depend on it.
func (e *Engine) clearStale(ctx context.Context, accountID int64, kind session.Kind) {
	if err := e.deps.Sessions.Clear(ctx, accountID, kind); err != nil {
		e.deps.Logger.Warnw("session clear failed", "account_id", accountID, "flow", kind, "err", err)
	}
}

// settle persists or clears the session according to the step result and
// turns errors into replies. Validation errors keep the session where it was.
func (e *Engine) settle(ctx context.Context, t Turn, f Flow, out Outcome, err error) (string, error) {
	id := t.Account.ID
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindValidation {
			e.deps.Logger.Debugw("flow input rejected", "account_id", id, "flow", f.Kind(), "err", err)
			return sentence(apperr.Message(err)) + "\n(type cancel to stop)", nil
		}
		if cerr := e.deps.Sessions.Clear(ctx, id, f.Kind()); cerr != nil {
			e.deps.Logger.Warnw("session clear failed", "account_id", id, "flow", f.Kind(), "err", cerr)
		}
		return e.terminal(t, f, err), nil
	}
	if out.Done {
		if err := e.deps.Sessions.Clear(ctx, id, f.Kind()); err != nil {
			return "", err
		}
		return out.Reply, nil
	}
	s, err := session.New(id, f.Kind(), out.State)
	if err != nil {
		return "", err
	}
	if err := e.deps.Sessions.Set(ctx, s); err != nil {
		return "", err
	}
	return out.Reply, nil
}

func (e *Engine) terminal(t Turn, f Flow, err error) string {
	log := e.deps.Logger.With("account_id", t.Account.ID, "flow", f.Kind(), "err", err)
	switch apperr.KindOf(err) {
	case apperr.KindInsufficientFunds:
		log.Infow("flow aborted: insufficient funds")
		return msgInsufficient
	case apperr.KindNotFound, apperr.KindAlreadyProcessed:
		log.Infow("flow aborted")
		return sentence(apperr.Message(err))
	case apperr.KindUnauthorized:
		log.Warnw("flow refused")
		if m := apperr.Message(err); m != "" {
			return sentence(m)
		}
		return msgUnauthorized
	case apperr.KindExternalService:
		log.Warnw("flow aborted: external service")
		return msgExternal
	}
	log.Errorw("flow failed")
	return msgSystem
}

func (e *Engine) onboard(ctx context.Context, t Turn, created bool) (string, error) {
	acct := t.Account
	if created {
		return promptLanguage, nil
	}
	var err error
	switch acct.Stage {
	case entity.StageNew:
		if err = e.deps.Accounts.ChooseLanguage(ctx, acct.ID, t.Text); err == nil {
			return promptReferral, nil
		}
	case entity.StageReferral:
		if err = e.deps.Accounts.ApplyReferralCode(ctx, acct.ID, t.Text); err == nil {
			return promptPIN, nil
		}
	case entity.StagePIN:
		if err = e.deps.Accounts.SetInitialPIN(ctx, acct.ID, t.Text); err == nil {
			return "Setup complete. Your account is active.\n\n" + helpText(t.Admin), nil
		}
	}
	if apperr.KindOf(err) == apperr.KindValidation {
		return sentence(apperr.Message(err)), nil
	}
	return "", err
}

// sentence capitalizes an error message for display.
func sentence(msg string) string {
	if msg == "" {
		return msg
	}
	r, n := utf8.DecodeRuneInString(msg)
	return string(unicode.ToUpper(r)) + msg[n:]
}

const (
	promptLanguage = "Welcome. Select a language:\n1. English\n2. Espanol\n3. Francais"
	promptReferral = "Language set. Do you have a referral code? Type the code (e.g. PPAY-ABCD-1234) or SKIP."
	promptPIN      = "Choose a 4-digit transaction PIN. You will need it to withdraw and buy."
)
