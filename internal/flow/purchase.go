package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/processor"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/purchase"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

type purchaseStep string

const (
	puKind      purchaseStep = "kind"
	puService   purchaseStep = "service"
	puTarget    purchaseStep = "target"
	puVariation purchaseStep = "variation"
	puMeter     purchaseStep = "meter"
	puAmount    purchaseStep = "amount"
	puQuantity  purchaseStep = "quantity"
	puPIN       purchaseStep = "pin"
	puConfirm   purchaseStep = "confirm"
)

var (
	purchaseKinds = []string{"airtime", "data", "electricity", "betting", "tv", "epins"}
	meterTypes    = []string{"prepaid", "postpaid"}
	epinValues    = []string{"100", "200", "500"}
)

type purchaseState struct {
	Step    purchaseStep     `json:"step"`
	Request purchase.Request `json:"request"`
}

type purchaseFlow struct{ d *Deps }

func (f *purchaseFlow) Kind() session.Kind { return session.KindPurchase }
func (f *purchaseFlow) Triggers() []string { return []string{"buy", "airtime", "bills"} }
func (f *purchaseFlow) AdminOnly() bool    { return false }

func (f *purchaseFlow) Start(_ context.Context, t Turn) (Outcome, error) {
	if err := requireActive(t.Account); err != nil {
		return Outcome{}, err
	}
	return next(menu("What do you want to buy? (paid from your NGN wallet)", purchaseKinds), purchaseState{Step: puKind})
}

func (f *purchaseFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st purchaseState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	req := &st.Request
	switch st.Step {
	case puKind:
		k, err := choose(t.Text, purchaseKinds)
		if err != nil {
			return Outcome{}, err
		}
		req.Kind, _ = purchase.ParseKind(k)
		st.Step = puService
		return next(menu("Choose a provider:", purchase.Providers(req.Kind)), st)

	case puService:
		svc, err := choose(t.Text, purchase.Providers(req.Kind))
		if err != nil {
			return Outcome{}, err
		}
		req.ServiceID = svc
		switch req.Kind {
		case purchase.EPins:
			st.Step = puAmount
			return next(menu("ePIN value?", epinValues), st)
		case purchase.Airtime, purchase.Data:
			st.Step = puTarget
			return next("Enter the phone number to top up.", st)
		}
		st.Step = puTarget
		return next("Enter the customer, smartcard or meter number.", st)

	case puTarget:
		if req.Kind == purchase.Airtime || req.Kind == purchase.Data {
			req.Phone = strings.TrimSpace(t.Text)
		} else {
			req.CustomerID = strings.TrimSpace(t.Text)
		}
		if err := req.ValidateTarget(); err != nil {
			return Outcome{}, err
		}
		switch req.Kind {
		case purchase.Data, purchase.TV:
			st.Step = puVariation
			return next("Enter the package (plan) code.", st)
		case purchase.Electricity:
			st.Step = puMeter
			return next(menu("Meter type?", meterTypes), st)
		}
		st.Step = puAmount
		return next("Enter the amount in NGN (100 - 100000).", st)

	case puVariation:
		v, err := nonEmpty(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		req.Variation, st.Step = v, puAmount
		return next("Enter the package price in NGN.", st)

	case puMeter:
		m, err := choose(t.Text, meterTypes)
		if err != nil {
			return Outcome{}, err
		}
		req.MeterType, st.Step = m, puAmount
		return next("Enter the amount in NGN (100 - 100000).", st)

	case puAmount:
		if req.Kind == purchase.EPins {
			v, err := choose(t.Text, epinValues)
			if err != nil {
				return Outcome{}, err
			}
			req.Amount = decimal.RequireFromString(v)
			st.Step = puQuantity
			return next("How many pins? (1 - 40)", st)
		}
		amt, err := parseAmount(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		req.Amount = amt
		if err := req.Validate(); err != nil {
			return Outcome{}, err
		}
		st.Step = puPIN
		return next("Enter your 4-digit PIN.", st)

	case puQuantity:
		n, err := strconv.Atoi(strings.TrimSpace(t.Text))
		if err != nil {
			return Outcome{}, apperr.Validation("enter a whole number between 1 and 40")
		}
		req.Quantity = n
		if err := req.Validate(); err != nil {
			return Outcome{}, err
		}
		st.Step = puPIN
		return next("Enter your 4-digit PIN.", st)

	case puPIN:
		retry, err := f.d.checkPIN(ctx, t)
		if err != nil {
			return Outcome{}, err
		}
		if retry != "" {
			return next(retry, st)
		}
		st.Step = puConfirm
		return next(fmt.Sprintf("Buy %s %s for %s?\nType YES to confirm.", req.ServiceID, req.Kind, money(req.Cost(), "NGN")), st)

	case puConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		res, err := f.d.Processor.Purchase(ctx, t.Account.ID, *req)
		if errors.Is(err, processor.ErrPurchaseDeclined) {
			return done(sentence(apperr.Message(err)) + ". Your NGN wallet was not charged.")
		}
		if err != nil {
			return Outcome{}, err
		}
		return done(fmt.Sprintf("Purchase successful: %s %s for %s. Reference %s.",
			req.ServiceID, req.Kind, money(req.Cost(), "NGN"), res.Tx.Reference))
	}
	return Outcome{}, fmt.Errorf("purchase: unknown step %q", st.Step)
}
