package flow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/processor"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

type giftcardStep string

const (
	gcType    giftcardStep = "type"
	gcRegion  giftcardStep = "region"
	gcForm    giftcardStep = "form"
	gcValue   giftcardStep = "value"
	gcCode    giftcardStep = "code"
	gcProof   giftcardStep = "proof"
	gcConfirm giftcardStep = "confirm"
)

var (
	cardTypes   = []string{"Amazon", "Apple/iTunes", "Steam", "Google Play", "Razer Gold", "Sephora", "Vanilla", "Walmart", "eBay", "Nordstrom"}
	cardRegions = []string{"US", "UK", "EU", "CA"}
	cardForms   = []string{"PHYSICAL", "ECODE"}
)

type giftcardState struct {
	Step     giftcardStep    `json:"step"`
	CardType string          `json:"card_type,omitempty"`
	Region   string          `json:"region,omitempty"`
	Form     string          `json:"form,omitempty"`
	Value    decimal.Decimal `json:"value"`
	Code     string          `json:"code,omitempty"`
	ProofURL string          `json:"proof_url,omitempty"`
}

type giftcardFlow struct{ d *Deps }

func (f *giftcardFlow) Kind() session.Kind { return session.KindGiftcard }
func (f *giftcardFlow) Triggers() []string { return []string{"giftcard", "gift card", "redeem"} }
func (f *giftcardFlow) AdminOnly() bool    { return false }

func (f *giftcardFlow) Start(_ context.Context, _ Turn) (Outcome, error) {
	return next(menu("Which card are you redeeming?", cardTypes), giftcardState{Step: gcType})
}

func (f *giftcardFlow) Step(ctx context.Context, t Turn, s *session.Session) (Outcome, error) {
	var st giftcardState
	if err := s.Decode(&st); err != nil {
		return Outcome{}, err
	}
	switch st.Step {
	case gcType:
		c, err := choose(t.Text, cardTypes)
		if err != nil {
			return Outcome{}, err
		}
		st.CardType, st.Step = c, gcRegion
		return next(menu("Card country?", cardRegions), st)

	case gcRegion:
		r, err := choose(t.Text, cardRegions)
		if err != nil {
			return Outcome{}, err
		}
		st.Region, st.Step = r, gcForm
		return next(menu("Card form?", []string{"Physical card", "E-code"}), st)

	case gcForm:
		form, err := choose(t.Text, cardForms)
		if err != nil {
			switch t.Lower {
			case "physical", "physical card":
				form, err = "PHYSICAL", nil
			case "e-code", "code":
				form, err = "ECODE", nil
			default:
				return Outcome{}, err
			}
		}
		st.Form, st.Step = form, gcValue
		return next("Enter the card value (face amount).", st)

	case gcValue:
		v, err := parseAmount(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.Value, st.Step = v, gcCode
		return next("Enter the card code.", st)

	case gcCode:
		code, err := nonEmpty(t.Text)
		if err != nil {
			return Outcome{}, err
		}
		st.Code = code
		if st.Form == "PHYSICAL" {
			st.Step = gcProof
			return next("Send a photo of the card, or type SKIP.", st)
		}
		st.Step = gcConfirm
		return next(f.summary(st), st)

	case gcProof:
		switch {
		case t.Media != "":
			st.ProofURL = t.Media
		case t.Lower == "skip":
		default:
			return Outcome{}, apperr.Validation("attach a photo of the card or type SKIP")
		}
		st.Step = gcConfirm
		return next(f.summary(st), st)

	case gcConfirm:
		ok, err := confirm(t.Lower)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return done(msgCancelled)
		}
		tx, err := f.d.Processor.CreateGiftcard(ctx, processor.GiftcardRequest{
			AccountID: t.Account.ID,
			CardType:  st.CardType,
			Region:    st.Region,
			Form:      st.Form,
			Value:     st.Value,
			Code:      st.Code,
			ProofURL:  st.ProofURL,
		})
		if err != nil {
			return Outcome{}, err
		}
		msg := fmt.Sprintf("New gift card #%d from %s: %s %s %s, value %s, code %s.",
			tx.ID, t.Account.Phone, st.Region, st.CardType, st.Form, money(tx.Amount, tx.Currency), st.Code)
		if st.ProofURL != "" {
			msg += "\nProof: " + st.ProofURL
		}
		f.d.notifyAdmins(ctx, msg+" Type review to process.")
		return done(fmt.Sprintf("Gift card #%d submitted for review. Reference %s.", tx.ID, tx.Reference))
	}
	return Outcome{}, fmt.Errorf("giftcard: unknown step %q", st.Step)
}

func (f *giftcardFlow) summary(st giftcardState) string {
	return fmt.Sprintf("Redeem %s %s (%s) worth %s?\nType YES to submit.", st.Region, st.CardType, st.Form, st.Value.String())
}
