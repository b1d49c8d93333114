// Package purchase talks to the VTU provider (airtime, data, bills).
// The ledger side of a purchase lives in the processor.
package purchase

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
)

type Kind string

const (
	Airtime     Kind = "airtime"
	Data        Kind = "data"
	Electricity Kind = "electricity"
	Betting     Kind = "betting"
	TV          Kind = "tv"
	EPins       Kind = "epins"
)

var Kinds = []Kind{Airtime, Data, Electricity, Betting, TV, EPins}

func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

var (
	networks          = set("mtn", "airtel", "glo", "9mobile")
	bettingProviders  = set("1xBet", "BangBet", "Bet9ja", "BetKing", "BetLand", "BetLion", "BetWay", "CloudBet", "LiveScoreBet", "MerryBet", "NaijaBet", "NairaBet", "SupaBet")
	tvProviders       = set("dstv", "gotv", "startimes", "showmax")
	electricityDiscos = set("ikeja-electric", "eko-electric", "abuja-electric", "kano-electric", "portharcourt-electric", "jos-electric", "ibadan-electric", "kaduna-electric", "enugu-electric", "benin-electric", "aba-electric", "yola-electric")
	epinValues        = set("100", "200", "500")

	minAmount = decimal.NewFromInt(100)
	maxAmount = decimal.NewFromInt(100000)
)

func set(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// Request is one purchase. Fields not used by Kind stay empty.
type Request struct {
	Kind       Kind            `json:"kind"`
	RequestID  string          `json:"request_id"`
	ServiceID  string          `json:"service_id"`
	Phone      string          `json:"phone,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
	Variation  string          `json:"variation_id,omitempty"`
	MeterType  string          `json:"meter_type,omitempty"`
	// Amount is the face value; for data and tv it is the package price.
	Amount     decimal.Decimal `json:"amount"`
	Quantity   int             `json:"quantity,omitempty"`
}

// Cost is the NGN amount the account pays.
func (r Request) Cost() decimal.Decimal {
	if r.Kind == EPins {
		return r.Amount.Mul(decimal.NewFromInt(int64(r.Quantity)))
	}
	return r.Amount
}

// Result is the provider's answer. A decline is a Result with Success false;
// transport failures are returned as errors instead.
type Result struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// Client performs purchases.
type Client interface {
	Purchase(ctx context.Context, req Request) (Result, error)
}

// ValidServiceID reports whether service is a known provider for kind.
func ValidServiceID(kind Kind, service string) bool {
	switch kind {
	case Airtime, Data, EPins:
		return networks[strings.ToLower(service)]
	case Betting:
		return bettingProviders[service]
	case TV:
		return tvProviders[strings.ToLower(service)]
	case Electricity:
		return electricityDiscos[strings.ToLower(service)]
	}
	return false
}

// Providers lists the service ids accepted for kind, sorted.
func Providers(kind Kind) []string {
	var m map[string]bool
	switch kind {
	case Airtime, Data, EPins:
		m = networks
	case Betting:
		m = bettingProviders
	case TV:
		m = tvProviders
	case Electricity:
		m = electricityDiscos
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidateTarget checks the provider and the phone or customer number only,
// so a conversation can reject them before asking for the rest.
func (r Request) ValidateTarget() error {
	if !ValidServiceID(r.Kind, r.ServiceID) {
		return apperr.Validation("unknown %s provider %q", r.Kind, r.ServiceID)
	}
	switch r.Kind {
	case Airtime, Data:
		if !validPhone(r.Phone) {
			return apperr.Validation("invalid phone number")
		}
	case Betting, TV, Electricity:
		if r.CustomerID == "" || !alnum(r.CustomerID) {
			return apperr.Validation("invalid customer/account number")
		}
	}
	return nil
}

// Validate applies the provider's field rules.
func (r Request) Validate() error {
	if err := r.ValidateTarget(); err != nil {
		return err
	}
	switch r.Kind {
	case Data, TV:
		if strings.TrimSpace(r.Variation) == "" {
			return apperr.Validation("choose a package")
		}
	case Electricity:
		if r.MeterType != "prepaid" && r.MeterType != "postpaid" {
			return apperr.Validation("meter type must be prepaid or postpaid")
		}
	case EPins:
		if !epinValues[r.Amount.String()] {
			return apperr.Validation("ePIN value must be 100, 200 or 500")
		}
		if r.Quantity < 1 || r.Quantity > 40 {
			return apperr.Validation("quantity must be between 1 and 40")
		}
		return nil
	}
	if r.Amount.LessThan(minAmount) || r.Amount.GreaterThan(maxAmount) {
		return apperr.Validation("amount must be between 100 and 100000 NGN")
	}
	return nil
}

func validPhone(p string) bool {
	p = strings.TrimPrefix(p, "+")
	if len(p) < 10 || len(p) > 15 {
		return false
	}
	for _, r := range p {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func alnum(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
