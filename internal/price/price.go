// Package price resolves exchange rates between assets from an ordered
// list of providers, each attempt bounded by a timeout.
package price

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
)

var ErrUnavailable = apperr.New(apperr.KindExternalService, "rate unavailable")

// Provider returns how many units of `to` one unit of `from` buys.
type Provider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Chain asks providers in order and returns the first positive rate.
type Chain struct {
	providers []Provider
	timeout   time.Duration
	logger    *zap.SugaredLogger
}

func NewChain(timeout time.Duration, logger *zap.SugaredLogger, providers ...Provider) *Chain {
	return &Chain{providers: providers, timeout: timeout, logger: logger}
}

func (c *Chain) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	var lastErr error = ErrUnavailable
	for i, p := range c.providers {
		rate, err := c.try(ctx, p, from, to)
		if err == nil && rate.IsPositive() {
			return rate, nil
		}
		if err == nil {
			err = ErrUnavailable
		}
		lastErr = err
		c.logger.Debugw("price provider miss", "provider", i, "from", from, "to", to, "err", err)
		if ctx.Err() != nil {
			break
		}
	}
	return decimal.Zero, apperr.External(fmt.Sprintf("no rate available for %s to %s", from, to), lastErr)
}

func (c *Chain) try(ctx context.Context, p Provider, from, to string) (decimal.Decimal, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return p.Rate(ctx, from, to)
}

// OTCProvider serves desk rates set by configuration. Buy rates price a
// coin sold for fiat; sell rates price fiat spent on a coin.
type OTCProvider struct {
	buy  map[string]decimal.Decimal
	sell map[string]decimal.Decimal
}

func NewOTCProvider(buy, sell map[string]decimal.Decimal) *OTCProvider {
	return &OTCProvider{buy: buy, sell: sell}
}

func (o *OTCProvider) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if r, ok := o.buy[from+"_"+to]; ok && r.IsPositive() {
		return r, nil
	}
	if r, ok := o.sell[to+"_"+from]; ok && r.IsPositive() {
		return decimal.NewFromInt(1).DivRound(r, 16), nil
	}
	return decimal.Zero, ErrUnavailable
}
