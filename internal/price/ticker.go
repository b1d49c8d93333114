package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TickerProvider prices coins from a spot ticker quoted in USDT and
// derives cross rates through USDT.
type TickerProvider struct {
	baseURL string
	client  *http.Client
}

func NewTickerProvider(baseURL string, timeout time.Duration) *TickerProvider {
	return &TickerProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type tickerResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			Price24hPcnt string `json:"price24hPcnt"`
		} `json:"list"`
	} `json:"result"`
}

func (t *TickerProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	pf, err := t.usdt(ctx, from)
	if err != nil {
		return decimal.Zero, err
	}
	pt, err := t.usdt(ctx, to)
	if err != nil {
		return decimal.Zero, err
	}
	if !pt.IsPositive() {
		return decimal.Zero, ErrUnavailable
	}
	return pf.DivRound(pt, 16), nil
}

// usdt returns the USDT price of one unit of coin.
func (t *TickerProvider) usdt(ctx context.Context, coin string) (decimal.Decimal, error) {
	if coin == "USDT" {
		return decimal.NewFromInt(1), nil
	}
	q := url.Values{"category": {"spot"}, "symbol": {coin + "USDT"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v5/market/tickers?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", coin, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("ticker %s: status %d", coin, resp.StatusCode)
	}
	var body tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", coin, err)
	}
	if body.RetCode != 0 || len(body.Result.List) == 0 {
		return decimal.Zero, fmt.Errorf("ticker %s: %w (%s)", coin, ErrUnavailable, body.RetMsg)
	}
	return decimal.NewFromString(body.Result.List[0].LastPrice)
}

// Mover is a USDT spot pair with its 24h change as a fraction (0.05 is +5%).
type Mover struct {
	Symbol string
	Last   decimal.Decimal
	Change decimal.Decimal
}

// Market lists the best performing pairs.
type Market interface {
	TopMovers(ctx context.Context, n int) ([]Mover, error)
}

// TopMovers returns the n USDT pairs with the highest 24h change.
func (t *TickerProvider) TopMovers(ctx context.Context, n int) ([]Mover, error) {
	q := url.Values{"category": {"spot"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v5/market/tickers?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tickers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tickers: status %d", resp.StatusCode)
	}
	var body tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("tickers: %w", err)
	}
	if body.RetCode != 0 {
		return nil, fmt.Errorf("tickers: %w (%s)", ErrUnavailable, body.RetMsg)
	}
	movers := make([]Mover, 0, len(body.Result.List))
	for _, e := range body.Result.List {
		if !strings.HasSuffix(e.Symbol, "USDT") {
			continue
		}
		last, err := decimal.NewFromString(e.LastPrice)
		if err != nil {
			continue
		}
		change, err := decimal.NewFromString(e.Price24hPcnt)
		if err != nil {
			continue
		}
		movers = append(movers, Mover{Symbol: e.Symbol, Last: last, Change: change})
	}
	sort.SliceStable(movers, func(i, j int) bool { return movers[i].Change.GreaterThan(movers[j].Change) })
	if len(movers) > n {
		movers = movers[:n]
	}
	return movers, nil
}
