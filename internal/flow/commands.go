package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
)

// commands answers single-message requests that need no session.
type commands struct {
	deps *Deps
}

func (c *commands) run(ctx context.Context, t Turn) (string, error) {
	word, rest, _ := strings.Cut(t.Lower, " ")
	var (
		reply string
		err   error
	)
	switch word {
	case "balance", "bal":
		reply, err = c.balance(ctx, t)
	case "history":
		reply, err = c.history(ctx, t)
	case "referral", "invite":
		reply, err = c.referral(ctx, t)
	case "alert":
		reply, err = c.alert(ctx, t, rest)
	case "alerts":
		reply, err = c.alerts(ctx, t)
	case "support":
		// keep the user's casing
		_, msg, _ := strings.Cut(t.Text, " ")
		reply, err = c.support(ctx, t, msg)
	case "tickets":
		reply, err = c.tickets(ctx, t)
	case "rates":
		reply = c.rates()
	case "price":
		reply, err = c.price(ctx, rest)
	case "top":
		reply, err = c.top(ctx)
	case "pending":
		if !t.Admin {
			return msgUnauthorized, nil
		}
		reply, err = c.pending(ctx)
	case "opentickets":
		if !t.Admin {
			return msgUnauthorized, nil
		}
		reply, err = c.openTickets(ctx)
	case "users":
		if !t.Admin {
			return msgUnauthorized, nil
		}
		reply, err = c.users(ctx)
	default:
		return helpText(t.Admin), nil
	}
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindValidation, apperr.KindNotFound:
			return sentence(apperr.Message(err)), nil
		case apperr.KindExternalService:
			c.deps.Logger.Warnw("command failed", "account_id", t.Account.ID, "command", word, "err", err)
			return msgExternal, nil
		}
		c.deps.Logger.Errorw("command failed", "account_id", t.Account.ID, "command", word, "err", err)
		return msgSystem, nil
	}
	return reply, nil
}

func (c *commands) balance(ctx context.Context, t Turn) (string, error) {
	ws, err := c.deps.Store.Wallets(ctx, t.Account.ID)
	if err != nil {
		return "", err
	}
	if len(ws) == 0 {
		return "You have no wallets yet. Type deposit to fund your account.", nil
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Currency < ws[j].Currency })
	var b strings.Builder
	b.WriteString("Your balances:")
	for _, w := range ws {
		fmt.Fprintf(&b, "\n%s: %s", w.Currency, money(w.Available, w.Currency))
		if w.Locked.IsPositive() {
			fmt.Fprintf(&b, " (locked %s)", money(w.Locked, w.Currency))
		}
	}
	if t.Account.Frozen {
		b.WriteString("\n\nYour account is frozen. Contact support to unfreeze it.")
	}
	return b.String(), nil
}

func (c *commands) history(ctx context.Context, t Turn) (string, error) {
	txs, err := c.deps.Store.ListTransactions(ctx, t.Account.ID, 5)
	if err != nil {
		return "", err
	}
	if len(txs) == 0 {
		return "No transactions yet.", nil
	}
	var b strings.Builder
	b.WriteString("Recent transactions:")
	for _, tr := range txs {
		fmt.Fprintf(&b, "\n#%d %s %s %s [%s]", tr.ID, tr.CreatedAt.Format("2006-01-02"), tr.Type, money(tr.Amount, tr.Currency), tr.Status)
	}
	return b.String(), nil
}

func (c *commands) referral(ctx context.Context, t Turn) (string, error) {
	d, err := c.deps.Referral.Dashboard(ctx, c.deps.Store, t.Account.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Your referral code: %s\nPeople referred: %d\nTotal earned: %s\n\nYou earn %s when someone you invite makes their first trade.",
		d.Code, d.Referrals, money(d.Earned, d.Currency), money(d.Reward, d.Currency)), nil
}

func (c *commands) alert(ctx context.Context, t Turn, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", apperr.Validation("usage: alert <SYMBOL> <PRICE>, e.g. alert BTC 65000")
	}
	target, err := decimal.NewFromString(strings.ReplaceAll(fields[1], ",", ""))
	if err != nil {
		return "", apperr.Validation("usage: alert <SYMBOL> <PRICE>, e.g. alert BTC 65000")
	}
	a, current, err := c.deps.Alerts.Create(ctx, t.Account.ID, fields[0], target)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Alert set: %s %s %s (now %s).", a.Symbol, a.Direction, a.Target.String(), current.String()), nil
}

func (c *commands) alerts(ctx context.Context, t Turn) (string, error) {
	list, err := c.deps.Alerts.List(ctx, t.Account.ID)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "You have no active alerts. Set one with: alert BTC 65000", nil
	}
	var b strings.Builder
	b.WriteString("Active alerts:")
	for _, a := range list {
		fmt.Fprintf(&b, "\n%s %s %s", a.Symbol, a.Direction, a.Target.String())
	}
	return b.String(), nil
}

func (c *commands) support(ctx context.Context, t Turn, msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", apperr.Validation("usage: support <your message>")
	}
	tk, err := c.deps.openTicket(ctx, t.Account.ID, "general", msg)
	if err != nil {
		return "", err
	}
	c.deps.notifyAdmins(ctx, fmt.Sprintf("Support ticket #%d from %s:\n%s", tk.ID, t.Account.Phone, msg))
	return fmt.Sprintf("Ticket #%d opened. We will reply here.", tk.ID), nil
}

func (c *commands) tickets(ctx context.Context, t Turn) (string, error) {
	list, err := c.deps.Store.TicketsByAccount(ctx, t.Account.ID, 3)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "You have no support tickets.", nil
	}
	var b strings.Builder
	b.WriteString("Your tickets:")
	for _, tk := range list {
		fmt.Fprintf(&b, "\n#%d [%s] %s", tk.ID, tk.Status, tk.Message)
		if tk.AdminReply != nil {
			fmt.Fprintf(&b, "\n  Reply: %s", *tk.AdminReply)
		}
	}
	return b.String(), nil
}

func (c *commands) rates() string {
	cfg := c.deps.Config
	if len(cfg.BuyRates) == 0 && len(cfg.SellRates) == 0 {
		return "No desk rates are published right now."
	}
	pairs := make([]string, 0, len(cfg.BuyRates))
	seen := map[string]bool{}
	for _, m := range []map[string]decimal.Decimal{cfg.BuyRates, cfg.SellRates} {
		for p := range m {
			if !seen[p] {
				seen[p] = true
				pairs = append(pairs, p)
			}
		}
	}
	sort.Strings(pairs)
	var b strings.Builder
	b.WriteString("Desk rates (we buy / we sell):")
	for _, p := range pairs {
		buy, sell := "-", "-"
		if r, ok := cfg.BuyRates[p]; ok {
			buy = r.String()
		}
		if r, ok := cfg.SellRates[p]; ok {
			sell = r.String()
		}
		fmt.Fprintf(&b, "\n%s: %s / %s", strings.ReplaceAll(p, "_", "/"), buy, sell)
	}
	return b.String()
}

func (c *commands) price(ctx context.Context, args string) (string, error) {
	fields := strings.Fields(strings.ToUpper(args))
	if len(fields) != 1 {
		return "", apperr.Validation("usage: price <SYMBOL>, e.g. price BTC")
	}
	symbol := strings.TrimSuffix(strings.ReplaceAll(fields[0], "/", ""), "USDT")
	if symbol == "" || c.deps.Prices == nil {
		return "", apperr.Validation("usage: price <SYMBOL>, e.g. price BTC")
	}
	rate, err := c.deps.Prices.Rate(ctx, symbol, "USDT")
	if err != nil {
		if apperr.KindOf(err) == apperr.KindExternalService {
			return "", apperr.NotFound("no live price for %s", symbol)
		}
		return "", err
	}
	return fmt.Sprintf("%s live price: %s USDT", symbol, rate.Round(4).String()), nil
}

func (c *commands) top(ctx context.Context) (string, error) {
	if c.deps.Market == nil {
		return "", apperr.External("market data not configured", nil)
	}
	movers, err := c.deps.Market.TopMovers(ctx, 5)
	if err != nil {
		return "", apperr.External("market data unavailable", err)
	}
	if len(movers) == 0 {
		return "No market data right now.", nil
	}
	var b strings.Builder
	b.WriteString("Top market movers (24h):")
	for i, m := range movers {
		pct := m.Change.Mul(decimal.NewFromInt(100)).StringFixed(1)
		if !m.Change.IsNegative() {
			pct = "+" + pct
		}
		fmt.Fprintf(&b, "\n%d. %s %s%% (%s)", i+1, m.Symbol, pct, m.Last.String())
	}
	return b.String(), nil
}

func (c *commands) users(ctx context.Context) (string, error) {
	list, err := c.deps.Store.ListAccounts(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No users yet.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Users (%d):", len(list))
	for _, a := range list {
		status := "active"
		switch {
		case a.Frozen:
			status = "frozen"
		case !a.Active():
			status = string(a.Stage)
		}
		fmt.Fprintf(&b, "\n#%d %s [%s]", a.ID, a.Phone, status)
	}
	return b.String(), nil
}

func (c *commands) pending(ctx context.Context) (string, error) {
	txs, err := c.deps.Approvals.Pending(ctx, 20)
	if err != nil {
		return "", err
	}
	if len(txs) == 0 {
		return "No pending transactions.", nil
	}
	return pendingList(txs), nil
}

func pendingList(txs []entity.Transaction) string {
	var b strings.Builder
	b.WriteString("Pending:")
	for _, tr := range txs {
		fmt.Fprintf(&b, "\n#%d %s acct %d %s", tr.ID, tr.Type, tr.AccountID, money(tr.Amount.Abs(), tr.Currency))
		if tr.Reference != "" {
			fmt.Fprintf(&b, " ref %s", tr.Reference)
		}
	}
	return b.String()
}

func (c *commands) openTickets(ctx context.Context) (string, error) {
	list, err := c.deps.Store.OpenTickets(ctx, 20)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No open tickets.", nil
	}
	var b strings.Builder
	b.WriteString("Open tickets:")
	for _, tk := range list {
		fmt.Fprintf(&b, "\n#%d acct %d [%s] %s", tk.ID, tk.AccountID, tk.Category, tk.Message)
	}
	return b.String(), nil
}

func helpText(admin bool) string {
	s := `Menu:
deposit, withdraw, swap, transfer, giftcard, buy
balance, history, referral, rates
price <SYMBOL>, top
alert <SYMBOL> <PRICE>, alerts
support <message>, tickets, security
Type cancel at any time to stop.`
	if admin {
		s += "\n\nAdmin: credit, review, pending, reply, opentickets, users, broadcast, unfreeze"
	}
	return s
}
