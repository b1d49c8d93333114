package flow

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/purchase"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/referral"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/session"
)

const (
	admin = "+2348000000001"
	alice = "+2348000000002"
	bob   = "+2348000000003"
)

var d = decimal.RequireFromString

type rates map[string]decimal.Decimal

func (r rates) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if v, ok := r[from+"_"+to]; ok {
		return v, nil
	}
	return decimal.Zero, apperr.External("price unavailable", nil)
}

type stubMarket struct {
	movers []price.Mover
	err    error
}

func (s *stubMarket) TopMovers(_ context.Context, n int) ([]price.Mover, error) {
	if len(s.movers) > n {
		return s.movers[:n], s.err
	}
	return s.movers, s.err
}

type stubVTU struct {
	res purchase.Result
}

func (s *stubVTU) Purchase(context.Context, purchase.Request) (purchase.Result, error) {
	return s.res, nil
}

type fixture struct {
	engine   *Engine
	store    repo.Store
	sessions session.Store
	proc     *processor.Processor
	rec      *notify.Recorder
	vtu      *stubVTU
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	store := repo.NewMemoryStore()
	sessions := session.NewMemoryStore(0)
	cfg := config.Config{
		AdminPhones:      []string{admin},
		WithdrawFees:     map[string]decimal.Decimal{"USDT": d("1.0")},
		ReferralReward:   decimal.NewFromInt(500),
		ReferralCurrency: "NGN",
		BuyRates:         map[string]decimal.Decimal{"USDT_NGN": d("1550")},
		SellRates:        map[string]decimal.Decimal{"USDT_NGN": d("1600")},
	}
	prices := rates{"USDT_BTC": d("0.00002"), "BTC_USDT": d("50000")}
	vtu := &stubVTU{res: purchase.Result{Success: true, Reference: "ORD-1"}}
	rec := notify.NewRecorder()
	rule := referral.NewRule(cfg.ReferralReward, cfg.ReferralCurrency, logger)
	proc := processor.New(store, cfg, prices, vtu, rule, logger)
	e := NewEngine(Deps{
		Config:    cfg,
		Store:     store,
		Sessions:  sessions,
		Accounts:  account.NewService(store, account.BcryptHasher{Cost: 4}, logger),
		Processor: proc,
		Approvals: approval.NewService(store, rule, rec, logger),
		Alerts:    alert.NewService(store, prices, rec, logger),
		Referral:  rule,
		Prices:    prices,
		Market: &stubMarket{movers: []price.Mover{
			{Symbol: "SOLUSDT", Last: d("150.2"), Change: d("0.123")},
			{Symbol: "BTCUSDT", Last: d("50000"), Change: d("-0.01")},
		}},
		Notifier: rec,
		Logger:   logger,
	})
	return &fixture{engine: e, store: store, sessions: sessions, proc: proc, rec: rec, vtu: vtu}
}

func (f *fixture) send(t *testing.T, from string, texts ...string) string {
	t.Helper()
	var reply string
	for _, text := range texts {
		var err error
		reply, err = f.engine.Handle(context.Background(), Message{From: from, Text: text})
		require.NoError(t, err, "message %q", text)
	}
	return reply
}

// onboard takes phone through language, referral and PIN setup.
func (f *fixture) onboard(t *testing.T, phone string) *entity.Account {
	t.Helper()
	assert.Contains(t, f.send(t, phone, "hi"), "Select a language")
	assert.Contains(t, f.send(t, phone, "1"), "referral code")
	assert.Contains(t, f.send(t, phone, "skip"), "PIN")
	assert.Contains(t, f.send(t, phone, "1234"), "Setup complete")
	return f.account(t, phone)
}

func (f *fixture) account(t *testing.T, phone string) *entity.Account {
	t.Helper()
	a, err := f.store.AccountByPhone(context.Background(), phone)
	require.NoError(t, err)
	return a
}

func (f *fixture) fund(t *testing.T, accountID int64, currency, amount string) {
	t.Helper()
	_, err := f.proc.AdminCredit(context.Background(), admin, accountID, currency, d(amount))
	require.NoError(t, err)
}

func (f *fixture) wallet(t *testing.T, accountID int64, currency string) entity.Wallet {
	t.Helper()
	ws, err := f.store.Wallets(context.Background(), accountID)
	require.NoError(t, err)
	for _, w := range ws {
		if w.Currency == currency {
			return w
		}
	}
	return entity.Wallet{AccountID: accountID, Currency: currency}
}

func (f *fixture) active(t *testing.T, accountID int64) []*session.Session {
	t.Helper()
	s, err := f.sessions.Active(context.Background(), accountID)
	require.NoError(t, err)
	return s
}

func TestOnboardingWithReferral(t *testing.T) {
	f := newFixture(t)
	sponsor := f.onboard(t, alice)
	assert.Equal(t, entity.StageActive, sponsor.Stage)

	f.send(t, bob, "hi", "2")
	assert.Contains(t, f.send(t, bob, "PPAY-NOPE-0000"), "Referral code not found")
	assert.Contains(t, f.send(t, bob, sponsor.ReferralCode), "PIN")
	assert.Contains(t, f.send(t, bob, "12a4"), "PIN must be exactly 4 digits")
	f.send(t, bob, "4321")

	b := f.account(t, bob)
	assert.True(t, b.Active())
	assert.Equal(t, "es", b.Language)
	require.NotNil(t, b.SponsorID)
	assert.Equal(t, sponsor.ID, *b.SponsorID)
}

var withdrawSteps = []string{"withdraw", "USDT", "40", "TRC20", "TXYZabc", "1234"}

func TestWithdrawFlow(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.fund(t, a.ID, "USDT", "100")

	assert.Contains(t, f.send(t, alice, withdrawSteps...), "Type YES")
	assert.Contains(t, f.send(t, alice, "yes"), "Withdrawal #")

	w := f.wallet(t, a.ID, "USDT")
	assert.True(t, w.Available.Equal(d("59")), w.Available.String())
	assert.True(t, w.Locked.Equal(d("41")), w.Locked.String())
	assert.True(t, f.rec.Contains(admin, "New withdrawal"))
	assert.Empty(t, f.active(t, a.ID))
}

func TestCancelAtAnyStepLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.fund(t, a.ID, "USDT", "100")

	for k := 1; k <= len(withdrawSteps); k++ {
		f.send(t, alice, withdrawSteps[:k]...)
		assert.Equal(t, msgCancelled, f.send(t, alice, "cancel"))
		assert.Empty(t, f.active(t, a.ID))

		w := f.wallet(t, a.ID, "USDT")
		assert.True(t, w.Available.Equal(d("100")))
		assert.True(t, w.Locked.IsZero())
	}
	txs, err := f.store.ListTransactions(context.Background(), a.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestInvalidAmountRepromptsWithoutAdvancing(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.fund(t, a.ID, "USDT", "100")

	reply := f.send(t, alice, "withdraw", "USDT", "abc")
	assert.Contains(t, reply, "valid amount")
	assert.Contains(t, f.send(t, alice, "-5"), "valid amount")
	assert.Contains(t, f.send(t, alice, "40"), "network")
}

func TestWithdrawWrongPINLocksOut(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.fund(t, a.ID, "USDT", "100")

	f.send(t, alice, withdrawSteps[:5]...)
	assert.Contains(t, f.send(t, alice, "0000"), "2 attempt(s) left")
	assert.Contains(t, f.send(t, alice, "0001"), "1 attempt(s) left")
	assert.Contains(t, f.send(t, alice, "0002"), "Too many wrong PIN attempts")
	assert.Empty(t, f.active(t, a.ID))
	assert.True(t, f.wallet(t, a.ID, "USDT").Locked.IsZero())
}

func TestPINFailuresSurviveCancel(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.fund(t, a.ID, "USDT", "100")

	f.send(t, alice, withdrawSteps[:5]...)
	assert.Contains(t, f.send(t, alice, "0000"), "2 attempt(s) left")
	assert.Contains(t, f.send(t, alice, "0001"), "1 attempt(s) left")
	assert.Equal(t, msgCancelled, f.send(t, alice, "cancel"))

	// a fresh flow does not get a fresh allowance
	f.send(t, alice, withdrawSteps[:5]...)
	assert.Contains(t, f.send(t, alice, "0002"), "Too many wrong PIN attempts")
	require.NotNil(t, f.account(t, alice).PINLockedUntil)

	// even the right PIN is refused while locked, in any flow
	f.send(t, alice, "security", "4")
	assert.Contains(t, f.send(t, alice, "1234"), "locked")
	assert.Empty(t, f.active(t, a.ID))
	assert.True(t, f.wallet(t, a.ID, "USDT").Locked.IsZero())
}

func TestWithdrawInsufficientFundsEndsFlow(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.fund(t, a.ID, "USDT", "100")

	// 100 plus the 1 USDT fee exceeds the balance
	assert.Equal(t, msgInsufficient, f.send(t, alice, "withdraw", "USDT", "100"))
	assert.Empty(t, f.active(t, a.ID))
}

func TestTriggerSupersedesActiveFlow(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)

	f.send(t, alice, "withdraw", "USDT")
	assert.Contains(t, f.send(t, alice, "deposit"), "How would you like to deposit")
	active := f.active(t, a.ID)
	require.Len(t, active, 1)
	assert.Equal(t, session.KindDeposit, active[0].Kind)
}

func TestDepositThenAdminReview(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.onboard(t, admin)

	assert.Contains(t, f.send(t, alice, "deposit", "2", "NGN", "5000", "BANK1"), "Type YES")
	assert.Contains(t, f.send(t, alice, "yes"), "Deposit #")
	assert.True(t, f.wallet(t, a.ID, "NGN").Available.IsZero())
	assert.True(t, f.rec.Contains(admin, "New deposit"))

	txs, err := f.store.ListTransactions(context.Background(), a.ID, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	id := strconv.FormatInt(txs[0].ID, 10)

	assert.Contains(t, f.send(t, admin, "review"), "Pending:")
	assert.Contains(t, f.send(t, admin, id, "approve", "REF9"), "Type YES")
	assert.Contains(t, f.send(t, admin, "yes"), "approved")

	assert.True(t, f.wallet(t, a.ID, "NGN").Available.Equal(d("5000")))
	assert.True(t, f.rec.Contains(alice, "Deposit approved"))

	assert.Equal(t, "No pending transactions.", f.send(t, admin, "review"))
}

func TestCryptoDepositShowsAddressForChain(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, alice)

	reply := f.send(t, alice, "deposit", "crypto", "USDT", "TRC20")
	assert.Contains(t, reply, "TZFBgMzwQVMPvyYV3nenSPA3UwWzBYnYBd")
	// BTC is only offered on chains that carry it
	f.send(t, alice, "deposit", "crypto", "BTC")
	assert.Contains(t, f.send(t, alice, "TRC20"), "Pick one of the listed options")
}

func TestAdminFlowsAreGated(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, alice)
	for _, cmd := range []string{"credit", "review", "broadcast", "unfreeze", "reply", "pending", "opentickets", "users"} {
		assert.Equal(t, msgUnauthorized, f.send(t, alice, cmd), cmd)
	}
}

func TestStaleSessionsAreCleared(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	ctx := context.Background()

	s, err := session.New(a.ID, session.KindAdminCredit, creditState{Step: adminAmount})
	require.NoError(t, err)
	require.NoError(t, f.sessions.Set(ctx, s))
	assert.Equal(t, msgUnauthorized, f.send(t, alice, "2500"))
	assert.Empty(t, f.active(t, a.ID))

	s, err = session.New(a.ID, session.Kind("retired_flow"), map[string]string{"step": "x"})
	require.NoError(t, err)
	require.NoError(t, f.sessions.Set(ctx, s))
	assert.Contains(t, f.send(t, alice, "what?"), "Menu:")
	assert.Empty(t, f.active(t, a.ID))
}

func TestAdminCreditFlow(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.onboard(t, admin)

	assert.Contains(t, f.send(t, admin, "credit", alice), "Which currency?")
	assert.Contains(t, f.send(t, admin, "NGN", "2500"), "Type YES")
	assert.Contains(t, f.send(t, admin, "yes"), "Credited")

	assert.True(t, f.wallet(t, a.ID, "NGN").Available.Equal(d("2500")))
	assert.True(t, f.rec.Contains(alice, "credited"))

	log, err := f.store.AuditLog(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, log)
	assert.Equal(t, "admin_credit", log[0].Action)
}

func TestSwapFlow(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.fund(t, a.ID, "USDT", "100")

	assert.Contains(t, f.send(t, alice, "swap", "USDT", "USDT"), "Choose two different assets")
	assert.Contains(t, f.send(t, alice, "BTC", "50"), "receive 0.001 BTC")
	assert.Contains(t, f.send(t, alice, "yes"), "Swap complete")

	assert.True(t, f.wallet(t, a.ID, "USDT").Available.Equal(d("50")))
	assert.True(t, f.wallet(t, a.ID, "BTC").Available.Equal(d("0.001")))
}

func TestSwapPriceUnavailableEndsFlow(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.fund(t, a.ID, "USDT", "100")

	assert.Equal(t, msgExternal, f.send(t, alice, "swap", "USDT", "ETH", "10"))
	assert.Empty(t, f.active(t, a.ID))
}

func TestTransferFlow(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	b := f.onboard(t, bob)
	f.fund(t, a.ID, "USDT", "100")

	f.send(t, alice, "transfer", "USDT")
	assert.Contains(t, f.send(t, alice, alice), "You cannot transfer to yourself")
	assert.Contains(t, f.send(t, alice, "+2349999999999"), "No account uses")
	assert.Contains(t, f.send(t, alice, bob), "How much USDT")
	assert.Contains(t, f.send(t, alice, "30", "yes"), "Sent")

	assert.True(t, f.wallet(t, a.ID, "USDT").Available.Equal(d("70")))
	assert.True(t, f.wallet(t, b.ID, "USDT").Available.Equal(d("30")))
	assert.True(t, f.rec.Contains(bob, "You received"))
}

func TestGiftcardFlow(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)

	assert.Contains(t, f.send(t, alice, "giftcard", "Amazon", "UK", "1", "100", "CODE-123"), "Send a photo")
	assert.Contains(t, f.send(t, alice, "later"), "Attach a photo")
	assert.Contains(t, f.send(t, alice, "skip"), "Type YES")
	assert.Contains(t, f.send(t, alice, "yes"), "submitted for review")

	txs, err := f.store.ListTransactions(context.Background(), a.ID, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, entity.TxGiftcard, txs[0].Type)
	assert.Equal(t, "GBP", txs[0].Currency)
	assert.Equal(t, entity.StatusPending, txs[0].Status)
	assert.True(t, f.rec.Contains(admin, "New gift card"))
}

func TestPurchaseFlow(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.fund(t, a.ID, "NGN", "5000")

	assert.Contains(t, f.send(t, alice, "buy", "airtime", "mtn"), "phone number")
	assert.Contains(t, f.send(t, alice, "12"), "Invalid phone number")
	assert.Contains(t, f.send(t, alice, "08031234567", "50"), "between 100 and 100000")
	assert.Contains(t, f.send(t, alice, "1000", "1234"), "Type YES")
	assert.Contains(t, f.send(t, alice, "yes"), "Reference ORD-1")
	assert.True(t, f.wallet(t, a.ID, "NGN").Available.Equal(d("4000")))

	f.vtu.res = purchase.Result{Success: false, Reason: "number barred"}
	f.send(t, alice, "buy", "airtime", "mtn", "08031234567", "1000", "1234")
	assert.Contains(t, f.send(t, alice, "yes"), "number barred")
	w := f.wallet(t, a.ID, "NGN")
	assert.True(t, w.Available.Equal(d("4000")))
	assert.True(t, w.Locked.IsZero())
}

func TestSecurityFreezeAndAdminUnfreeze(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.onboard(t, admin)

	f.send(t, alice, "security", "1")
	assert.Contains(t, f.send(t, alice, "999"), "does not match")
	assert.Contains(t, f.send(t, alice, strconv.FormatInt(a.ID, 10)), "frozen")
	assert.True(t, f.account(t, alice).Frozen)

	assert.Contains(t, f.send(t, alice, "withdraw"), "Account is frozen")
	assert.Contains(t, f.send(t, alice, "swap"), "Account is frozen")

	assert.Contains(t, f.send(t, admin, "unfreeze", alice), "Type YES")
	assert.Contains(t, f.send(t, admin, "yes"), "unfrozen")
	assert.False(t, f.account(t, alice).Frozen)
	assert.Contains(t, f.send(t, alice, "withdraw"), "Which asset")
}

func TestSecurityChangePIN(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, alice)

	f.send(t, alice, "security", "4")
	assert.Contains(t, f.send(t, alice, "9999"), "attempt(s) left")
	assert.Contains(t, f.send(t, alice, "1234"), "new 4-digit PIN")
	assert.Contains(t, f.send(t, alice, "1234"), "must differ")
	assert.Contains(t, f.send(t, alice, "5678"), "changed")

	svc := account.NewService(f.store, account.BcryptHasher{Cost: 4}, zap.NewNop().Sugar())
	assert.NoError(t, svc.VerifyPIN(f.account(t, alice), "5678"))
}

func TestSecurityReportOpensTicket(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.onboard(t, admin)

	f.send(t, alice, "security", "3")
	assert.Contains(t, f.send(t, alice, "someone logged in"), "Report #")
	assert.True(t, f.rec.Contains(admin, "SECURITY report"))

	tks, err := f.store.TicketsByAccount(context.Background(), a.ID, 3)
	require.NoError(t, err)
	require.Len(t, tks, 1)
	assert.Equal(t, "security", tks[0].Category)

	id := strconv.FormatInt(tks[0].ID, 10)
	f.send(t, admin, "reply", id, "we reset your access")
	assert.Contains(t, f.send(t, admin, "yes"), "Reply sent")
	assert.Contains(t, f.send(t, alice, "tickets"), "we reset your access")
}

func TestCommands(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)

	assert.Contains(t, f.send(t, alice, "balance"), "no wallets")
	f.fund(t, a.ID, "USDT", "12.5")
	assert.Contains(t, f.send(t, alice, "balance"), "USDT: 12.5 USDT")
	assert.Contains(t, f.send(t, alice, "history"), "ADMIN_CREDIT")
	assert.Contains(t, f.send(t, alice, "referral"), a.ReferralCode)
	assert.Contains(t, f.send(t, alice, "rates"), "USDT/NGN: 1550 / 1600")

	assert.Contains(t, f.send(t, alice, "alert BTC 60000"), "BTCUSDT above 60000")
	assert.Contains(t, f.send(t, alice, "alerts"), "BTCUSDT")
	assert.Contains(t, f.send(t, alice, "alert BTC"), "Usage")

	assert.Contains(t, f.send(t, alice, "support My card failed"), "Ticket #")
	assert.True(t, f.rec.Contains(admin, "My card failed"))

	assert.Contains(t, f.send(t, alice, "what?"), "Menu:")
}

func TestPriceCommand(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, alice)

	assert.Equal(t, "BTC live price: 50000 USDT", f.send(t, alice, "price btc"))
	assert.Equal(t, "BTC live price: 50000 USDT", f.send(t, alice, "price BTC/USDT"))
	assert.Equal(t, "No live price for DOGE", f.send(t, alice, "price doge"))
	assert.Contains(t, f.send(t, alice, "price"), "Usage: price <SYMBOL>")
}

func TestTopCommand(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, alice)

	reply := f.send(t, alice, "top")
	assert.Contains(t, reply, "1. SOLUSDT +12.3% (150.2)")
	assert.Contains(t, reply, "2. BTCUSDT -1.0% (50000)")

	f.engine.deps.Market = &stubMarket{err: errors.New("connection refused")}
	assert.Equal(t, msgExternal, f.send(t, alice, "top"))
}

func TestAdminUsersCommand(t *testing.T) {
	f := newFixture(t)
	a := f.onboard(t, alice)
	f.onboard(t, admin)
	f.send(t, bob, "hi")
	a.Frozen = true
	require.NoError(t, f.store.WithTx(context.Background(), func(tx repo.Tx) error {
		return tx.UpdateAccount(context.Background(), a)
	}))

	reply := f.send(t, admin, "users")
	assert.Contains(t, reply, "Users (3):")
	assert.Contains(t, reply, alice+" [frozen]")
	assert.Contains(t, reply, admin+" [active]")
	assert.Contains(t, reply, bob+" [new]")
}

func TestMissingSenderIsValidationError(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Handle(context.Background(), Message{Text: "hi"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
