package processor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/account"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/purchase"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/referral"
)

var d = decimal.RequireFromString

type rates map[string]decimal.Decimal

func (r rates) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if v, ok := r[from+"_"+to]; ok {
		return v, nil
	}
	return decimal.Zero, apperr.External("price unavailable", nil)
}

type stubVTU struct {
	res purchase.Result
	err error
	got []purchase.Request
}

func (s *stubVTU) Purchase(_ context.Context, req purchase.Request) (purchase.Result, error) {
	s.got = append(s.got, req)
	return s.res, s.err
}

type fixture struct {
	store repo.Store
	proc  *Processor
	vtu   *stubVTU
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, repo.NewMemoryStore())
}

// newPgFixture runs against PostgreSQL and skips when DATABASE_URL is unset.
func newPgFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(16)
	t.Cleanup(func() { db.Close() })

	store := repo.NewPgStore(db)
	ctx := context.Background()
	require.NoError(t, store.EnsureTable(ctx))
	_, err = db.ExecContext(ctx, `TRUNCATE admin_audit, tickets, alerts, transactions, wallets, accounts RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return newFixtureWith(t, store)
}

func newFixtureWith(t *testing.T, store repo.Store) *fixture {
	t.Helper()
	cfg := config.Config{
		WithdrawFees:     map[string]decimal.Decimal{"USDT": d("1.0")},
		ReferralReward:   decimal.NewFromInt(500),
		ReferralCurrency: "NGN",
	}
	vtu := &stubVTU{res: purchase.Result{Success: true, Reference: "ORD-1"}}
	prices := rates{"USDT_BTC": d("0.00002"), "BTC_USDT": d("50000"), "USDT_NGN": d("1600")}
	rule := referral.NewRule(cfg.ReferralReward, cfg.ReferralCurrency, zap.NewNop().Sugar())
	return &fixture{store: store, vtu: vtu, proc: New(store, cfg, prices, vtu, rule, zap.NewNop().Sugar())}
}

func (f *fixture) account(t *testing.T, phone string, sponsor *int64) *entity.Account {
	t.Helper()
	a := &entity.Account{Phone: phone, Stage: entity.StageActive, ReferralCode: "PPAY-" + phone, SponsorID: sponsor}
	require.NoError(t, f.store.WithTx(context.Background(), func(tx repo.Tx) error { return tx.CreateAccount(context.Background(), a) }))
	return a
}

func (f *fixture) fund(t *testing.T, accountID int64, currency, amount string) {
	t.Helper()
	_, err := f.proc.AdminCredit(context.Background(), "+admin", accountID, currency, d(amount))
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

// assertBalanced checks that wallet totals equal the completed ledger effects.
func (f *fixture) assertBalanced(t *testing.T, accountIDs ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, id := range accountIDs {
		effects := map[string]decimal.Decimal{}
		txs, err := f.store.ListTransactions(ctx, id, 0)
		require.NoError(t, err)
		for _, tr := range txs {
			effects[tr.Currency] = effects[tr.Currency].Add(tr.Effect())
		}
		ws, err := f.store.Wallets(ctx, id)
		require.NoError(t, err)
		for _, w := range ws {
			assert.False(t, w.Available.IsNegative(), "available %s", w.Currency)
			assert.False(t, w.Locked.IsNegative(), "locked %s", w.Currency)
			assert.True(t, w.Total().Equal(effects[w.Currency]), "account %d %s: wallet %s ledger %s", id, w.Currency, w.Total(), effects[w.Currency])
		}
	}
}

func TestWithdrawalReservesAmountPlusFee(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	f.fund(t, a.ID, "USDT", "100.00")

	res, err := f.proc.RequestWithdrawal(context.Background(), WithdrawalRequest{AccountID: a.ID, Currency: "usdt", Amount: d("40"), Chain: "TRC20", Destination: "TXyz"})
	require.NoError(t, err)
	assert.True(t, res.Fee.Equal(d("1")))
	assert.True(t, res.Available.Equal(d("59")))
	assert.Equal(t, entity.StatusPending, res.Tx.Status)
	assert.True(t, res.Tx.Amount.Equal(d("-40")))

	w := f.wallet(t, a.ID, "USDT")
	assert.True(t, w.Available.Equal(d("59")))
	assert.True(t, w.Locked.Equal(d("41")))
	f.assertBalanced(t, a.ID)
}

func TestWithdrawalInsufficientLeavesWalletAlone(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	f.fund(t, a.ID, "USDT", "40.5")

	_, err := f.proc.RequestWithdrawal(context.Background(), WithdrawalRequest{AccountID: a.ID, Currency: "USDT", Amount: d("40")})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, apperr.KindInsufficientFunds, apperr.KindOf(err))

	w := f.wallet(t, a.ID, "USDT")
	assert.True(t, w.Available.Equal(d("40.5")))
	assert.True(t, w.Locked.IsZero())
	txs, _ := f.store.ListTransactions(context.Background(), a.ID, 0)
	assert.Len(t, txs, 1)
}

func TestFrozenAccountRefused(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	b := f.account(t, "+2", nil)
	f.fund(t, a.ID, "USDT", "100")
	require.NoError(t, f.store.WithTx(context.Background(), func(tx repo.Tx) error {
		acc, err := tx.LockAccount(context.Background(), a.ID)
		if err != nil {
			return err
		}
		acc.Frozen = true
		return tx.UpdateAccount(context.Background(), acc)
	}))
	ctx := context.Background()

	_, err := f.proc.RequestWithdrawal(ctx, WithdrawalRequest{AccountID: a.ID, Currency: "USDT", Amount: d("1")})
	assert.ErrorIs(t, err, account.ErrFrozen)
	_, err = f.proc.Transfer(ctx, TransferRequest{FromID: a.ID, ToID: b.ID, Currency: "USDT", Amount: d("1")})
	assert.ErrorIs(t, err, account.ErrFrozen)
	_, err = f.proc.Swap(ctx, a.ID, Quote{From: "USDT", To: "BTC", Amount: d("1"), Rate: d("0.00002"), Receive: d("0.00002")})
	assert.ErrorIs(t, err, account.ErrFrozen)
}

func TestAmountValidation(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	ctx := context.Background()

	_, err := f.proc.RequestWithdrawal(ctx, WithdrawalRequest{AccountID: a.ID, Currency: "USDT", Amount: d("0")})
	assert.ErrorIs(t, err, ErrNonPositive)
	_, err = f.proc.CreateDeposit(ctx, DepositRequest{AccountID: a.ID, Currency: "NGN", Amount: d("-5")})
	assert.ErrorIs(t, err, ErrNonPositive)
	_, err = f.proc.CreateDeposit(ctx, DepositRequest{AccountID: a.ID, Currency: "XYZ", Amount: d("5")})
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestDepositIsPendingOnly(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	tr, err := f.proc.CreateDeposit(context.Background(), DepositRequest{AccountID: a.ID, Method: "fiat", Currency: "ngn", Channel: "bank", Amount: d("5000"), SenderRef: "John Doe"})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, tr.Status)
	assert.Equal(t, "NGN", tr.Currency)

	ws, _ := f.store.Wallets(context.Background(), a.ID)
	assert.Empty(t, ws)
}

func TestGiftcardUsesRegionCurrency(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	tr, err := f.proc.CreateGiftcard(context.Background(), GiftcardRequest{AccountID: a.ID, CardType: "AMAZON", Region: "USA", Form: "ECODE", Value: d("100"), Code: "ABCD"})
	require.NoError(t, err)
	assert.Equal(t, "USD", tr.Currency)
	assert.Equal(t, entity.TxGiftcard, tr.Type)

	_, err = f.proc.CreateGiftcard(context.Background(), GiftcardRequest{AccountID: a.ID, Region: "ATLANTIS", Value: d("100")})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSwapWritesLinkedLegs(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	f.fund(t, a.ID, "USDT", "100")
	ctx := context.Background()

	q, err := f.proc.Quote(ctx, "usdt", "btc", d("50"))
	require.NoError(t, err)
	assert.True(t, q.Receive.Equal(d("0.001")))

	res, err := f.proc.Swap(ctx, a.ID, *q)
	require.NoError(t, err)
	require.NotNil(t, res.Out.LinkedID)
	require.NotNil(t, res.In.LinkedID)
	assert.Equal(t, res.In.ID, *res.Out.LinkedID)
	assert.Equal(t, res.Out.ID, *res.In.LinkedID)
	assert.Equal(t, res.Out.Reference, res.In.Reference)

	stored, err := f.store.Transaction(ctx, res.Out.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LinkedID)
	assert.Equal(t, res.In.ID, *stored.LinkedID)

	assert.True(t, f.wallet(t, a.ID, "USDT").Available.Equal(d("50")))
	assert.True(t, f.wallet(t, a.ID, "BTC").Available.Equal(d("0.001")))
	f.assertBalanced(t, a.ID)
}

func TestSwapRoundTrip(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	f.fund(t, a.ID, "USDT", "123.45")
	ctx := context.Background()

	q, err := f.proc.Quote(ctx, "USDT", "BTC", d("123.45"))
	require.NoError(t, err)
	_, err = f.proc.Swap(ctx, a.ID, *q)
	require.NoError(t, err)
	back, err := f.proc.Quote(ctx, "BTC", "USDT", f.wallet(t, a.ID, "BTC").Available)
	require.NoError(t, err)
	_, err = f.proc.Swap(ctx, a.ID, *back)
	require.NoError(t, err)

	diff := f.wallet(t, a.ID, "USDT").Available.Sub(d("123.45")).Abs()
	assert.True(t, diff.LessThanOrEqual(d("0.001")), "drift %s", diff)
	assert.True(t, f.wallet(t, a.ID, "BTC").Available.IsZero())
	f.assertBalanced(t, a.ID)
}

func TestSwapErrors(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	ctx := context.Background()

	_, err := f.proc.Quote(ctx, "USDT", "USDT", d("1"))
	assert.ErrorIs(t, err, ErrSameAsset)
	_, err = f.proc.Quote(ctx, "SOL", "ETH", d("1"))
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))

	_, err = f.proc.Swap(ctx, a.ID, Quote{From: "USDT", To: "BTC", Amount: d("1"), Rate: d("0.00002"), Receive: d("0.00002")})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	ws, _ := f.store.Wallets(ctx, a.ID)
	for _, w := range ws {
		assert.True(t, w.Total().IsZero())
	}
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	b := f.account(t, "+2", nil)
	f.fund(t, a.ID, "NGN", "1000")
	ctx := context.Background()

	_, err := f.proc.Transfer(ctx, TransferRequest{FromID: a.ID, ToID: a.ID, Currency: "NGN", Amount: d("1")})
	assert.ErrorIs(t, err, ErrSelfTransfer)
	_, err = f.proc.Transfer(ctx, TransferRequest{FromID: a.ID, ToID: 99, Currency: "NGN", Amount: d("1")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.proc.Transfer(ctx, TransferRequest{FromID: a.ID, ToID: b.ID, Currency: "NGN", Amount: d("1000.01")})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	res, err := f.proc.Transfer(ctx, TransferRequest{FromID: a.ID, ToID: b.ID, Currency: "NGN", Amount: d("250")})
	require.NoError(t, err)
	assert.Equal(t, entity.TxTransferOut, res.Out.Type)
	assert.Equal(t, entity.TxTransferIn, res.In.Type)
	assert.Equal(t, b.ID, res.In.AccountID)
	assert.True(t, f.wallet(t, a.ID, "NGN").Available.Equal(d("750")))
	assert.True(t, f.wallet(t, b.ID, "NGN").Available.Equal(d("250")))
	f.assertBalanced(t, a.ID, b.ID)
}

func TestReferralPaidOnFirstSwapOnly(t *testing.T) {
	f := newFixture(t)
	sponsor := f.account(t, "+1", nil)
	a := f.account(t, "+2", &sponsor.ID)
	f.fund(t, a.ID, "USDT", "100")
	ctx := context.Background()

	q, err := f.proc.Quote(ctx, "USDT", "BTC", d("10"))
	require.NoError(t, err)
	first, err := f.proc.Swap(ctx, a.ID, *q)
	require.NoError(t, err)
	require.NotNil(t, first.Referral)
	assert.Equal(t, sponsor.ID, first.Referral.SponsorID)

	second, err := f.proc.Swap(ctx, a.ID, *q)
	require.NoError(t, err)
	assert.Nil(t, second.Referral)

	assert.True(t, f.wallet(t, sponsor.ID, "NGN").Available.Equal(d("500")))
	f.assertBalanced(t, sponsor.ID, a.ID)
}

func TestWithdrawalRequestPaysNoReferral(t *testing.T) {
	f := newFixture(t)
	sponsor := f.account(t, "+1", nil)
	a := f.account(t, "+2", &sponsor.ID)
	f.fund(t, a.ID, "USDT", "100")

	_, err := f.proc.RequestWithdrawal(context.Background(), WithdrawalRequest{AccountID: a.ID, Currency: "USDT", Amount: d("10")})
	require.NoError(t, err)

	assert.True(t, f.wallet(t, sponsor.ID, "NGN").Available.IsZero())
	got, err := f.store.AccountByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, got.ReferralBonusPaid)
}

func TestPurchaseSuccessBurnsHold(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	f.fund(t, a.ID, "NGN", "1000")

	res, err := f.proc.Purchase(context.Background(), a.ID, purchase.Request{Kind: purchase.Airtime, ServiceID: "mtn", Phone: "08031234567", Amount: d("500")})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, res.Tx.Status)
	assert.Equal(t, "ORD-1", res.Tx.Reference)
	require.Len(t, f.vtu.got, 1)
	assert.NotEmpty(t, f.vtu.got[0].RequestID)

	w := f.wallet(t, a.ID, "NGN")
	assert.True(t, w.Available.Equal(d("500")))
	assert.True(t, w.Locked.IsZero())
	f.assertBalanced(t, a.ID)
}

func TestPurchaseDeclineRefunds(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	f.fund(t, a.ID, "NGN", "1000")
	f.vtu.res = purchase.Result{Success: false, Reason: "invalid meter"}

	res, err := f.proc.Purchase(context.Background(), a.ID, purchase.Request{Kind: purchase.Electricity, ServiceID: "ikeja-electric", CustomerID: "45071", MeterType: "prepaid", Amount: d("1000")})
	assert.ErrorIs(t, err, ErrPurchaseDeclined)
	require.NotNil(t, res)
	assert.Equal(t, entity.StatusRejected, res.Tx.Status)

	w := f.wallet(t, a.ID, "NGN")
	assert.True(t, w.Available.Equal(d("1000")))
	assert.True(t, w.Locked.IsZero())
	f.assertBalanced(t, a.ID)
}

func TestPurchaseProviderErrorRefunds(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	f.fund(t, a.ID, "NGN", "600")
	f.vtu.err = errors.New("connection reset")

	_, err := f.proc.Purchase(context.Background(), a.ID, purchase.Request{Kind: purchase.EPins, ServiceID: "mtn", Amount: d("200"), Quantity: 3})
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))
	assert.True(t, f.wallet(t, a.ID, "NGN").Available.Equal(d("600")))
	f.assertBalanced(t, a.ID)
}

func TestPurchaseInsufficientNeverCallsProvider(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "+1", nil)
	f.fund(t, a.ID, "NGN", "100")
	_, err := f.proc.Purchase(context.Background(), a.ID, purchase.Request{Kind: purchase.Airtime, ServiceID: "mtn", Phone: "08031234567", Amount: d("500")})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, f.vtu.got)
}

func TestConcurrentOperationsStayBalanced(t *testing.T) {
	runConcurrentOperations(t, newFixture(t))
}

// Exercises the FOR UPDATE wallet ordering under real row locks.
func TestConcurrentOperationsStayBalancedPg(t *testing.T) {
	runConcurrentOperations(t, newPgFixture(t))
}

func runConcurrentOperations(t *testing.T, f *fixture) {
	t.Helper()
	a := f.account(t, "+1", nil)
	b := f.account(t, "+2", nil)
	f.fund(t, a.ID, "USDT", "500")
	f.fund(t, b.ID, "USDT", "500")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = f.proc.RequestWithdrawal(ctx, WithdrawalRequest{AccountID: a.ID, Currency: "USDT", Amount: d("7")})
		}()
		go func() {
			defer wg.Done()
			if q, err := f.proc.Quote(ctx, "USDT", "BTC", d("5")); err == nil {
				_, _ = f.proc.Swap(ctx, a.ID, *q)
			}
		}()
		go func(i int) {
			defer wg.Done()
			from, to := a.ID, b.ID
			if i%2 == 0 {
				from, to = to, from
			}
			_, _ = f.proc.Transfer(ctx, TransferRequest{FromID: from, ToID: to, Currency: "USDT", Amount: d("11")})
		}(i)
	}
	wg.Wait()
	f.assertBalanced(t, a.ID, b.ID)
}
