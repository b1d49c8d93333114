package repo

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
)

// setupPg connects to DATABASE_URL, ensures the schema and empties the tables.
func setupPg(t *testing.T) *PgStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewPgStore(db)
	ctx := context.Background()
	require.NoError(t, s.EnsureTable(ctx))
	_, err = db.ExecContext(ctx, `TRUNCATE admin_audit, tickets, alerts, transactions, wallets, accounts RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func TestPgStoreWalletRoundTrip(t *testing.T) {
	s := setupPg(t)
	ctx := context.Background()
	a := seedAccount(t, s, "+2000")

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, a.ID, "USDT")
		if err != nil {
			return err
		}
		w.Available = decimal.RequireFromString("100.12345678")
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &entity.Transaction{
			AccountID: a.ID, Type: entity.TxAdminCredit, Currency: "USDT",
			Amount: w.Available, Status: entity.StatusCompleted, Reference: "ADMIN_CREDIT",
		})
	}))

	ws, err := s.Wallets(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.True(t, ws[0].Available.Equal(decimal.RequireFromString("100.12345678")))

	sum, err := s.SumCompleted(ctx, a.ID, entity.TxAdminCredit)
	require.NoError(t, err)
	assert.True(t, sum.Equal(ws[0].Available))
}

func TestPgStoreNegativeBalanceRejected(t *testing.T) {
	s := setupPg(t)
	ctx := context.Background()
	a := seedAccount(t, s, "+2001")

	err := s.WithTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, a.ID, "USDT")
		if err != nil {
			return err
		}
		w.Available = decimal.NewFromInt(-1)
		return tx.SaveWallet(ctx, w)
	})
	assert.Error(t, err)
}

func TestPgStoreConcurrentIncrements(t *testing.T) {
	s := setupPg(t)
	ctx := context.Background()
	a := seedAccount(t, s, "+2002")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx Tx) error {
				w, err := tx.LockWallet(ctx, a.ID, "NGN")
				if err != nil {
					return err
				}
				w.Available = w.Available.Add(decimal.NewFromInt(10))
				return tx.SaveWallet(ctx, w)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ws, err := s.Wallets(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.True(t, ws[0].Available.Equal(decimal.NewFromInt(100)))
}

func TestPgStoreDeactivateAlertOnce(t *testing.T) {
	s := setupPg(t)
	ctx := context.Background()
	a := seedAccount(t, s, "+2003")
	al := &entity.Alert{AccountID: a.ID, Symbol: "ETHUSDT", Target: decimal.NewFromInt(3000), Direction: entity.Below, Active: true}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.CreateAlert(ctx, al) }))

	var first, second bool
	require.NoError(t, s.WithTx(ctx, func(tx Tx) (err error) { first, err = tx.DeactivateAlert(ctx, al.ID); return }))
	require.NoError(t, s.WithTx(ctx, func(tx Tx) (err error) { second, err = tx.DeactivateAlert(ctx, al.ID); return }))
	assert.True(t, first)
	assert.False(t, second)
}
