package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/database"
)

// PgStore is the PostgreSQL ledger backed by sqlx over lib/pq.
type PgStore struct {
	pgQuerier
	db *sqlx.DB
}

func NewPgStore(db *sqlx.DB) *PgStore {
	return &PgStore{pgQuerier: pgQuerier{q: db}, db: db}
}

// EnsureTable creates the ledger tables if they do not exist (idempotent).
func (s *PgStore) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
  id BIGSERIAL PRIMARY KEY,
  phone TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  language TEXT NOT NULL DEFAULT '',
  stage TEXT NOT NULL DEFAULT 'new',
  frozen BOOLEAN NOT NULL DEFAULT false,
  pin_hash TEXT,
  referral_code TEXT NOT NULL UNIQUE,
  sponsor_id BIGINT REFERENCES accounts(id),
  referral_bonus_paid BOOLEAN NOT NULL DEFAULT false,
  pin_failures INT NOT NULL DEFAULT 0,
  pin_locked_until TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE accounts ADD COLUMN IF NOT EXISTS pin_failures INT NOT NULL DEFAULT 0;
ALTER TABLE accounts ADD COLUMN IF NOT EXISTS pin_locked_until TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS idx_accounts_sponsor ON accounts(sponsor_id);

CREATE TABLE IF NOT EXISTS wallets (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NOT NULL REFERENCES accounts(id),
  currency TEXT NOT NULL,
  available NUMERIC(38,8) NOT NULL DEFAULT 0 CHECK (available >= 0),
  locked NUMERIC(38,8) NOT NULL DEFAULT 0 CHECK (locked >= 0),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (account_id, currency)
);

CREATE TABLE IF NOT EXISTS transactions (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NOT NULL REFERENCES accounts(id),
  type TEXT NOT NULL,
  currency TEXT NOT NULL,
  amount NUMERIC(38,8) NOT NULL,
  fee NUMERIC(38,8) NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK (status IN ('pending','completed','rejected')),
  reference TEXT NOT NULL DEFAULT '',
  linked_id BIGINT REFERENCES transactions(id),
  details JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS alerts (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NOT NULL REFERENCES accounts(id),
  symbol TEXT NOT NULL,
  target NUMERIC(38,8) NOT NULL,
  direction TEXT NOT NULL CHECK (direction IN ('above','below')),
  active BOOLEAN NOT NULL DEFAULT true,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  triggered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(symbol) WHERE active;

CREATE TABLE IF NOT EXISTS tickets (
  id BIGSERIAL PRIMARY KEY,
  account_id BIGINT NOT NULL REFERENCES accounts(id),
  category TEXT NOT NULL DEFAULT 'general',
  message TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'open',
  admin_reply TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS admin_audit (
  id UUID PRIMARY KEY,
  admin_phone TEXT NOT NULL,
  action TEXT NOT NULL,
  target_type TEXT NOT NULL,
  target_id TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE OR REPLACE RULE admin_audit_no_update AS ON UPDATE TO admin_audit DO INSTEAD NOTHING;
CREATE OR REPLACE RULE admin_audit_no_delete AS ON DELETE TO admin_audit DO INSTEAD NOTHING;
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *PgStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.InTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		return fn(&pgTx{pgQuerier: pgQuerier{q: tx}, tx: tx})
	})
}

const (
	accountCols     = `id, phone, name, language, stage, frozen, pin_hash, referral_code, sponsor_id, referral_bonus_paid, pin_failures, pin_locked_until, created_at, updated_at`
	walletCols      = `id, account_id, currency, available, locked, updated_at`
	transactionCols = `id, account_id, type, currency, amount, fee, status, reference, linked_id, details, created_at, updated_at`
	alertCols       = `id, account_id, symbol, target, direction, active, created_at, triggered_at`
	ticketCols      = `id, account_id, category, message, status, admin_reply, created_at, updated_at`
)

// pgQuerier implements Reader on either the pool or an open transaction.
type pgQuerier struct {
	q sqlx.ExtContext
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p pgQuerier) getAccount(ctx context.Context, where string, arg any) (*entity.Account, error) {
	var a entity.Account
	if err := sqlx.GetContext(ctx, p.q, &a, `SELECT `+accountCols+` FROM accounts WHERE `+where, arg); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (p pgQuerier) AccountByID(ctx context.Context, id int64) (*entity.Account, error) {
	return p.getAccount(ctx, `id=$1`, id)
}

func (p pgQuerier) AccountByPhone(ctx context.Context, phone string) (*entity.Account, error) {
	return p.getAccount(ctx, `phone=$1`, phone)
}

func (p pgQuerier) AccountByReferralCode(ctx context.Context, code string) (*entity.Account, error) {
	return p.getAccount(ctx, `referral_code=$1`, code)
}

func (p pgQuerier) ListAccounts(ctx context.Context) ([]entity.Account, error) {
	var out []entity.Account
	err := sqlx.SelectContext(ctx, p.q, &out, `SELECT `+accountCols+` FROM accounts ORDER BY id`)
	return out, err
}

func (p pgQuerier) CountReferrals(ctx context.Context, sponsorID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, p.q, &n, `SELECT COUNT(*) FROM accounts WHERE sponsor_id=$1`, sponsorID)
	return n, err
}

func (p pgQuerier) Wallets(ctx context.Context, accountID int64) ([]entity.Wallet, error) {
	var out []entity.Wallet
	err := sqlx.SelectContext(ctx, p.q, &out, `SELECT `+walletCols+` FROM wallets WHERE account_id=$1 ORDER BY currency`, accountID)
	return out, err
}

func (p pgQuerier) Transaction(ctx context.Context, id int64) (*entity.Transaction, error) {
	var t entity.Transaction
	if err := sqlx.GetContext(ctx, p.q, &t, `SELECT `+transactionCols+` FROM transactions WHERE id=$1`, id); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (p pgQuerier) ListTransactions(ctx context.Context, accountID int64, limit int) ([]entity.Transaction, error) {
	var out []entity.Transaction
	err := sqlx.SelectContext(ctx, p.q, &out,
		`SELECT `+transactionCols+` FROM transactions WHERE account_id=$1 ORDER BY id DESC LIMIT $2`, accountID, limitOrAll(limit))
	return out, err
}

func (p pgQuerier) ListPending(ctx context.Context, limit int) ([]entity.Transaction, error) {
	var out []entity.Transaction
	err := sqlx.SelectContext(ctx, p.q, &out,
		`SELECT `+transactionCols+` FROM transactions WHERE status='pending' ORDER BY id LIMIT $1`, limitOrAll(limit))
	return out, err
}

func (p pgQuerier) SumCompleted(ctx context.Context, accountID int64, typ entity.TxType) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := sqlx.GetContext(ctx, p.q, &sum,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id=$1 AND type=$2 AND status='completed'`, accountID, typ)
	return sum, err
}

func (p pgQuerier) ActiveAlerts(ctx context.Context) ([]entity.Alert, error) {
	var out []entity.Alert
	err := sqlx.SelectContext(ctx, p.q, &out, `SELECT `+alertCols+` FROM alerts WHERE active ORDER BY id`)
	return out, err
}

func (p pgQuerier) AlertsByAccount(ctx context.Context, accountID int64) ([]entity.Alert, error) {
	var out []entity.Alert
	err := sqlx.SelectContext(ctx, p.q, &out, `SELECT `+alertCols+` FROM alerts WHERE account_id=$1 AND active ORDER BY id`, accountID)
	return out, err
}

func (p pgQuerier) Ticket(ctx context.Context, id int64) (*entity.Ticket, error) {
	var t entity.Ticket
	if err := sqlx.GetContext(ctx, p.q, &t, `SELECT `+ticketCols+` FROM tickets WHERE id=$1`, id); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (p pgQuerier) TicketsByAccount(ctx context.Context, accountID int64, limit int) ([]entity.Ticket, error) {
	var out []entity.Ticket
	err := sqlx.SelectContext(ctx, p.q, &out,
		`SELECT `+ticketCols+` FROM tickets WHERE account_id=$1 ORDER BY id DESC LIMIT $2`, accountID, limitOrAll(limit))
	return out, err
}

func (p pgQuerier) OpenTickets(ctx context.Context, limit int) ([]entity.Ticket, error) {
	var out []entity.Ticket
	err := sqlx.SelectContext(ctx, p.q, &out,
		`SELECT `+ticketCols+` FROM tickets WHERE status='open' ORDER BY id DESC LIMIT $1`, limitOrAll(limit))
	return out, err
}

func (p pgQuerier) AuditLog(ctx context.Context, limit int) ([]entity.AuditEntry, error) {
	var out []entity.AuditEntry
	err := sqlx.SelectContext(ctx, p.q, &out,
		`SELECT id, admin_phone, action, target_type, target_id, detail, created_at FROM admin_audit ORDER BY created_at DESC LIMIT $1`, limitOrAll(limit))
	return out, err
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

type pgTx struct {
	pgQuerier
	tx *sqlx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, a *entity.Account) error {
	const q = `INSERT INTO accounts (phone, name, language, stage, frozen, pin_hash, referral_code, sponsor_id, referral_bonus_paid)
		VALUES (:phone, :name, :language, :stage, :frozen, :pin_hash, :referral_code, :sponsor_id, :referral_bonus_paid)
		RETURNING id, created_at, updated_at`
	rows, err := sqlx.NamedQueryContext(ctx, t.tx, q, a)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return errors.New("no id returned")
	}
	return rows.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (t *pgTx) LockAccount(ctx context.Context, id int64) (*entity.Account, error) {
	return t.getAccount(ctx, `id=$1 FOR UPDATE`, id)
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *entity.Account) error {
	const q = `UPDATE accounts SET name=:name, language=:language, stage=:stage, frozen=:frozen, pin_hash=:pin_hash,
		sponsor_id=:sponsor_id, referral_bonus_paid=:referral_bonus_paid, pin_failures=:pin_failures,
		pin_locked_until=:pin_locked_until, updated_at=NOW() WHERE id=:id`
	res, err := sqlx.NamedExecContext(ctx, t.tx, q, a)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LockWallet(ctx context.Context, accountID int64, currency string) (*entity.Wallet, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (account_id, currency) VALUES ($1, $2) ON CONFLICT (account_id, currency) DO NOTHING`,
		accountID, currency); err != nil {
		return nil, err
	}
	var w entity.Wallet
	if err := t.tx.GetContext(ctx, &w,
		`SELECT `+walletCols+` FROM wallets WHERE account_id=$1 AND currency=$2 FOR UPDATE`, accountID, currency); err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (t *pgTx) SaveWallet(ctx context.Context, w *entity.Wallet) error {
	return notFound(t.tx.GetContext(ctx, &w.UpdatedAt,
		`UPDATE wallets SET available=$2, locked=$3, updated_at=NOW() WHERE id=$1 RETURNING updated_at`,
		w.ID, w.Available, w.Locked))
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *entity.Transaction) error {
	if len(tr.Details) == 0 {
		tr.Details = types.JSONText("{}")
	}
	const q = `INSERT INTO transactions (account_id, type, currency, amount, fee, status, reference, linked_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at, updated_at`
	return t.tx.QueryRowxContext(ctx, q,
		tr.AccountID, tr.Type, tr.Currency, tr.Amount, tr.Fee, tr.Status, tr.Reference, tr.LinkedID, tr.Details,
	).Scan(&tr.ID, &tr.CreatedAt, &tr.UpdatedAt)
}

func (t *pgTx) LockTransaction(ctx context.Context, id int64) (*entity.Transaction, error) {
	var tr entity.Transaction
	if err := t.tx.GetContext(ctx, &tr, `SELECT `+transactionCols+` FROM transactions WHERE id=$1 FOR UPDATE`, id); err != nil {
		return nil, notFound(err)
	}
	return &tr, nil
}

func (t *pgTx) UpdateTransaction(ctx context.Context, tr *entity.Transaction) error {
	return notFound(t.tx.GetContext(ctx, &tr.UpdatedAt,
		`UPDATE transactions SET status=$2, reference=$3, linked_id=$4, updated_at=NOW() WHERE id=$1 RETURNING updated_at`,
		tr.ID, tr.Status, tr.Reference, tr.LinkedID))
}

func (t *pgTx) InsertAudit(ctx context.Context, e *entity.AuditEntry) error {
	return t.tx.GetContext(ctx, &e.CreatedAt,
		`INSERT INTO admin_audit (id, admin_phone, action, target_type, target_id, detail) VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		e.ID, e.AdminPhone, e.Action, e.TargetType, e.TargetID, e.Detail)
}

func (t *pgTx) CreateAlert(ctx context.Context, a *entity.Alert) error {
	return t.tx.QueryRowxContext(ctx,
		`INSERT INTO alerts (account_id, symbol, target, direction, active) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		a.AccountID, a.Symbol, a.Target, a.Direction, a.Active,
	).Scan(&a.ID, &a.CreatedAt)
}

func (t *pgTx) DeactivateAlert(ctx context.Context, id int64) (bool, error) {
	var one int
	err := t.tx.GetContext(ctx, &one, `UPDATE alerts SET active=false, triggered_at=NOW() WHERE id=$1 AND active RETURNING 1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *pgTx) CreateTicket(ctx context.Context, tk *entity.Ticket) error {
	if tk.Status == "" {
		tk.Status = entity.TicketOpen
	}
	return t.tx.QueryRowxContext(ctx,
		`INSERT INTO tickets (account_id, category, message, status) VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		tk.AccountID, tk.Category, tk.Message, tk.Status,
	).Scan(&tk.ID, &tk.CreatedAt, &tk.UpdatedAt)
}

func (t *pgTx) ReplyTicket(ctx context.Context, id int64, reply string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE tickets SET admin_reply=$2, status='replied', updated_at=NOW() WHERE id=$1`, id, reply)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
