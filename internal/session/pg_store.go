package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// PgStore shares sessions between instances through a postgres table.
type PgStore struct {
	db  *sqlx.DB
	ttl time.Duration
}

func NewPgStore(db *sqlx.DB, ttl time.Duration) *PgStore {
	return &PgStore{db: db, ttl: ttl}
}

// EnsureTable creates the chat_sessions table if not exists (idempotent).
func (p *PgStore) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS chat_sessions (
  account_id BIGINT NOT NULL,
  kind TEXT NOT NULL,
  state JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (account_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at);
`
	_, err := p.db.ExecContext(ctx, ddl)
	return err
}

// cutoff is the oldest updated_at still considered live.
func (p *PgStore) cutoff() time.Time {
	if p.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-p.ttl)
}

func (p *PgStore) Get(ctx context.Context, accountID int64, kind Kind) (*Session, error) {
	var s Session
	err := p.db.GetContext(ctx, &s,
		`SELECT account_id, kind, state, updated_at FROM chat_sessions WHERE account_id=$1 AND kind=$2 AND updated_at >= $3`,
		accountID, kind, p.cutoff())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (p *PgStore) Set(ctx context.Context, s *Session) error {
	const q = `INSERT INTO chat_sessions (account_id, kind, state, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id, kind) DO UPDATE SET state=EXCLUDED.state, updated_at=EXCLUDED.updated_at
		RETURNING updated_at`
	return p.db.GetContext(ctx, &s.UpdatedAt, q, s.AccountID, s.Kind, []byte(s.State))
}

func (p *PgStore) Clear(ctx context.Context, accountID int64, kind Kind) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE account_id=$1 AND kind=$2`, accountID, kind)
	return err
}

func (p *PgStore) ClearAll(ctx context.Context, accountID int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE account_id=$1`, accountID)
	return err
}

func (p *PgStore) Active(ctx context.Context, accountID int64) ([]*Session, error) {
	var rows []Session
	err := p.db.SelectContext(ctx, &rows,
		`SELECT account_id, kind, state, updated_at FROM chat_sessions WHERE account_id=$1 AND updated_at >= $2 ORDER BY updated_at DESC`,
		accountID, p.cutoff())
	if err != nil {
		return nil, err
	}
	out := make([]*Session, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// Purge deletes expired sessions and returns how many were removed.
func (p *PgStore) Purge(ctx context.Context) (int64, error) {
	if p.ttl <= 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE updated_at < $1`, p.cutoff())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
