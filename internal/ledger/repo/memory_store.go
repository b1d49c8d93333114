package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
)

type walletKey struct {
	accountID int64
	currency  string
}

// memState is one consistent version of the ledger.
type memState struct {
	accounts map[int64]entity.Account
	wallets  map[walletKey]entity.Wallet
	txs      map[int64]entity.Transaction
	alerts   map[int64]entity.Alert
	tickets  map[int64]entity.Ticket
	audit    []entity.AuditEntry

	accountSeq, walletSeq, txSeq, alertSeq, ticketSeq int64

	now func() time.Time
}

func newMemState(now func() time.Time) *memState {
	return &memState{
		accounts: map[int64]entity.Account{},
		wallets:  map[walletKey]entity.Wallet{},
		txs:      map[int64]entity.Transaction{},
		alerts:   map[int64]entity.Alert{},
		tickets:  map[int64]entity.Ticket{},
		now:      now,
	}
}

func (s *memState) clone() *memState {
	c := newMemState(s.now)
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	for k, v := range s.alerts {
		c.alerts[k] = v
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	c.audit = append([]entity.AuditEntry(nil), s.audit...)
	c.accountSeq, c.walletSeq, c.txSeq, c.alertSeq, c.ticketSeq = s.accountSeq, s.walletSeq, s.txSeq, s.alertSeq, s.ticketSeq
	return c
}

// MemoryStore keeps the ledger in process memory. Each WithTx works on a
// private copy that replaces the shared state only on success, and
// transactions run one at a time.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(time.Now)}
}

// NewMemoryStoreWithClock is NewMemoryStore with a fixed time source for tests.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{state: newMemState(now)}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{memState: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) read() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// The committed state is never mutated in place, so readers can use the
// snapshot after releasing the lock.

func (m *MemoryStore) AccountByID(ctx context.Context, id int64) (*entity.Account, error) {
	return m.read().AccountByID(ctx, id)
}
func (m *MemoryStore) AccountByPhone(ctx context.Context, phone string) (*entity.Account, error) {
	return m.read().AccountByPhone(ctx, phone)
}
func (m *MemoryStore) AccountByReferralCode(ctx context.Context, code string) (*entity.Account, error) {
	return m.read().AccountByReferralCode(ctx, code)
}
func (m *MemoryStore) ListAccounts(ctx context.Context) ([]entity.Account, error) {
	return m.read().ListAccounts(ctx)
}
func (m *MemoryStore) CountReferrals(ctx context.Context, sponsorID int64) (int, error) {
	return m.read().CountReferrals(ctx, sponsorID)
}
func (m *MemoryStore) Wallets(ctx context.Context, accountID int64) ([]entity.Wallet, error) {
	return m.read().Wallets(ctx, accountID)
}
func (m *MemoryStore) Transaction(ctx context.Context, id int64) (*entity.Transaction, error) {
	return m.read().Transaction(ctx, id)
}
func (m *MemoryStore) ListTransactions(ctx context.Context, accountID int64, limit int) ([]entity.Transaction, error) {
	return m.read().ListTransactions(ctx, accountID, limit)
}
func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]entity.Transaction, error) {
	return m.read().ListPending(ctx, limit)
}
func (m *MemoryStore) SumCompleted(ctx context.Context, accountID int64, typ entity.TxType) (decimal.Decimal, error) {
	return m.read().SumCompleted(ctx, accountID, typ)
}
func (m *MemoryStore) ActiveAlerts(ctx context.Context) ([]entity.Alert, error) {
	return m.read().ActiveAlerts(ctx)
}
func (m *MemoryStore) AlertsByAccount(ctx context.Context, accountID int64) ([]entity.Alert, error) {
	return m.read().AlertsByAccount(ctx, accountID)
}
func (m *MemoryStore) Ticket(ctx context.Context, id int64) (*entity.Ticket, error) {
	return m.read().Ticket(ctx, id)
}
func (m *MemoryStore) TicketsByAccount(ctx context.Context, accountID int64, limit int) ([]entity.Ticket, error) {
	return m.read().TicketsByAccount(ctx, accountID, limit)
}
func (m *MemoryStore) OpenTickets(ctx context.Context, limit int) ([]entity.Ticket, error) {
	return m.read().OpenTickets(ctx, limit)
}
func (m *MemoryStore) AuditLog(ctx context.Context, limit int) ([]entity.AuditEntry, error) {
	return m.read().AuditLog(ctx, limit)
}

// reads

func (s *memState) AccountByID(_ context.Context, id int64) (*entity.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *memState) AccountByPhone(_ context.Context, phone string) (*entity.Account, error) {
	for _, a := range s.accounts {
		if a.Phone == phone {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memState) AccountByReferralCode(_ context.Context, code string) (*entity.Account, error) {
	for _, a := range s.accounts {
		if a.ReferralCode == code {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memState) ListAccounts(context.Context) ([]entity.Account, error) {
	out := make([]entity.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) CountReferrals(_ context.Context, sponsorID int64) (int, error) {
	n := 0
	for _, a := range s.accounts {
		if a.SponsorID != nil && *a.SponsorID == sponsorID {
			n++
		}
	}
	return n, nil
}

func (s *memState) Wallets(_ context.Context, accountID int64) ([]entity.Wallet, error) {
	var out []entity.Wallet
	for k, w := range s.wallets {
		if k.accountID == accountID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *memState) Transaction(_ context.Context, id int64) (*entity.Transaction, error) {
	t, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *memState) filterTxs(limit int, keep func(entity.Transaction) bool) []entity.Transaction {
	var out []entity.Transaction
	for _, t := range s.txs {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memState) ListTransactions(_ context.Context, accountID int64, limit int) ([]entity.Transaction, error) {
	return s.filterTxs(limit, func(t entity.Transaction) bool { return t.AccountID == accountID }), nil
}

func (s *memState) ListPending(_ context.Context, limit int) ([]entity.Transaction, error) {
	out := s.filterTxs(0, func(t entity.Transaction) bool { return t.Status == entity.StatusPending })
	// oldest first, like the postgres queue query
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memState) SumCompleted(_ context.Context, accountID int64, typ entity.TxType) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, t := range s.txs {
		if t.AccountID == accountID && t.Type == typ && t.Status == entity.StatusCompleted {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func (s *memState) ActiveAlerts(context.Context) ([]entity.Alert, error) {
	var out []entity.Alert
	for _, a := range s.alerts {
		if a.Active {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) AlertsByAccount(_ context.Context, accountID int64) ([]entity.Alert, error) {
	var out []entity.Alert
	for _, a := range s.alerts {
		if a.AccountID == accountID && a.Active {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) Ticket(_ context.Context, id int64) (*entity.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *memState) ticketsWhere(limit int, keep func(entity.Ticket) bool) []entity.Ticket {
	var out []entity.Ticket
	for _, t := range s.tickets {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memState) TicketsByAccount(_ context.Context, accountID int64, limit int) ([]entity.Ticket, error) {
	return s.ticketsWhere(limit, func(t entity.Ticket) bool { return t.AccountID == accountID }), nil
}

func (s *memState) OpenTickets(_ context.Context, limit int) ([]entity.Ticket, error) {
	return s.ticketsWhere(limit, func(t entity.Ticket) bool { return t.Status == entity.TicketOpen }), nil
}

func (s *memState) AuditLog(_ context.Context, limit int) ([]entity.AuditEntry, error) {
	out := make([]entity.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		out = append(out, s.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// writes

type memTx struct {
	*memState
}

func (t *memTx) CreateAccount(_ context.Context, a *entity.Account) error {
	for _, existing := range t.accounts {
		if existing.Phone == a.Phone || (a.ReferralCode != "" && existing.ReferralCode == a.ReferralCode) {
			return ErrDuplicate
		}
	}
	t.accountSeq++
	now := t.now()
	a.ID = t.accountSeq
	a.CreatedAt, a.UpdatedAt = now, now
	t.accounts[a.ID] = *a
	return nil
}

func (t *memTx) LockAccount(ctx context.Context, id int64) (*entity.Account, error) {
	return t.AccountByID(ctx, id)
}

func (t *memTx) UpdateAccount(_ context.Context, a *entity.Account) error {
	if _, ok := t.accounts[a.ID]; !ok {
		return ErrNotFound
	}
	a.UpdatedAt = t.now()
	t.accounts[a.ID] = *a
	return nil
}

func (t *memTx) LockWallet(_ context.Context, accountID int64, currency string) (*entity.Wallet, error) {
	if _, ok := t.accounts[accountID]; !ok {
		return nil, ErrNotFound
	}
	k := walletKey{accountID, currency}
	w, ok := t.wallets[k]
	if !ok {
		t.walletSeq++
		w = entity.Wallet{ID: t.walletSeq, AccountID: accountID, Currency: currency, UpdatedAt: t.now()}
		t.wallets[k] = w
	}
	return &w, nil
}

func (t *memTx) SaveWallet(_ context.Context, w *entity.Wallet) error {
	k := walletKey{w.AccountID, w.Currency}
	if _, ok := t.wallets[k]; !ok {
		return ErrNotFound
	}
	// mirrors the CHECK constraints of the postgres schema
	if w.Available.IsNegative() || w.Locked.IsNegative() {
		return ErrNegativeBalance
	}
	w.UpdatedAt = t.now()
	t.wallets[k] = *w
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *entity.Transaction) error {
	t.txSeq++
	now := t.now()
	tr.ID = t.txSeq
	tr.CreatedAt, tr.UpdatedAt = now, now
	if len(tr.Details) == 0 {
		tr.Details = types.JSONText("{}")
	}
	t.txs[tr.ID] = *tr
	return nil
}

func (t *memTx) LockTransaction(ctx context.Context, id int64) (*entity.Transaction, error) {
	return t.Transaction(ctx, id)
}

func (t *memTx) UpdateTransaction(_ context.Context, tr *entity.Transaction) error {
	cur, ok := t.txs[tr.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = tr.Status
	cur.Reference = tr.Reference
	cur.LinkedID = tr.LinkedID
	cur.UpdatedAt = t.now()
	t.txs[tr.ID] = cur
	*tr = cur
	return nil
}

func (t *memTx) InsertAudit(_ context.Context, e *entity.AuditEntry) error {
	e.CreatedAt = t.now()
	t.audit = append(t.audit, *e)
	return nil
}

func (t *memTx) CreateAlert(_ context.Context, a *entity.Alert) error {
	t.alertSeq++
	a.ID = t.alertSeq
	a.CreatedAt = t.now()
	t.alerts[a.ID] = *a
	return nil
}

func (t *memTx) DeactivateAlert(_ context.Context, id int64) (bool, error) {
	a, ok := t.alerts[id]
	if !ok || !a.Active {
		return false, nil
	}
	now := t.now()
	a.Active = false
	a.TriggeredAt = &now
	t.alerts[id] = a
	return true, nil
}

func (t *memTx) CreateTicket(_ context.Context, tk *entity.Ticket) error {
	t.ticketSeq++
	now := t.now()
	tk.ID = t.ticketSeq
	tk.CreatedAt, tk.UpdatedAt = now, now
	if tk.Status == "" {
		tk.Status = entity.TicketOpen
	}
	t.tickets[tk.ID] = *tk
	return nil
}

func (t *memTx) ReplyTicket(_ context.Context, id int64, reply string) error {
	tk, ok := t.tickets[id]
	if !ok {
		return ErrNotFound
	}
	tk.AdminReply = &reply
	tk.Status = entity.TicketReplied
	tk.UpdatedAt = t.now()
	t.tickets[id] = tk
	return nil
}
