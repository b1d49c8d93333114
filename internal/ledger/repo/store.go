package repo

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
)

var (
	ErrNotFound  = apperr.New(apperr.KindNotFound, "record not found")
	ErrDuplicate = apperr.New(apperr.KindValidation, "record already exists")

	// ErrNegativeBalance is a broken invariant, not a user error.
	ErrNegativeBalance = apperr.New(apperr.KindSystem, "wallet balance would go negative")
)

// Reader exposes the read side of the ledger. Reads through a Tx observe
// that transaction's uncommitted writes.
type Reader interface {
	AccountByID(ctx context.Context, id int64) (*entity.Account, error)
	AccountByPhone(ctx context.Context, phone string) (*entity.Account, error)
	AccountByReferralCode(ctx context.Context, code string) (*entity.Account, error)
	ListAccounts(ctx context.Context) ([]entity.Account, error)
	CountReferrals(ctx context.Context, sponsorID int64) (int, error)

	Wallets(ctx context.Context, accountID int64) ([]entity.Wallet, error)

	Transaction(ctx context.Context, id int64) (*entity.Transaction, error)
	ListTransactions(ctx context.Context, accountID int64, limit int) ([]entity.Transaction, error)
	ListPending(ctx context.Context, limit int) ([]entity.Transaction, error)
	SumCompleted(ctx context.Context, accountID int64, typ entity.TxType) (decimal.Decimal, error)

	ActiveAlerts(ctx context.Context) ([]entity.Alert, error)
	AlertsByAccount(ctx context.Context, accountID int64) ([]entity.Alert, error)

	Ticket(ctx context.Context, id int64) (*entity.Ticket, error)
	TicketsByAccount(ctx context.Context, accountID int64, limit int) ([]entity.Ticket, error)
	OpenTickets(ctx context.Context, limit int) ([]entity.Ticket, error)

	AuditLog(ctx context.Context, limit int) ([]entity.AuditEntry, error)
}

// Tx is one atomic unit of work. Lock* methods take row locks held until
// the surrounding WithTx returns.
type Tx interface {
	Reader

	CreateAccount(ctx context.Context, a *entity.Account) error
	LockAccount(ctx context.Context, id int64) (*entity.Account, error)
	UpdateAccount(ctx context.Context, a *entity.Account) error

	// LockWallet returns the (account, currency) wallet locked for update,
	// creating an empty one first if it does not exist.
	LockWallet(ctx context.Context, accountID int64, currency string) (*entity.Wallet, error)
	SaveWallet(ctx context.Context, w *entity.Wallet) error

	InsertTransaction(ctx context.Context, t *entity.Transaction) error
	LockTransaction(ctx context.Context, id int64) (*entity.Transaction, error)
	// UpdateTransaction persists Status, Reference and LinkedID only.
	UpdateTransaction(ctx context.Context, t *entity.Transaction) error

	InsertAudit(ctx context.Context, e *entity.AuditEntry) error

	CreateAlert(ctx context.Context, a *entity.Alert) error
	// DeactivateAlert flips an active alert off and reports whether this call did it.
	DeactivateAlert(ctx context.Context, id int64) (bool, error)

	CreateTicket(ctx context.Context, t *entity.Ticket) error
	ReplyTicket(ctx context.Context, id int64, reply string) error
}

// Store is the durable ledger: accounts, wallets, the transaction log,
// alerts, tickets and the admin audit trail.
type Store interface {
	Reader
	// WithTx runs fn atomically: all writes commit together when fn returns
	// nil, none survive otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
