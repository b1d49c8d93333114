package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// Alert is a price watch; it fires once and is then deactivated.
type Alert struct {
	ID          int64           `db:"id" json:"id"`
	AccountID   int64           `db:"account_id" json:"account_id"`
	Symbol      string          `db:"symbol" json:"symbol"`
	Target      decimal.Decimal `db:"target" json:"target"`
	Direction   Direction       `db:"direction" json:"direction"`
	Active      bool            `db:"active" json:"active"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	TriggeredAt *time.Time      `db:"triggered_at" json:"triggered_at,omitempty"`
}

// Hit reports whether price satisfies the alert condition.
func (a *Alert) Hit(price decimal.Decimal) bool {
	if a.Direction == Above {
		return price.GreaterThanOrEqual(a.Target)
	}
	return price.LessThanOrEqual(a.Target)
}

// AuditEntry records one privileged action. Rows are never updated.
type AuditEntry struct {
	ID         string    `db:"id" json:"id"`
	AdminPhone string    `db:"admin_phone" json:"admin_phone"`
	Action     string    `db:"action" json:"action"`
	TargetType string    `db:"target_type" json:"target_type"`
	TargetID   string    `db:"target_id" json:"target_id"`
	Detail     string    `db:"detail" json:"detail"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

type TicketStatus string

const (
	TicketOpen    TicketStatus = "open"
	TicketReplied TicketStatus = "replied"
)

type Ticket struct {
	ID         int64        `db:"id" json:"id"`
	AccountID  int64        `db:"account_id" json:"account_id"`
	Category   string       `db:"category" json:"category"`
	Message    string       `db:"message" json:"message"`
	Status     TicketStatus `db:"status" json:"status"`
	AdminReply *string      `db:"admin_reply" json:"admin_reply,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
}
