package entity

import "time"

// Stage tracks onboarding progress of an account.
type Stage string

const (
	StageNew      Stage = "new" // waiting for language choice
	StageReferral Stage = "referral"
	StagePIN      Stage = "pin"
	StageActive   Stage = "active"
)

// Account is a chat identity (phone) owning zero or more wallets.
type Account struct {
	ID                int64     `db:"id" json:"id"`
	Phone             string    `db:"phone" json:"phone"`
	Name              string    `db:"name" json:"name,omitempty"`
	Language          string    `db:"language" json:"language"`
	Stage             Stage     `db:"stage" json:"stage"`
	Frozen            bool      `db:"frozen" json:"frozen"`
	PINHash           *string   `db:"pin_hash" json:"-"`
	ReferralCode      string    `db:"referral_code" json:"referral_code"`
	SponsorID         *int64    `db:"sponsor_id" json:"sponsor_id,omitempty"`
	ReferralBonusPaid bool      `db:"referral_bonus_paid" json:"referral_bonus_paid"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`

	// PINFailures counts consecutive wrong PINs since the last success or lockout.
	PINFailures    int        `db:"pin_failures" json:"-"`
	PINLockedUntil *time.Time `db:"pin_locked_until" json:"-"`
}

func (a *Account) HasPIN() bool { return a.PINHash != nil && *a.PINHash != "" }

func (a *Account) Active() bool { return a.Stage == StageActive }

// PINLocked reports whether PIN entry is refused at now.
func (a *Account) PINLocked(now time.Time) bool {
	return a.PINLockedUntil != nil && now.Before(*a.PINLockedUntil)
}
