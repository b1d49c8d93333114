// Package account owns the account lifecycle: creation on first contact,
// onboarding, PIN handling and freezing.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/utilities"
)

// PinHasher hashes and checks PINs.
type PinHasher interface {
	Hash(pin string) (string, error)
	Verify(hash, pin string) bool
}

type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pin string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pin string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}

var (
	ErrBadPIN       = apperr.New(apperr.KindValidation, "incorrect PIN")
	ErrPINFormat    = apperr.New(apperr.KindValidation, "PIN must be exactly 4 digits")
	ErrPINUnchanged = apperr.New(apperr.KindValidation, "new PIN must differ from the current one")
	ErrNoPIN        = apperr.New(apperr.KindValidation, "no PIN set on this account")
	ErrPINLocked    = apperr.New(apperr.KindUnauthorized, "too many wrong PIN attempts, PIN entry is locked for now")
	ErrFrozen       = apperr.New(apperr.KindUnauthorized, "account is frozen, contact support")
	ErrBadLanguage  = apperr.New(apperr.KindValidation, "type 1, 2 or 3 to select a language")
	ErrBadReferral  = apperr.New(apperr.KindValidation, "referral code not found")
	ErrSelfReferral = apperr.New(apperr.KindValidation, "you cannot use your own referral code")
)

const (
	// MaxPINAttempts consecutive wrong PINs start a lockout.
	MaxPINAttempts = 3
	PINLockout     = 15 * time.Minute
)

var languages = map[string]string{"1": "en", "english": "en", "2": "es", "espanol": "es", "3": "fr", "francais": "fr"}

// Service orchestrates account lifecycle flows.
type Service struct {
	store  repo.Store
	hasher PinHasher
	logger *zap.SugaredLogger
	// newCode generates referral codes; replaced in tests.
	newCode func() string
	now     func() time.Time
}

func NewService(store repo.Store, hasher PinHasher, logger *zap.SugaredLogger) *Service {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 10}
	}
	return &Service{store: store, hasher: hasher, logger: logger, newCode: utilities.NewReferralCode, now: time.Now}
}

// Ensure returns the account for phone, creating it at stage new on first
// contact. created reports whether this call created it.
func (s *Service) Ensure(ctx context.Context, phone string) (a *entity.Account, created bool, err error) {
	phone = config.NormalizePhone(phone)
	if phone == "" {
		return nil, false, apperr.Validation("missing sender identity")
	}
	a, err = s.store.AccountByPhone(ctx, phone)
	if err == nil {
		return a, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		a = &entity.Account{Phone: phone, Stage: entity.StageNew, Language: "en", ReferralCode: s.newCode()}
		err = s.store.WithTx(ctx, func(tx repo.Tx) error { return tx.CreateAccount(ctx, a) })
		if err == nil {
			s.logger.Infow("account created", "account_id", a.ID, "phone", phone)
			return a, true, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, false, err
		}
		// either the phone raced in or the code collided
		if existing, e := s.store.AccountByPhone(ctx, phone); e == nil {
			return existing, false, nil
		}
	}
	return nil, false, err
}

// ChooseLanguage stores the language and moves the account to the referral stage.
func (s *Service) ChooseLanguage(ctx context.Context, accountID int64, choice string) error {
	lang, ok := languages[strings.ToLower(strings.TrimSpace(choice))]
	if !ok {
		return ErrBadLanguage
	}
	return s.update(ctx, accountID, func(a *entity.Account) error {
		a.Language = lang
		a.Stage = entity.StageReferral
		return nil
	})
}

// ApplyReferralCode links the sponsor owning code, or skips when code is "skip".
func (s *Service) ApplyReferralCode(ctx context.Context, accountID int64, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "SKIP" {
		return s.update(ctx, accountID, func(a *entity.Account) error {
			a.Stage = entity.StagePIN
			return nil
		})
	}
	return s.store.WithTx(ctx, func(tx repo.Tx) error {
		sponsor, err := tx.AccountByReferralCode(ctx, code)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrBadReferral
		}
		if err != nil {
			return err
		}
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if sponsor.ID == a.ID {
			return ErrSelfReferral
		}
		a.SponsorID = &sponsor.ID
		a.Stage = entity.StagePIN
		return tx.UpdateAccount(ctx, a)
	})
}

// SetInitialPIN stores the first PIN and activates the account.
func (s *Service) SetInitialPIN(ctx context.Context, accountID int64, pin string) error {
	if !ValidPIN(pin) {
		return ErrPINFormat
	}
	hash, err := s.hasher.Hash(pin)
	if err != nil {
		return err
	}
	return s.update(ctx, accountID, func(a *entity.Account) error {
		a.PINHash = &hash
		a.Stage = entity.StageActive
		return nil
	})
}

// VerifyPIN checks pin against the stored hash.
func (s *Service) VerifyPIN(a *entity.Account, pin string) error {
	if !a.HasPIN() {
		return ErrNoPIN
	}
	if !s.hasher.Verify(*a.PINHash, strings.TrimSpace(pin)) {
		return ErrBadPIN
	}
	return nil
}

// CheckPIN verifies pin for a transaction and records the outcome on the
// account, so failures count across flows and cancels. It returns the
// attempts left with ErrBadPIN, or ErrPINLocked once MaxPINAttempts
// consecutive failures occur and until PINLockout has passed.
func (s *Service) CheckPIN(ctx context.Context, accountID int64, pin string) (left int, err error) {
	var outcome error
	err = s.store.WithTx(ctx, func(tx repo.Tx) error {
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		now := s.now()
		if a.PINLocked(now) {
			outcome = ErrPINLocked
			return nil
		}
		if outcome = s.VerifyPIN(a, pin); outcome == nil {
			if a.PINFailures == 0 && a.PINLockedUntil == nil {
				return nil
			}
			a.PINFailures, a.PINLockedUntil = 0, nil
			return tx.UpdateAccount(ctx, a)
		}
		if !errors.Is(outcome, ErrBadPIN) {
			return nil
		}
		a.PINFailures++
		left = MaxPINAttempts - a.PINFailures
		if left <= 0 {
			until := now.Add(PINLockout)
			a.PINFailures, a.PINLockedUntil = 0, &until
			left, outcome = 0, ErrPINLocked
			s.logger.Warnw("PIN locked", "account_id", a.ID, "until", until)
		}
		return tx.UpdateAccount(ctx, a)
	})
	if err != nil {
		return 0, err
	}
	return left, outcome
}

// ChangePIN replaces the PIN. Callers verify the current PIN first, so it
// never has to be carried between chat turns.
func (s *Service) ChangePIN(ctx context.Context, accountID int64, next string) error {
	if !ValidPIN(next) {
		return ErrPINFormat
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	return s.update(ctx, accountID, func(a *entity.Account) error {
		if a.HasPIN() && s.hasher.Verify(*a.PINHash, next) {
			return ErrPINUnchanged
		}
		a.PINHash = &hash
		return nil
	})
}

// Freeze is self-service; lifting it is an audited admin action.
func (s *Service) Freeze(ctx context.Context, accountID int64) error {
	err := s.update(ctx, accountID, func(a *entity.Account) error {
		a.Frozen = true
		return nil
	})
	if err == nil {
		s.logger.Infow("account frozen", "account_id", accountID)
	}
	return err
}

func (s *Service) update(ctx context.Context, accountID int64, mutate func(a *entity.Account) error) error {
	return s.store.WithTx(ctx, func(tx repo.Tx) error {
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := mutate(a); err != nil {
			return err
		}
		return tx.UpdateAccount(ctx, a)
	})
}

// ValidPIN reports whether pin is exactly four ASCII digits.
func ValidPIN(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

// ConstantTimeCompare compares secrets without leaking timing.
func ConstantTimeCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
