package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
)

// Contact identifies who receives an outbound message.
type Contact struct {
	AccountID int64  `json:"account_id,omitempty"`
	Phone     string `json:"phone"`
	Name      string `json:"name,omitempty"`
}

// ContactOf builds the contact for an account.
func ContactOf(a *entity.Account) Contact {
	return Contact{AccountID: a.ID, Phone: a.Phone, Name: a.Name}
}

// Admins turns configured admin phones into contacts.
func Admins(phones []string) []Contact {
	out := make([]Contact, 0, len(phones))
	for _, p := range phones {
		out = append(out, Contact{Phone: p, Name: "admin"})
	}
	return out
}

// Notifier delivers a message. Delivery is fire-and-forget: implementations
// must not block on the transport and report failures only through logs.
type Notifier interface {
	Notify(ctx context.Context, to Contact, message string)
}

// NotifyAll sends message to every contact.
func NotifyAll(ctx context.Context, n Notifier, to []Contact, message string) {
	for _, c := range to {
		n.Notify(ctx, c, message)
	}
}

// LogNotifier only logs messages; used when no transport is configured.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, to Contact, message string) {
	l.logger.Infow("notify", "to", to.Phone, "account_id", to.AccountID, "message", message)
}
