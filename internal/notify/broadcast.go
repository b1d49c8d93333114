package notify

import (
	"context"
	"fmt"
	"time"
)

// Broadcast sends message to every recipient, at most one per interval,
// then reports the tally to the requesting admin. It returns the number sent.
func Broadcast(ctx context.Context, n Notifier, recipients []Contact, message string, interval time.Duration, admin Contact) int {
	sent := 0
	for i, c := range recipients {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				n.Notify(context.Background(), admin, fmt.Sprintf("Broadcast stopped: sent to %d/%d users.", sent, len(recipients)))
				return sent
			case <-time.After(interval):
			}
		}
		n.Notify(ctx, c, "ANNOUNCEMENT\n\n"+message)
		sent++
	}
	n.Notify(ctx, admin, fmt.Sprintf("Broadcast complete: sent to %d/%d users.", sent, len(recipients)))
	return sent
}
