package purchase

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
)

// RetryingClient retries transient failures with exponential backoff.
// Every attempt reuses the request id so the provider can deduplicate.
type RetryingClient struct {
	next     Client
	attempts int
	backoff  time.Duration
	logger   *zap.SugaredLogger
}

func NewRetryingClient(next Client, attempts int, backoff time.Duration, logger *zap.SugaredLogger) *RetryingClient {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingClient{next: next, attempts: attempts, backoff: backoff, logger: logger}
}

func (c *RetryingClient) Purchase(ctx context.Context, req Request) (Result, error) {
	var (
		res     Result
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		res, err = c.next.Purchase(ctx, req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		c.logger.Warnw("vtu attempt failed", "request_id", req.RequestID, "attempt", attempt, "error", err)
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.backoff)),
			uint64(c.attempts-1),
		),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return Result{}, apperr.External("purchase service unavailable", err)
	}
	return res, nil
}
