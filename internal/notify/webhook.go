package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/utilities"
)

// delivery is the JSON body posted to the webhook.
type delivery struct {
	ID      string    `json:"id"`
	To      Contact   `json:"to"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// WebhookNotifier posts messages to an HTTP endpoint from a worker pool.
// Notify only enqueues; a full queue or a closed notifier drops the message.
type WebhookNotifier struct {
	url         string
	client      *http.Client
	logger      *zap.SugaredLogger
	queue       chan delivery
	maxAttempts int
	backoff     time.Duration
	drain       time.Duration

	// ctx is cancelled by Close so pending retries stop waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewWebhookNotifier(url string, workers int, logger *zap.SugaredLogger) *WebhookNotifier {
	if workers <= 0 {
		workers = 1
	}
	w := &WebhookNotifier{
		url:         url,
		client:      &http.Client{Timeout: 5 * time.Second},
		logger:      logger,
		queue:       make(chan delivery, 256),
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		drain:       10 * time.Second,
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.work()
	}
	return w
}

func (w *WebhookNotifier) Notify(_ context.Context, to Contact, message string) {
	d := delivery{ID: utilities.NewUUID(), To: to, Message: message, SentAt: time.Now().UTC()}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warnw("notifier closed, dropping message", "to", to.Phone, "id", d.ID)
		return
	}
	select {
	case w.queue <- d:
	default:
		w.logger.Warnw("notify queue full, dropping message", "to", to.Phone, "id", d.ID)
	}
}

// Close stops accepting messages and waits up to the drain window for
// queued deliveries, then abandons any still backing off.
func (w *WebhookNotifier) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.drain):
		w.cancel()
		<-done
	}
	w.cancel()
}

func (w *WebhookNotifier) work() {
	defer w.wg.Done()
	for d := range w.queue {
		b := backoff.WithContext(
			backoff.WithMaxRetries(
				backoff.NewExponentialBackOff(backoff.WithInitialInterval(w.backoff)),
				uint64(w.maxAttempts-1),
			),
			w.ctx,
		)
		if err := backoff.Retry(func() error { return w.post(d) }, b); err != nil {
			w.logger.Warnw("notify delivery failed", "to", d.To.Phone, "id", d.ID, "err", err)
		}
	}
}

func (w *WebhookNotifier) post(d delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.ID)
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
