package notify

import (
	"context"
	"strings"
	"sync"
)

// Message is one notification captured by a Recorder.
type Message struct {
	To   Contact
	Text string
}

// Recorder is an in-memory Notifier that keeps every message, for tests and dry runs.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(_ context.Context, to Contact, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{To: to, Text: message})
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// To returns messages sent to phone.
func (r *Recorder) To(phone string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.To.Phone == phone {
			out = append(out, m)
		}
	}
	return out
}

// Contains reports whether any message to phone contains substr.
func (r *Recorder) Contains(phone, substr string) bool {
	for _, m := range r.To(phone) {
		if strings.Contains(m.Text, substr) {
			return true
		}
	}
	return false
}
