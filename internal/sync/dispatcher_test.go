package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeOutbox struct {
	mu        sync.Mutex
	pending   []OutboxMessage
	published []int64
	retried   map[int64]time.Duration
}

func (o *fakeOutbox) DequeueOutbox(_ context.Context, limit int) ([]OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := min(limit, len(o.pending))
	out := o.pending[:n]
	o.pending = o.pending[n:]
	return out, nil
}

func (o *fakeOutbox) MarkPublished(_ context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published = append(o.published, id)
	return nil
}

func (o *fakeOutbox) MarkOutboxRetry(_ context.Context, id int64, backoff time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.retried == nil {
		o.retried = make(map[int64]time.Duration)
	}
	o.retried[id] = backoff
	return nil
}

type fakePublisher struct {
	fail  map[string]bool
	msgID []string
}

func (p *fakePublisher) Publish(subject string, _ []byte, msgID string) error {
	if p.fail[subject] {
		return errors.New("nats: timeout")
	}
	p.msgID = append(p.msgID, msgID)
	return nil
}

func TestDispatchOnce(t *testing.T) {
	store := &fakeOutbox{pending: []OutboxMessage{
		{ID: 1, Subject: "mailbox.a.message.created", MsgID: "x1"},
		{ID: 2, Subject: "mailbox.a.message.deleted", MsgID: "x2", Retries: 2},
		{ID: 3, Subject: "mailbox.a.message.updated", MsgID: "x3"},
	}}
	pub := &fakePublisher{fail: map[string]bool{"mailbox.a.message.deleted": true}}

	n, err := NewDispatcher(store, pub, testLogger()).DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("handled = %d, want 3", n)
	}
	if len(store.published) != 2 || store.published[0] != 1 || store.published[1] != 3 {
		t.Errorf("published = %v", store.published)
	}
	if got := store.retried[2]; got != 40*time.Second {
		t.Errorf("retry backoff = %v, want 40s", got)
	}
}

func TestRetryBackoffIsCapped(t *testing.T) {
	if got := retryBackoff(0); got != 10*time.Second {
		t.Errorf("retryBackoff(0) = %v", got)
	}
	if got := retryBackoff(50); got != 10*time.Minute {
		t.Errorf("retryBackoff(50) = %v", got)
	}
}

func TestOutboxEntryForMutation(t *testing.T) {
	rec := &IngestedMessage{MailboxID: "alice@example.com", ExternalID: "m1", Labels: []string{}, UpdatedAt: time.Unix(10, 0)}
	entry, err := newOutboxEntry("alice@example.com", Mutation{Record: rec, Outcome: OutcomeCreated, Change: MessageAdded})
	if err != nil {
		t.Fatalf("newOutboxEntry: %v", err)
	}
	if entry.Subject != "mailbox.alice@example_com.message.created" {
		t.Errorf("Subject = %q", entry.Subject)
	}
	if entry.MsgID != "message.created|alice@example.com|m1|10000000000" {
		t.Errorf("MsgID = %q", entry.MsgID)
	}
	var body struct {
		EventType string          `json:"event_type"`
		Message   IngestedMessage `json:"message"`
	}
	if err := json.Unmarshal(entry.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.EventType != "message.created" || body.Message.ExternalID != "m1" {
		t.Errorf("payload = %+v", body)
	}
}
