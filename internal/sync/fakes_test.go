package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testOptions() Options {
	return Options{
		BatchSize:      2,
		PayloadWorkers: 4,
		FetchTimeout:   time.Second,
		PayloadTimeout: time.Second,
		CommitTimeout:  time.Second,
		LockTTL:        time.Minute,
		Retry:          RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
}

// fakeStore is an in-memory MessageStore whose transactions apply on commit.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]*IngestedMessage
	outbox      []OutboxEntry
	failCommits int
	commits     int
	getErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*IngestedMessage)}
}

func storeKey(mailboxID, externalID string) string { return mailboxID + "/" + externalID }

func (s *fakeStore) GetMessage(_ context.Context, mailboxID, externalID string) (*IngestedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	m, ok := s.rows[storeKey(mailboxID, externalID)]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return m.Clone(), nil
}

func (s *fakeStore) KnownExternalIDs(_ context.Context, mailboxID string, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool)
	for _, id := range ids {
		if _, ok := s.rows[storeKey(mailboxID, id)]; ok {
			known[id] = true
		}
	}
	return known, nil
}

func (s *fakeStore) BeginTx(context.Context) (Tx, error) {
	return &fakeTx{store: s}, nil
}

func (s *fakeStore) get(mailboxID, externalID string) *IngestedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[storeKey(mailboxID, externalID)].Clone()
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeTx struct {
	store  *fakeStore
	rows   []*IngestedMessage
	outbox []OutboxEntry
	done   bool
}

func (t *fakeTx) UpsertMessage(_ context.Context, m *IngestedMessage) error {
	t.rows = append(t.rows, m.Clone())
	return nil
}

func (t *fakeTx) EnqueueOutbox(_ context.Context, e OutboxEntry) error {
	t.outbox = append(t.outbox, e)
	return nil
}

func (t *fakeTx) Commit() error {
	if t.done {
		return errors.New("tx already finished")
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits > 0 {
		s.failCommits--
		return errors.New("disk I/O error")
	}
	for _, m := range t.rows {
		s.rows[storeKey(m.MailboxID, m.ExternalID)] = m
	}
	s.outbox = append(s.outbox, t.outbox...)
	s.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	t.done = true
	return nil
}

type fakeCheckpoints struct {
	mu      sync.Mutex
	values  map[string]Cursor
	saves   []Cursor
	failErr error
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{values: make(map[string]Cursor)}
}

func (c *fakeCheckpoints) LoadCheckpoint(_ context.Context, mailboxID string) (*Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[mailboxID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (c *fakeCheckpoints) SaveCheckpoint(_ context.Context, mailboxID string, cur Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	if prev, ok := c.values[mailboxID]; ok && cur.Seq < prev.Seq {
		return ErrCursorRegressed
	}
	c.values[mailboxID] = cur
	c.saves = append(c.saves, cur)
	return nil
}

func (c *fakeCheckpoints) current(mailboxID string) *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[mailboxID]
	if !ok {
		return nil
	}
	return &v
}

type fakeLocker struct {
	mu     sync.Mutex
	owners map[string]string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{owners: make(map[string]string)}
}

func (l *fakeLocker) AcquireLock(_ context.Context, mailboxID, owner string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.owners[mailboxID]; ok && cur != owner {
		return ErrMailboxLocked
	}
	l.owners[mailboxID] = owner
	return nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, mailboxID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[mailboxID] == owner {
		delete(l.owners, mailboxID)
	}
	return nil
}

// fakeDeltaSource serves pages keyed by the token of the cursor they start from.
type fakeDeltaSource struct {
	mu        sync.Mutex
	pages     map[string]*DeltaPage
	payloads  map[string]*RawMessage
	pollErrs  []error
	polls     int
	fetches   int
	onPoll    func(n int)
	fetchErrs map[string]error
}

func newFakeDeltaSource() *fakeDeltaSource {
	return &fakeDeltaSource{
		pages:     make(map[string]*DeltaPage),
		payloads:  make(map[string]*RawMessage),
		fetchErrs: make(map[string]error),
	}
}

func (s *fakeDeltaSource) Provider() ProviderName { return ProviderGoogle }

func (s *fakeDeltaSource) Poll(_ context.Context, cursor *Cursor) (*DeltaPage, error) {
	s.mu.Lock()
	s.polls++
	n := s.polls
	var err error
	if len(s.pollErrs) > 0 {
		err, s.pollErrs = s.pollErrs[0], s.pollErrs[1:]
	}
	hook := s.onPoll
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return nil, err
	}

	token := ""
	if cursor != nil {
		token = cursor.Token
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[token]
	if !ok {
		return &DeltaPage{Next: cursor}, nil
	}
	cp := *page
	return &cp, nil
}

func (s *fakeDeltaSource) FetchPayload(_ context.Context, ref MessageRef) (*RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if err, ok := s.fetchErrs[ref.ExternalID]; ok {
		return nil, err
	}
	p, ok := s.payloads[ref.ExternalID]
	if !ok {
		return nil, fmt.Errorf("payload %s: %w", ref.ExternalID, ErrMessageNotFound)
	}
	return p, nil
}

// fakeScanSource lists handles above the cursor seq.
type fakeScanSource struct {
	entries  []ScanEntry
	payloads map[string]*RawMessage
	pageSize int
}

func (s *fakeScanSource) Provider() ProviderName { return ProviderIMAP }

func (s *fakeScanSource) ListSince(_ context.Context, cursor *Cursor) (*ScanPage, error) {
	var after uint64
	if cursor != nil {
		after = cursor.Seq
	}
	page := &ScanPage{MostRecent: cursor}
	for i, e := range s.entries {
		seq := uint64(i + 1)
		if seq <= after {
			continue
		}
		if len(page.Entries) == s.pageSize {
			break
		}
		page.Entries = append(page.Entries, e)
		page.MostRecent = &Cursor{Token: fmt.Sprintf("uid-%d", seq), Seq: seq}
	}
	return page, nil
}

func (s *fakeScanSource) FetchPayload(_ context.Context, ref MessageRef) (*RawMessage, error) {
	p, ok := s.payloads[ref.Handle]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return p, nil
}

// fakeNormalizer reads "subject\nsender\nbody" payloads.
type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(raw []byte) (Content, error) {
	parts := strings.SplitN(string(raw), "\n", 3)
	if len(parts) != 3 {
		return Content{}, errors.New("malformed message")
	}
	return Content{Subject: parts[0], Sender: parts[1], Participants: []string{parts[1]}, Body: parts[2]}, nil
}

func rawMsg(id, subject string) *RawMessage {
	return &RawMessage{ExternalID: id, ThreadID: "t-" + id, Raw: []byte(subject + "\nalice@example.com\nhello " + id)}
}

func newTestDriver(t interface{ Fatalf(string, ...any) }, src ChangeSource, store *fakeStore, cps *fakeCheckpoints, locker Locker) *Driver {
	d, err := NewDriver(DriverConfig{
		Source:      src,
		Messages:    store,
		Checkpoints: cps,
		Locker:      locker,
		Normalizer:  fakeNormalizer{},
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	return d
}
