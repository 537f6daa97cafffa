package sync

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"
)

// ingestAndCommit runs ev through a fresh page of in and commits any mutation.
func ingestAndCommit(t *testing.T, in *Ingestor, store *fakeStore, ev ChangeEvent) IngestionOutcome {
	t.Helper()
	ctx := context.Background()
	in.BeginPage("c1")
	out, mut := in.Ingest(ctx, ev)
	if mut == nil {
		return out
	}
	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := tx.UpsertMessage(ctx, mut.Record); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return out
}

func newTestIngestor(store *fakeStore, src PayloadFetcher) *Ingestor {
	return NewIngestor("mb", store, src, fakeNormalizer{}, testLogger())
}

func TestIngestIsIdempotentPerKind(t *testing.T) {
	tests := []struct {
		name  string
		seed  []ChangeEvent
		event ChangeEvent
		first OutcomeKind
	}{
		{
			name:  "added",
			event: ChangeEvent{Kind: MessageAdded, ExternalID: "m1", Payload: rawMsg("m1", "hello")},
			first: OutcomeCreated,
		},
		{
			name:  "labels changed on known message",
			seed:  []ChangeEvent{{Kind: MessageAdded, ExternalID: "m1", Payload: rawMsg("m1", "hello")}},
			event: ChangeEvent{Kind: LabelsChanged, ExternalID: "m1", Added: []string{"STARRED"}},
			first: OutcomeUpdated,
		},
		{
			name:  "labels changed on unknown message",
			event: ChangeEvent{Kind: LabelsChanged, ExternalID: "m1", Added: []string{"STARRED"}},
			first: OutcomeCreated,
		},
		{
			name:  "deleted",
			seed:  []ChangeEvent{{Kind: MessageAdded, ExternalID: "m1", Payload: rawMsg("m1", "hello")}},
			event: ChangeEvent{Kind: MessageDeleted, ExternalID: "m1"},
			first: OutcomeUpdated,
		},
		{
			name:  "deleted unknown",
			event: ChangeEvent{Kind: MessageDeleted, ExternalID: "m1"},
			first: OutcomeSkipped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			in := newTestIngestor(store, nil)
			for _, ev := range tt.seed {
				ingestAndCommit(t, in, store, ev)
			}

			out := ingestAndCommit(t, in, store, tt.event)
			if out.Kind != tt.first {
				t.Fatalf("first outcome = %s, want %s (err %v)", out.Kind, tt.first, out.Err)
			}
			once := store.get("mb", "m1")
			rows := store.count()

			out = ingestAndCommit(t, newTestIngestor(store, nil), store, tt.event)
			if out.Kind != OutcomeSkipped {
				t.Fatalf("second outcome = %s, want skipped", out.Kind)
			}
			if got := store.get("mb", "m1"); !reflect.DeepEqual(got, once) {
				t.Errorf("state changed on re-delivery:\n got %+v\nwant %+v", got, once)
			}
			if store.count() != rows {
				t.Errorf("row count changed from %d to %d", rows, store.count())
			}
		})
	}
}

func TestIngestTombstoneStability(t *testing.T) {
	store := newFakeStore()
	in := newTestIngestor(store, nil)
	ingestAndCommit(t, in, store, ChangeEvent{Kind: MessageAdded, ExternalID: "m1", Payload: rawMsg("m1", "hello")})
	ingestAndCommit(t, in, store, ChangeEvent{Kind: MessageDeleted, ExternalID: "m1"})

	tomb := store.get("mb", "m1")
	if !tomb.IsDeleted {
		t.Fatal("message not tombstoned")
	}
	out := ingestAndCommit(t, in, store, ChangeEvent{Kind: MessageDeleted, ExternalID: "m1"})
	if out.Kind != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", out.Kind)
	}
	if got := store.get("mb", "m1"); !reflect.DeepEqual(got, tomb) {
		t.Errorf("tombstone changed:\n got %+v\nwant %+v", got, tomb)
	}
}

func TestIngestBackfillPlaceholder(t *testing.T) {
	store := newFakeStore()
	in := newTestIngestor(store, nil)

	out := ingestAndCommit(t, in, store, ChangeEvent{Kind: LabelsChanged, ExternalID: "m1", Added: []string{"IMPORTANT"}})
	if out.Kind != OutcomeCreated {
		t.Fatalf("outcome = %s, want created", out.Kind)
	}
	ph := store.get("mb", "m1")
	if !ph.NeedsBackfill || !slices.Equal(ph.Labels, []string{"IMPORTANT"}) || ph.ContentFingerprint != "" {
		t.Fatalf("unexpected placeholder %+v", ph)
	}

	payload := rawMsg("m1", "hello")
	payload.Labels = []string{"INBOX"}
	out = ingestAndCommit(t, in, store, ChangeEvent{Kind: MessageAdded, ExternalID: "m1", Payload: payload})
	if out.Kind != OutcomeUpdated {
		t.Fatalf("outcome = %s, want updated", out.Kind)
	}
	got := store.get("mb", "m1")
	if got.NeedsBackfill {
		t.Error("backfill flag not cleared")
	}
	if got.ContentFingerprint == "" || got.Subject != "hello" {
		t.Errorf("content not filled in: %+v", got)
	}
	if !slices.Equal(got.Labels, []string{"IMPORTANT", "INBOX"}) {
		t.Errorf("Labels = %v", got.Labels)
	}
	if !got.CreatedAt.Equal(ph.CreatedAt) {
		t.Error("CreatedAt changed on backfill")
	}
}

func TestIngestContentChangeUpdates(t *testing.T) {
	store := newFakeStore()
	in := newTestIngestor(store, nil)
	ingestAndCommit(t, in, store, ChangeEvent{Kind: MessageAdded, ExternalID: "m1", Payload: rawMsg("m1", "draft")})
	before := store.get("mb", "m1")

	out := ingestAndCommit(t, in, store, ChangeEvent{Kind: MessageAdded, ExternalID: "m1", Payload: rawMsg("m1", "final")})
	if out.Kind != OutcomeUpdated {
		t.Fatalf("outcome = %s, want updated", out.Kind)
	}
	after := store.get("mb", "m1")
	if after.ContentFingerprint == before.ContentFingerprint {
		t.Error("fingerprint not updated")
	}
	if after.Subject != "final" {
		t.Errorf("Subject = %q", after.Subject)
	}
}

func TestIngestLabelSetOperations(t *testing.T) {
	store := newFakeStore()
	in := newTestIngestor(store, nil)
	payload := rawMsg("m1", "hello")
	payload.Labels = []string{"INBOX", "UNREAD"}
	ingestAndCommit(t, in, store, ChangeEvent{Kind: MessageAdded, ExternalID: "m1", Payload: payload})

	out := ingestAndCommit(t, in, store, ChangeEvent{Kind: LabelsChanged, ExternalID: "m1", Added: []string{"STARRED"}, Removed: []string{"UNREAD"}})
	if out.Kind != OutcomeUpdated {
		t.Fatalf("outcome = %s, want updated", out.Kind)
	}
	if got := store.get("mb", "m1").Labels; !slices.Equal(got, []string{"INBOX", "STARRED"}) {
		t.Errorf("Labels = %v", got)
	}

	out = ingestAndCommit(t, in, store, ChangeEvent{Kind: LabelsChanged, ExternalID: "m1", Added: []string{"INBOX"}, Removed: []string{"UNREAD"}})
	if out.Kind != OutcomeSkipped {
		t.Errorf("no-op label change outcome = %s, want skipped", out.Kind)
	}
	out = ingestAndCommit(t, in, store, ChangeEvent{Kind: LabelsChanged, ExternalID: "m9", Added: []string{}, Removed: []string{}})
	if out.Kind != OutcomeSkipped || store.get("mb", "m9") != nil {
		t.Errorf("empty coalesced event should be skipped without a placeholder, got %s", out.Kind)
	}
}

func TestIngestStagedLookupWithinPage(t *testing.T) {
	store := newFakeStore()
	in := newTestIngestor(store, nil)
	in.BeginPage("c1")
	ctx := context.Background()

	out, mut := in.Ingest(ctx, ChangeEvent{Kind: MessageAdded, ExternalID: "m1", Payload: rawMsg("m1", "hi")})
	if out.Kind != OutcomeCreated || mut == nil {
		t.Fatalf("first = %s", out.Kind)
	}
	out, mut = in.Ingest(ctx, ChangeEvent{Kind: MessageDeleted, ExternalID: "m1"})
	if out.Kind != OutcomeUpdated || mut == nil || !mut.Record.IsDeleted {
		t.Fatalf("delete of staged message = %s", out.Kind)
	}
	if mut.EventType() != "message.deleted" {
		t.Errorf("EventType = %s", mut.EventType())
	}
	if store.count() != 0 {
		t.Error("ingest must not write to the store")
	}
}

func TestIngestFingerprintKeyWithoutExternalID(t *testing.T) {
	store := newFakeStore()
	in := newTestIngestor(store, nil)
	payload := &RawMessage{Raw: []byte("hello\nbob@example.com\nbody")}

	out := ingestAndCommit(t, in, store, ChangeEvent{Kind: MessageAdded, Handle: "7", Payload: payload})
	if out.Kind != OutcomeCreated {
		t.Fatalf("outcome = %s (%v)", out.Kind, out.Err)
	}
	if !strings.HasPrefix(out.ExternalID, "fp:") {
		t.Fatalf("ExternalID = %q, want fp: prefix", out.ExternalID)
	}
	out = ingestAndCommit(t, in, store, ChangeEvent{Kind: MessageAdded, Handle: "7", Payload: payload})
	if out.Kind != OutcomeSkipped {
		t.Errorf("re-scan outcome = %s, want skipped", out.Kind)
	}
}

func TestIngestFailures(t *testing.T) {
	src := newFakeDeltaSource()
	src.fetchErrs["gone"] = Transient("fetch", errors.New("503"))

	tests := []struct {
		name  string
		event ChangeEvent
		setup func(*fakeStore)
	}{
		{name: "malformed payload", event: ChangeEvent{Kind: MessageAdded, ExternalID: "m3", Payload: &RawMessage{Raw: []byte("garbage")}}},
		{name: "fetch fails", event: ChangeEvent{Kind: MessageAdded, ExternalID: "gone"}},
		{name: "prefetch error", event: ChangeEvent{Kind: MessageAdded, ExternalID: "m4", fetchErr: errors.New("timeout")}},
		{
			name:  "lookup fails",
			event: ChangeEvent{Kind: MessageDeleted, ExternalID: "m5"},
			setup: func(s *fakeStore) { s.getErr = errors.New("database is locked") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			if tt.setup != nil {
				tt.setup(store)
			}
			in := newTestIngestor(store, src)
			in.BeginPage("c1")
			out, mut := in.Ingest(context.Background(), tt.event)
			if out.Kind != OutcomeFailed {
				t.Fatalf("outcome = %s, want failed", out.Kind)
			}
			if mut != nil {
				t.Error("failed ingest produced a mutation")
			}
			if !errors.Is(out.Err, ErrItemIngestion) {
				t.Errorf("err %v is not an item ingestion error", out.Err)
			}
		})
	}
}
