package sync

import (
	"slices"
	"testing"
)

func TestClassifyDeltaLabelCoalescing(t *testing.T) {
	tests := []struct {
		name        string
		changes     []RawChange
		wantAdded   []string
		wantRemoved []string
	}{
		{
			name: "add then remove cancels",
			changes: []RawChange{
				{Kind: RawLabelsAdded, ExternalID: "m1", Labels: []string{"L1"}},
				{Kind: RawLabelsRemoved, ExternalID: "m1", Labels: []string{"L1"}},
			},
			wantAdded:   []string{},
			wantRemoved: []string{},
		},
		{
			name: "remove then add cancels",
			changes: []RawChange{
				{Kind: RawLabelsRemoved, ExternalID: "m1", Labels: []string{"L1"}},
				{Kind: RawLabelsAdded, ExternalID: "m1", Labels: []string{"L1"}},
			},
			wantAdded:   []string{},
			wantRemoved: []string{},
		},
		{
			name: "union of separate deltas",
			changes: []RawChange{
				{Kind: RawLabelsAdded, ExternalID: "m1", Labels: []string{"B", "A"}},
				{Kind: RawLabelsRemoved, ExternalID: "m1", Labels: []string{"INBOX"}},
				{Kind: RawLabelsAdded, ExternalID: "m1", Labels: []string{"A", "C"}},
			},
			wantAdded:   []string{"A", "B", "C"},
			wantRemoved: []string{"INBOX"},
		},
		{
			name: "add remove add keeps add",
			changes: []RawChange{
				{Kind: RawLabelsAdded, ExternalID: "m1", Labels: []string{"L1"}},
				{Kind: RawLabelsRemoved, ExternalID: "m1", Labels: []string{"L1"}},
				{Kind: RawLabelsAdded, ExternalID: "m1", Labels: []string{"L1"}},
			},
			wantAdded:   []string{"L1"},
			wantRemoved: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := ClassifyDelta(tt.changes)
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			ev := events[0]
			if ev.Kind != LabelsChanged || ev.ExternalID != "m1" {
				t.Fatalf("unexpected event %+v", ev)
			}
			if !slices.Equal(ev.Added, tt.wantAdded) {
				t.Errorf("Added = %v, want %v", ev.Added, tt.wantAdded)
			}
			if !slices.Equal(ev.Removed, tt.wantRemoved) {
				t.Errorf("Removed = %v, want %v", ev.Removed, tt.wantRemoved)
			}
		})
	}
}

func TestClassifyDeltaOrderAndDedup(t *testing.T) {
	payload := rawMsg("m1", "hi")
	events := ClassifyDelta([]RawChange{
		{Kind: RawMessageAdded, ExternalID: "m1", ThreadID: "t1"},
		{Kind: RawLabelsAdded, ExternalID: "m2", Labels: []string{"STARRED"}},
		{Kind: RawMessageAdded, ExternalID: "m1", Payload: payload},
		{Kind: RawMessageDeleted, ExternalID: "m3"},
		{Kind: RawMessageDeleted, ExternalID: "m3"},
		{Kind: RawLabelsAdded, ExternalID: "m2", Labels: []string{"IMPORTANT"}},
		{Kind: RawMessageAdded, ExternalID: "  "},
	})

	want := []struct {
		kind ChangeKind
		id   string
	}{
		{MessageAdded, "m1"},
		{LabelsChanged, "m2"},
		{MessageDeleted, "m3"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, w := range want {
		if events[i].Kind != w.kind || events[i].ExternalID != w.id {
			t.Errorf("event %d = %s %s, want %s %s", i, events[i].Kind, events[i].ExternalID, w.kind, w.id)
		}
	}
	if events[0].Payload != payload {
		t.Error("duplicate add should carry the later payload")
	}
	if events[0].ThreadID != "t1" {
		t.Errorf("ThreadID = %q, want t1", events[0].ThreadID)
	}
	if !slices.Equal(events[1].Added, []string{"IMPORTANT", "STARRED"}) {
		t.Errorf("Added = %v", events[1].Added)
	}
}

func TestClassifyScan(t *testing.T) {
	entries := []ScanEntry{
		{ExternalID: "a@example.com", Handle: "1"},
		{ExternalID: "b@example.com", Handle: "2"},
		{ExternalID: "", Handle: "3"},
		{ExternalID: "b@example.com", Handle: "4"},
		{ExternalID: "", Handle: "3"},
	}
	known := map[string]bool{"a@example.com": true}

	events := ClassifyScan(entries, known)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].ExternalID != "b@example.com" || events[0].Handle != "2" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].ExternalID != "" || events[1].Handle != "3" {
		t.Errorf("event 1 = %+v", events[1])
	}
	for _, ev := range events {
		if ev.Kind != MessageAdded {
			t.Errorf("scan produced %s", ev.Kind)
		}
	}
}
