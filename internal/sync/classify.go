package sync

import (
	"slices"
	"strings"
)

type labelOp int

const (
	labelAdd labelOp = iota + 1
	labelRemove
)

// ClassifyDelta turns one page of provider changes into ChangeEvents.
//
// Events keep the order in which their (kind, id) first appeared. Repeated
// adds or deletes of the same id collapse into one event, and every label
// delta for an id is merged into a single LabelsChanged placed at the first
// one. A label added and then removed (or the reverse) cancels out.
func ClassifyDelta(changes []RawChange) []ChangeEvent {
	var events []ChangeEvent
	added := make(map[string]int)
	deleted := make(map[string]bool)
	labelIdx := make(map[string]int)
	pending := make(map[string]map[string]labelOp)

	for _, ch := range changes {
		id := strings.TrimSpace(ch.ExternalID)
		if id == "" {
			continue
		}
		switch ch.Kind {
		case RawMessageAdded:
			if i, ok := added[id]; ok {
				if events[i].Payload == nil {
					events[i].Payload = ch.Payload
				}
				if events[i].ThreadID == "" {
					events[i].ThreadID = ch.ThreadID
				}
				continue
			}
			added[id] = len(events)
			events = append(events, ChangeEvent{Kind: MessageAdded, ExternalID: id, ThreadID: ch.ThreadID, Payload: ch.Payload})
		case RawMessageDeleted:
			if deleted[id] {
				continue
			}
			deleted[id] = true
			events = append(events, ChangeEvent{Kind: MessageDeleted, ExternalID: id, ThreadID: ch.ThreadID})
		case RawLabelsAdded, RawLabelsRemoved:
			if _, ok := labelIdx[id]; !ok {
				labelIdx[id] = len(events)
				pending[id] = make(map[string]labelOp)
				events = append(events, ChangeEvent{Kind: LabelsChanged, ExternalID: id, ThreadID: ch.ThreadID})
			}
			op := labelAdd
			if ch.Kind == RawLabelsRemoved {
				op = labelRemove
			}
			ops := pending[id]
			for _, l := range ch.Labels {
				l = strings.TrimSpace(l)
				if l == "" {
					continue
				}
				if prev, ok := ops[l]; ok && prev != op {
					delete(ops, l)
					continue
				}
				ops[l] = op
			}
		}
	}

	for id, i := range labelIdx {
		add, remove := []string{}, []string{}
		for l, op := range pending[id] {
			if op == labelAdd {
				add = append(add, l)
			} else {
				remove = append(remove, l)
			}
		}
		slices.Sort(add)
		slices.Sort(remove)
		events[i].Added, events[i].Removed = add, remove
	}
	return events
}

// ClassifyScan emits MessageAdded for every scanned entry not in known.
// Entries without an external id cannot be diffed and are always emitted.
func ClassifyScan(entries []ScanEntry, known map[string]bool) []ChangeEvent {
	var events []ChangeEvent
	seen := make(map[string]bool)
	for _, e := range entries {
		id := strings.TrimSpace(e.ExternalID)
		key := id
		if key == "" {
			key = "handle:" + e.Handle
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		if id != "" && known[id] {
			continue
		}
		events = append(events, ChangeEvent{Kind: MessageAdded, ExternalID: id, ThreadID: e.ThreadID, Handle: e.Handle})
	}
	return events
}
