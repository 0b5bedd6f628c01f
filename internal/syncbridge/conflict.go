package syncbridge

import (
	"encoding/json"
	"sync"
	"time"
)

// ConflictDetector decides whether a change event collides with a concurrent
// divergent version on the opposite store. It also keeps a per-record tally
// of recent conflicts, which feeds the resolver's complexity estimate.
type ConflictDetector struct {
	mu      sync.Mutex
	tallies map[string]int
	window  time.Duration
	seenAt  map[string]time.Time
}

func NewConflictDetector() *ConflictDetector {
	return &ConflictDetector{
		tallies: map[string]int{},
		seenAt:  map[string]time.Time{},
		window:  time.Hour,
	}
}

// Detect builds a ConflictCandidate when the opposite store's version is
// newer than the event's origin and at least one field diverges. A false
// return means the event is a straightforward one-directional update.
func (d *ConflictDetector) Detect(ev ChangeEvent, opposite Record) (ConflictCandidate, bool) {
	if !opposite.UpdatedAt.After(ev.OriginTimestamp) {
		return ConflictCandidate{}, false
	}
	diffs := diffFields(ev, opposite)
	if len(diffs) == 0 {
		return ConflictCandidate{}, false
	}

	key := ev.Key()
	now := time.Now().UTC()
	d.mu.Lock()
	if last, ok := d.seenAt[key]; ok && now.Sub(last) > d.window {
		d.tallies[key] = 0
	}
	d.tallies[key]++
	d.seenAt[key] = now
	count := d.tallies[key]
	d.mu.Unlock()

	sourceVersion := Record{ID: ev.RecordID, Fields: ev.Payload, UpdatedAt: ev.OriginTimestamp}
	candidate := ConflictCandidate{
		RecordID:   ev.RecordID,
		Table:      ev.Table,
		Diffs:      diffs,
		EventCount: count,
	}
	if ev.Source == StoreLegacy {
		candidate.LegacyVersion = sourceVersion
		candidate.CloudVersion = opposite
	} else {
		candidate.LegacyVersion = opposite
		candidate.CloudVersion = sourceVersion
	}
	return candidate, true
}

func diffFields(ev ChangeEvent, opposite Record) map[string]FieldDiff {
	source := normalizeFields(ev.Payload)
	other := normalizeFields(opposite.Fields)
	diffs := map[string]FieldDiff{}
	fields := map[string]bool{}
	for field := range source {
		fields[field] = true
	}
	for field := range other {
		fields[field] = true
	}
	for field := range fields {
		sourceValue, sourceHas := source[field]
		otherValue, otherHas := other[field]
		if sourceHas && otherHas && valuesEqual(sourceValue, otherValue) {
			continue
		}
		if !sourceHas && !otherHas {
			continue
		}
		diff := FieldDiff{}
		if ev.Source == StoreLegacy {
			diff.LegacyValue = sourceValue
			diff.CloudValue = otherValue
			diff.LegacyTimestamp = ev.OriginTimestamp
			diff.CloudTimestamp = opposite.UpdatedAt
		} else {
			diff.LegacyValue = otherValue
			diff.CloudValue = sourceValue
			diff.LegacyTimestamp = opposite.UpdatedAt
			diff.CloudTimestamp = ev.OriginTimestamp
		}
		diffs[field] = diff
	}
	return diffs
}

func valuesEqual(a, b any) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(left) == string(right)
}
