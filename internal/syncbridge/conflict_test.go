package syncbridge

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDetectNoConflictWhenOppositeOlder(t *testing.T) {
	d := NewConflictDetector()
	origin := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := ChangeEvent{
		RecordID:        "p1",
		Table:           "patients",
		Kind:            ChangeUpdate,
		Payload:         map[string]any{"phone": "555-0101"},
		Source:          StoreLegacy,
		OriginTimestamp: origin,
	}
	opposite := Record{
		ID:        "p1",
		Fields:    map[string]any{"phone": "555-0202"},
		UpdatedAt: origin.Add(-time.Hour),
	}
	if _, conflict := d.Detect(ev, opposite); conflict {
		t.Fatal("older opposite version is a plain one-way update, not a conflict")
	}
}

func TestDetectNoConflictWhenPayloadsMatch(t *testing.T) {
	d := NewConflictDetector()
	origin := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := ChangeEvent{
		RecordID:        "p1",
		Table:           "patients",
		Payload:         map[string]any{"phone": "555-0101", "age": 40},
		Source:          StoreLegacy,
		OriginTimestamp: origin,
	}
	opposite := Record{
		ID: "p1",
		// Same values with JSON-typed numbers; must compare equal.
		Fields:    map[string]any{"phone": "555-0101", "age": float64(40)},
		UpdatedAt: origin.Add(time.Minute),
	}
	if _, conflict := d.Detect(ev, opposite); conflict {
		t.Fatal("identical payloads must not conflict")
	}
}

func TestDetectBuildsCandidate(t *testing.T) {
	d := NewConflictDetector()
	origin := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	oppositeAt := origin.Add(time.Minute)
	ev := ChangeEvent{
		RecordID:        "p1",
		Table:           "patients",
		Payload:         map[string]any{"phone": "555-0101", "name": "Ana"},
		Source:          StoreCloud,
		OriginTimestamp: origin,
	}
	opposite := Record{
		ID:        "p1",
		Fields:    map[string]any{"phone": "555-0202", "name": "Ana"},
		UpdatedAt: oppositeAt,
	}

	cand, conflict := d.Detect(ev, opposite)
	if !conflict {
		t.Fatal("expected a conflict")
	}
	if cand.EventCount != 1 {
		t.Fatalf("eventCount = %d", cand.EventCount)
	}
	// The event came from the cloud side, so the opposite record is legacy.
	if got := cand.LegacyVersion.Fields["phone"]; got != "555-0202" {
		t.Fatalf("legacy phone = %v", got)
	}
	if got := cand.CloudVersion.Fields["phone"]; got != "555-0101" {
		t.Fatalf("cloud phone = %v", got)
	}

	want := map[string]FieldDiff{
		"phone": {
			LegacyValue:     "555-0202",
			CloudValue:      "555-0101",
			LegacyTimestamp: oppositeAt,
			CloudTimestamp:  origin,
		},
	}
	if diff := cmp.Diff(want, cand.Diffs); diff != "" {
		t.Fatalf("diffs mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectTallyGrowsPerRecord(t *testing.T) {
	d := NewConflictDetector()
	origin := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := ChangeEvent{
		RecordID:        "p1",
		Table:           "patients",
		Payload:         map[string]any{"phone": "1"},
		Source:          StoreLegacy,
		OriginTimestamp: origin,
	}
	opposite := Record{ID: "p1", Fields: map[string]any{"phone": "2"}, UpdatedAt: origin.Add(time.Minute)}

	for i := 1; i <= 3; i++ {
		cand, conflict := d.Detect(ev, opposite)
		if !conflict {
			t.Fatalf("iteration %d: expected conflict", i)
		}
		if cand.EventCount != i {
			t.Fatalf("iteration %d: eventCount = %d", i, cand.EventCount)
		}
	}
}

func TestComplexityClassification(t *testing.T) {
	cases := []struct {
		fields int
		events int
		want   ConflictComplexity
	}{
		{1, 1, ComplexityLow},
		{2, 2, ComplexityLow},
		{3, 1, ComplexityMedium},
		{2, 5, ComplexityMedium},
		{6, 1, ComplexityHigh},
		{1, 11, ComplexityHigh},
	}
	for _, tc := range cases {
		diffs := map[string]FieldDiff{}
		for i := 0; i < tc.fields; i++ {
			diffs[string(rune('a'+i))] = FieldDiff{}
		}
		cand := ConflictCandidate{Diffs: diffs, EventCount: tc.events}
		if got := cand.Complexity(); got != tc.want {
			t.Fatalf("fields=%d events=%d: complexity = %s, want %s", tc.fields, tc.events, got, tc.want)
		}
	}
}
