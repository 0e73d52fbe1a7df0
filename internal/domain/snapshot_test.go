package domain

import (
	"strings"
	"testing"
)

func TestChangedFields(t *testing.T) {
	base := Snapshot{Properties: map[string]any{"name": "alpha", "body": "one", "count": int64(3)}}
	target := Snapshot{Properties: map[string]any{"name": "alpha", "body": "two", "extra": true}}

	changed, err := ChangedFields(base, target)
	if err != nil {
		t.Fatalf("ChangedFields: %v", err)
	}
	want := []string{"body", "count", "extra"}
	if len(changed) != len(want) {
		t.Fatalf("expected %v, got %v", want, changed)
	}
	for i, name := range want {
		if changed[i] != name {
			t.Fatalf("expected %v, got %v", want, changed)
		}
	}
}

func TestChangedFieldsIgnoresBookkeeping(t *testing.T) {
	base := Snapshot{Properties: map[string]any{"name": "alpha", HistoryFieldComment: "first"}}
	target := Snapshot{Properties: map[string]any{"name": "alpha", HistoryFieldComment: "second"}}

	changed, err := ChangedFields(base, target)
	if err != nil {
		t.Fatalf("ChangedFields: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("bookkeeping fields must not count as changes, got %v", changed)
	}
}

func TestChangedFieldsNestedValues(t *testing.T) {
	base := Snapshot{Properties: map[string]any{"geometry": map[string]any{"type": "Point", "coordinates": []any{1.0, 2.0}}}}
	target := Snapshot{Properties: map[string]any{"geometry": map[string]any{"type": "Point", "coordinates": []any{1.0, 3.0}}}}

	changed, err := ChangedFields(base, target)
	if err != nil {
		t.Fatalf("ChangedFields: %v", err)
	}
	if len(changed) != 1 || changed[0] != "geometry" {
		t.Fatalf("nested change should surface the root field, got %v", changed)
	}
}

func TestDiffSnapshots(t *testing.T) {
	base := Snapshot{EntityType: "page", Properties: map[string]any{"name": "alpha"}}
	target := Snapshot{EntityType: "page", Properties: map[string]any{"name": "beta"}}

	diff, err := DiffSnapshots("v1", &base, "v2", &target)
	if err != nil {
		t.Fatalf("DiffSnapshots: %v", err)
	}
	if !strings.Contains(diff, `-  name: "alpha"`) || !strings.Contains(diff, `+  name: "beta"`) {
		t.Fatalf("diff missing expected change lines:\n%s", diff)
	}
}

func TestSnapshotFromHistoryCopies(t *testing.T) {
	record := HistoryRecord{
		EntityType: "page",
		Properties: map[string]any{"name": "alpha"},
		Relations:  map[string][]int64{"tags": {1, 2}},
	}
	snap := NewSnapshotFromHistory(record)
	snap.Properties["name"] = "mutated"
	snap.Relations["tags"][0] = 99

	if record.Properties["name"] != "alpha" || record.Relations["tags"][0] != 1 {
		t.Fatal("snapshot must not alias the record's maps")
	}
}
