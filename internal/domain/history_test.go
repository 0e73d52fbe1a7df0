package domain

import (
	"testing"
	"time"
)

func TestChangeTypeClassification(t *testing.T) {
	deletes := []ChangeType{ChangeDeleted, ChangeRevertedDeleted, ChangeDeletedCascade, ChangeRevertedDeletedCascade}
	for _, ct := range deletes {
		if !ct.IsDelete() {
			t.Fatalf("%s should classify as delete", ct)
		}
	}
	adds := []ChangeType{ChangeAdded, ChangeRevertedAdded}
	for _, ct := range adds {
		if !ct.IsAdd() {
			t.Fatalf("%s should classify as add", ct)
		}
	}
	if ChangeUpdated.IsDelete() || ChangeUpdated.IsAdd() {
		t.Fatal("UPDATED is neither add nor delete")
	}
	if !ChangeRevertedCascade.IsCascade() || ChangeReverted.IsCascade() {
		t.Fatal("cascade classification is wrong")
	}
}

func TestValidSuccessor(t *testing.T) {
	cases := []struct {
		prev, next ChangeType
		want       bool
	}{
		{"", ChangeAdded, true},
		{"", ChangeUpdated, false},
		{ChangeAdded, ChangeUpdated, true},
		{ChangeAdded, ChangeAdded, false},
		{ChangeUpdated, ChangeDeleted, true},
		{ChangeDeleted, ChangeAdded, true},
		{ChangeDeleted, ChangeDeleted, false},
		{ChangeDeleted, ChangeRevertedAdded, true},
		{ChangeDeletedCascade, ChangeUpdated, false},
		{ChangeReverted, ChangeDeleted, true},
	}
	for _, tc := range cases {
		if got := ValidSuccessor(tc.prev, tc.next); got != tc.want {
			t.Fatalf("ValidSuccessor(%q, %q) = %v, want %v", tc.prev, tc.next, got, tc.want)
		}
	}
}

func TestEffectiveDate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	meta := DefaultMeta()
	if !meta.TrackChanges {
		t.Fatal("default meta should track changes")
	}
	if got := meta.EffectiveDate(now); !got.Equal(now) {
		t.Fatalf("expected now, got %v", got)
	}

	backdated := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	meta.HistoryDate = &backdated
	if got := meta.EffectiveDate(now); !got.Equal(backdated) {
		t.Fatalf("expected backdated override, got %v", got)
	}
}
