package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType tags a history record with the kind of mutation it captured.
type ChangeType string

const (
	ChangeAdded                  ChangeType = "ADDED"
	ChangeUpdated                ChangeType = "UPDATED"
	ChangeDeleted                ChangeType = "DELETED"
	ChangeReverted               ChangeType = "REVERTED"
	ChangeRevertedAdded          ChangeType = "REVERTED_ADDED"
	ChangeRevertedDeleted        ChangeType = "REVERTED_DELETED"
	ChangeDeletedCascade         ChangeType = "DELETED_CASCADE"
	ChangeRevertedDeletedCascade ChangeType = "REVERTED_DELETED_CASCADE"
	ChangeRevertedCascade        ChangeType = "REVERTED_CASCADE"
)

// IsDelete reports whether the change left the entity nonexistent.
func (c ChangeType) IsDelete() bool {
	switch c {
	case ChangeDeleted, ChangeRevertedDeleted, ChangeDeletedCascade, ChangeRevertedDeletedCascade:
		return true
	}
	return false
}

// IsAdd reports whether the change brought the entity into existence.
func (c ChangeType) IsAdd() bool {
	return c == ChangeAdded || c == ChangeRevertedAdded
}

// IsCascade reports whether the change happened as a side effect of a change
// to a referenced parent.
func (c ChangeType) IsCascade() bool {
	switch c {
	case ChangeDeletedCascade, ChangeRevertedDeletedCascade, ChangeRevertedCascade:
		return true
	}
	return false
}

// ValidSuccessor reports whether next may follow prev in an entity's
// lifeline. Two consecutive delete records without an intervening add are
// invalid, as is any non-add record at the start of a lifeline.
func ValidSuccessor(prev, next ChangeType) bool {
	if prev == "" {
		return next.IsAdd()
	}
	if prev.IsDelete() {
		return next.IsAdd()
	}
	return !next.IsAdd()
}

// HistoryRecord is one append-only snapshot of an entity at a point in time.
// Properties mirror the live entity's fields at that moment, except that
// reference fields to tracked types store the history identifier of the
// referenced entity's record current at HistoryDate. Relations likewise hold
// history identifiers.
type HistoryRecord struct {
	HistoryID  int64              `json:"history_id"`
	EntityID   int64              `json:"entity_id"`
	EntityType string             `json:"entity_type"`
	Properties map[string]any     `json:"properties"`
	Relations  map[string][]int64 `json:"relations,omitempty"`

	HistoryDate time.Time  `json:"history_date"`
	HistoryType ChangeType `json:"history_type"`
	// RevertedToID points at the record that was reverted to, when this record
	// was produced by a revert.
	RevertedToID *int64     `json:"history_reverted_to,omitempty"`
	Comment      string     `json:"history_comment,omitempty"`
	Actor        *uuid.UUID `json:"history_actor,omitempty"`
	ActorOrigin  string     `json:"history_actor_origin,omitempty"`
}

// PropertyInt64 reads a property as an int64 identifier.
func (h HistoryRecord) PropertyInt64(key string) (int64, bool) {
	return asInt64(h.Properties[key])
}

// ChangeMeta carries the caller-supplied annotation for a single mutation.
// It is always passed explicitly; the engine never reads ambient state.
type ChangeMeta struct {
	Comment     string
	Actor       *uuid.UUID
	ActorOrigin string
	// HistoryDate overrides the recorded timestamp, for backdated imports.
	HistoryDate *time.Time
	// TrackChanges disables history recording for this call when false.
	// Use DefaultMeta to get the tracking-enabled zero value.
	TrackChanges bool
}

// DefaultMeta returns a ChangeMeta with tracking enabled and no annotation.
func DefaultMeta() ChangeMeta {
	return ChangeMeta{TrackChanges: true}
}

// EffectiveDate resolves the timestamp a history record should carry.
func (m ChangeMeta) EffectiveDate(now time.Time) time.Time {
	if m.HistoryDate != nil {
		return *m.HistoryDate
	}
	return now
}
