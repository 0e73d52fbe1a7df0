package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openatlas/trail/internal/domain"
)

// Accessor answers historical queries for one tracked type, optionally bound
// to a single entity instance. Instance queries follow the entity's lineage:
// when the type declares unique fields, records are keyed by those values so
// the lineage survives deletion and recreation under a new identifier.
type Accessor struct {
	tracker     *Tracker
	trackedType domain.EntityType
	entity      domain.Entity
	bound       bool
}

// HistoryFor returns an accessor bound to the given entity instance.
func (t *Tracker) HistoryFor(entity domain.Entity) (*Accessor, error) {
	trackedType, err := t.registry.TrackedType(entity.EntityType)
	if err != nil {
		return nil, err
	}
	return &Accessor{tracker: t, trackedType: trackedType, entity: entity, bound: true}, nil
}

// HistoryOf returns a type-level accessor for filter queries across all
// instances of a tracked type.
func (t *Tracker) HistoryOf(entityType string) (*Accessor, error) {
	trackedType, err := t.registry.TrackedType(entityType)
	if err != nil {
		return nil, err
	}
	return &Accessor{tracker: t, trackedType: trackedType}, nil
}

// lineageAscending returns the bound entity's records, oldest first. Unique
// field values key the lineage when available and resolvable; otherwise the
// live identifier does.
func (a *Accessor) lineageAscending(ctx context.Context) ([]domain.HistoryRecord, error) {
	if !a.bound {
		return nil, fmt.Errorf("accessor for %s is not bound to an instance", a.trackedType.Name)
	}
	st := a.tracker.stores.View()

	if props, ok := uniqueProps(a.trackedType, a.entity.Properties); ok {
		return st.History.ListLineageAscending(ctx, a.trackedType.Name, props)
	}
	if a.entity.IsNew() {
		return nil, fmt.Errorf("%s: no identifier and no unique field values to key a lineage: %w", a.trackedType.Name, domain.ErrNoUniqueFields)
	}
	return st.History.ListAscending(ctx, a.trackedType.Name, a.entity.ID)
}

// All returns the bound entity's records, newest first.
func (a *Accessor) All(ctx context.Context) ([]domain.HistoryRecord, error) {
	records, err := a.lineageAscending(ctx)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// MostRecent returns the bound entity's latest record.
func (a *Accessor) MostRecent(ctx context.Context) (domain.HistoryRecord, error) {
	records, err := a.lineageAscending(ctx)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	if len(records) == 0 {
		return domain.HistoryRecord{}, fmt.Errorf("%s %d: %w", a.trackedType.Name, a.entity.ID, domain.ErrNoHistory)
	}
	return records[len(records)-1], nil
}

// AsOfVersion returns the bound entity's nth record, counting from 1 in
// chronological order.
func (a *Accessor) AsOfVersion(ctx context.Context, version int) (domain.HistoryRecord, error) {
	records, err := a.lineageAscending(ctx)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	if version < 1 || version > len(records) {
		return domain.HistoryRecord{}, fmt.Errorf("%s %d has no version %d: %w", a.trackedType.Name, a.entity.ID, version, domain.ErrNoHistory)
	}
	return records[version-1], nil
}

// AsOfDate returns the bound entity's latest record dated at or before the
// given time.
func (a *Accessor) AsOfDate(ctx context.Context, when time.Time) (domain.HistoryRecord, error) {
	records, err := a.lineageAscending(ctx)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if !records[i].HistoryDate.After(when) {
			return records[i], nil
		}
	}
	return domain.HistoryRecord{}, fmt.Errorf("%s %d at %s: %w", a.trackedType.Name, a.entity.ID, when.Format(time.RFC3339), domain.ErrNotYetCreated)
}

// Filter returns records matching the given criteria, newest first. Criteria
// use live-model field names; the live identifier name translates to the
// demoted entity identifier column, and bookkeeping field names address the
// record's own metadata.
func (a *Accessor) Filter(ctx context.Context, criteria map[string]any) ([]domain.HistoryRecord, error) {
	props := map[string]any{}
	book := map[string]any{}
	for name, value := range criteria {
		if domain.IsBookkeepingField(name) {
			book[name] = value
			continue
		}
		if _, ok := a.trackedType.Field(name); !ok {
			return nil, fmt.Errorf("%s has no field %q", a.trackedType.Name, name)
		}
		props[name] = value
	}
	return a.tracker.stores.View().History.Filter(ctx, a.trackedType.Name, props, book)
}

// ResolvedReferenceAsOf resolves a reference field of a history record to the
// referenced entity's history record current at the referrer's date. The
// stored value names the record current at write time; resolving through the
// target's lifeline keeps the answer correct after backdated imports.
func (a *Accessor) ResolvedReferenceAsOf(ctx context.Context, record domain.HistoryRecord, fieldName string) (domain.HistoryRecord, error) {
	field, err := a.referenceField(fieldName, false)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	historyID, ok := record.PropertyInt64(fieldName)
	if !ok {
		return domain.HistoryRecord{}, fmt.Errorf("record %d: %s is unset", record.HistoryID, fieldName)
	}
	return a.resolveAsOf(ctx, field, historyID, record.HistoryDate)
}

// ResolvedRelationAsOf resolves a many-to-many relation of a history record
// to the related entities' records current at the referrer's date.
func (a *Accessor) ResolvedRelationAsOf(ctx context.Context, record domain.HistoryRecord, fieldName string) ([]domain.HistoryRecord, error) {
	field, err := a.referenceField(fieldName, true)
	if err != nil {
		return nil, err
	}
	related := make([]domain.HistoryRecord, 0, len(record.Relations[fieldName]))
	for _, historyID := range record.Relations[fieldName] {
		resolved, err := a.resolveAsOf(ctx, field, historyID, record.HistoryDate)
		if err != nil {
			return nil, err
		}
		related = append(related, resolved)
	}
	return related, nil
}

func (a *Accessor) referenceField(fieldName string, manyToMany bool) (domain.FieldDefinition, error) {
	field, ok := a.trackedType.Field(fieldName)
	if !ok {
		return domain.FieldDefinition{}, fmt.Errorf("%s has no field %q", a.trackedType.Name, fieldName)
	}
	if manyToMany && !field.IsManyToMany() {
		return domain.FieldDefinition{}, fmt.Errorf("%s.%s is not a many-to-many relation", a.trackedType.Name, fieldName)
	}
	if !manyToMany && !field.IsReference() {
		return domain.FieldDefinition{}, fmt.Errorf("%s.%s is not a reference field", a.trackedType.Name, fieldName)
	}
	if !a.tracker.registry.IsTracked(field.ReferenceEntityType) {
		return domain.FieldDefinition{}, fmt.Errorf("%s.%s target %s: %w", a.trackedType.Name, fieldName, field.ReferenceEntityType, domain.ErrNotTracked)
	}
	return field, nil
}

func (a *Accessor) resolveAsOf(ctx context.Context, field domain.FieldDefinition, historyID int64, when time.Time) (domain.HistoryRecord, error) {
	st := a.tracker.stores.View()
	stored, err := st.History.GetByHistoryID(ctx, historyID)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	current, err := st.History.AsOfDate(ctx, stored.EntityType, stored.EntityID, when)
	if err != nil {
		if errors.Is(err, domain.ErrNotYetCreated) {
			// The stored record predates any dated-before record, which
			// happens when the reference was written mid-import. The stored
			// record itself is the best answer.
			return stored, nil
		}
		return domain.HistoryRecord{}, err
	}
	return current, nil
}
