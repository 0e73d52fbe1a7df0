package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/repository"
)

// RevertOptions configures a revert.
type RevertOptions struct {
	// DeleteNewerVersions removes every record newer than the revert target
	// from the lineage instead of appending on top of them. The removal
	// itself is not tracked.
	DeleteNewerVersions bool
	Meta                domain.ChangeMeta
}

// RevertTo restores an entity to the state captured by the given history
// record. Restoring an existing entity appends a REVERTED record; restoring
// a deleted one recreates it and appends REVERTED_ADDED. Reverting to a
// delete-state record deletes the live entity again. When the revert
// resurrects an entity whose deletion cascaded, dependents removed by the
// same deletion event are restored alongside it.
func (t *Tracker) RevertTo(ctx context.Context, record domain.HistoryRecord, opts RevertOptions) (domain.Entity, error) {
	var restored domain.Entity
	err := t.stores.WithTx(ctx, func(st repository.Stores) error {
		var revertErr error
		restored, revertErr = t.revertIn(ctx, st, record, opts, false)
		return revertErr
	})
	return restored, err
}

func (t *Tracker) revertIn(ctx context.Context, st repository.Stores, record domain.HistoryRecord, opts RevertOptions, cascade bool) (domain.Entity, error) {
	trackedType, err := t.registry.TrackedType(record.EntityType)
	if err != nil {
		return domain.Entity{}, err
	}

	lineage, err := t.lineageOf(ctx, st, trackedType, record)
	if err != nil {
		return domain.Entity{}, err
	}
	var latest *domain.HistoryRecord
	if len(lineage) > 0 {
		latest = &lineage[len(lineage)-1]
	}

	live, liveFound, err := t.resolveLiveFor(ctx, st, trackedType, record)
	if err != nil {
		return domain.Entity{}, err
	}

	if opts.DeleteNewerVersions {
		var newer []int64
		for _, rec := range lineage {
			if recordAfter(rec, record) {
				newer = append(newer, rec.HistoryID)
			}
		}
		if len(newer) > 0 {
			if err := st.History.DeleteByHistoryIDs(ctx, newer); err != nil {
				return domain.Entity{}, err
			}
		}
	}

	if record.HistoryType.IsDelete() {
		if !liveFound {
			// Already gone; the lineage already ends in a delete.
			return domain.Entity{}, nil
		}
		meta := opts.Meta
		date := meta.EffectiveDate(t.now())
		meta.HistoryDate = &date
		visited := map[string]struct{}{}
		return domain.Entity{}, t.deleteTree(ctx, st, live, meta, saveFlags{revert: true, cascade: cascade, revertedTo: &record.HistoryID}, visited)
	}

	entity, err := t.liveStateFromRecord(ctx, st, trackedType, record)
	if err != nil {
		return domain.Entity{}, err
	}
	if liveFound {
		entity.ID = live.ID
	}

	flags := saveFlags{revert: true, cascade: cascade, revertedTo: &record.HistoryID}
	saved, err := t.saveIn(ctx, st, entity, opts.Meta, flags)
	if err != nil {
		return domain.Entity{}, err
	}

	// Resurrecting past a cascading deletion restores the dependents removed
	// by that same deletion event.
	if latest != nil && latest.HistoryType.IsDelete() && !opts.DeleteNewerVersions {
		if err := t.revertCascadeDeleted(ctx, st, trackedType, lineage, *latest, opts.Meta); err != nil {
			return domain.Entity{}, err
		}
	}
	return saved, nil
}

// revertCascadeDeleted restores dependents whose cascade-delete record shares
// the deletion event of the parent's delete record and is still the latest
// entry in their lifeline. Each dependent is restored to its state just
// before the cascade, recursing into its own dependents.
func (t *Tracker) revertCascadeDeleted(ctx context.Context, st repository.Stores, parentType domain.EntityType, parentLineage []domain.HistoryRecord, parentDelete domain.HistoryRecord, meta domain.ChangeMeta) error {
	lineageIDs := map[int64]struct{}{}
	for _, rec := range parentLineage {
		lineageIDs[rec.HistoryID] = struct{}{}
	}

	cascadeTypes := []domain.ChangeType{domain.ChangeDeletedCascade, domain.ChangeRevertedDeletedCascade}
	for _, dep := range t.registry.Dependents(parentType.Name) {
		for _, cascadeType := range cascadeTypes {
			candidates, err := st.History.Filter(ctx, dep.EntityType, nil, map[string]any{
				domain.HistoryFieldType: string(cascadeType),
			})
			if err != nil {
				return err
			}
			for _, candidate := range candidates {
				if !candidate.HistoryDate.Equal(parentDelete.HistoryDate) {
					continue
				}
				refID, ok := candidate.PropertyInt64(dep.Field)
				if !ok {
					continue
				}
				if _, inLineage := lineageIDs[refID]; !inLineage {
					continue
				}

				recent, err := st.History.MostRecent(ctx, dep.EntityType, candidate.EntityID)
				if err != nil {
					return err
				}
				if recent.HistoryID != candidate.HistoryID {
					// Recreated or changed since the cascade; leave alone.
					continue
				}

				before, ok, err := t.recordBefore(ctx, st, dep.EntityType, candidate)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if _, err := t.revertIn(ctx, st, before, RevertOptions{Meta: meta}, true); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// recordBefore returns the record immediately preceding the given one in an
// entity's lifeline.
func (t *Tracker) recordBefore(ctx context.Context, st repository.Stores, entityType string, record domain.HistoryRecord) (domain.HistoryRecord, bool, error) {
	records, err := st.History.ListAscending(ctx, entityType, record.EntityID)
	if err != nil {
		return domain.HistoryRecord{}, false, err
	}
	for i, rec := range records {
		if rec.HistoryID == record.HistoryID {
			if i == 0 {
				return domain.HistoryRecord{}, false, nil
			}
			return records[i-1], true, nil
		}
	}
	return domain.HistoryRecord{}, false, nil
}

// liveStateFromRecord rebuilds a live entity from a history snapshot,
// converting stored history identifiers in reference and relation fields
// back to the referenced entities' current live identifiers. A reference
// whose target no longer exists fails with ErrDanglingReference.
func (t *Tracker) liveStateFromRecord(ctx context.Context, st repository.Stores, trackedType domain.EntityType, record domain.HistoryRecord) (domain.Entity, error) {
	visible, err := t.visibleFields(trackedType)
	if err != nil {
		return domain.Entity{}, err
	}

	properties := make(map[string]any, len(visible))
	relations := map[string][]int64{}
	for _, field := range visible {
		switch {
		case field.IsReference():
			historyID, ok := record.PropertyInt64(field.Name)
			if !ok {
				properties[field.Name] = nil
				continue
			}
			if !t.registry.IsTracked(field.ReferenceEntityType) {
				properties[field.Name] = historyID
				continue
			}
			liveID, err := t.liveRefID(ctx, st, historyID)
			if err != nil {
				return domain.Entity{}, fmt.Errorf("revert %s.%s: %w", trackedType.Name, field.Name, err)
			}
			properties[field.Name] = liveID
		case field.IsManyToMany():
			liveIDs := make([]int64, 0, len(record.Relations[field.Name]))
			for _, historyID := range record.Relations[field.Name] {
				if !t.registry.IsTracked(field.ReferenceEntityType) {
					liveIDs = append(liveIDs, historyID)
					continue
				}
				liveID, err := t.liveRefID(ctx, st, historyID)
				if err != nil {
					return domain.Entity{}, fmt.Errorf("revert %s.%s: %w", trackedType.Name, field.Name, err)
				}
				liveIDs = append(liveIDs, liveID)
			}
			relations[field.Name] = liveIDs
		default:
			if value, ok := record.Properties[field.Name]; ok {
				properties[field.Name] = value
			}
		}
	}

	return domain.Entity{
		EntityType: trackedType.Name,
		Properties: properties,
		Relations:  relations,
	}, nil
}

// liveRefID resolves a stored history identifier to the referenced entity's
// current live identifier. Lineages keyed by unique fields survive a
// delete-and-recreate under a new identifier.
func (t *Tracker) liveRefID(ctx context.Context, st repository.Stores, historyID int64) (int64, error) {
	stored, err := st.History.GetByHistoryID(ctx, historyID)
	if err != nil {
		return 0, err
	}
	targetType, err := t.registry.TrackedType(stored.EntityType)
	if err != nil {
		return 0, err
	}

	live, found, err := t.resolveLiveFor(ctx, st, targetType, stored)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%s %d: %w", stored.EntityType, stored.EntityID, domain.ErrDanglingReference)
	}
	return live.ID, nil
}

// resolveLiveFor finds the live entity a history record's lineage currently
// maps to, by unique field values when the type declares them and by the
// recorded identifier otherwise.
func (t *Tracker) resolveLiveFor(ctx context.Context, st repository.Stores, trackedType domain.EntityType, record domain.HistoryRecord) (domain.Entity, bool, error) {
	if props, ok := uniqueProps(trackedType, record.Properties); ok {
		live, err := st.Entities.FindByProperties(ctx, trackedType.Name, props)
		switch {
		case err == nil:
			return live, true, nil
		case errors.Is(err, domain.ErrNotFound):
			return domain.Entity{}, false, nil
		default:
			return domain.Entity{}, false, err
		}
	}

	live, err := st.Entities.GetByID(ctx, trackedType.Name, record.EntityID)
	switch {
	case err == nil:
		return live, true, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.Entity{}, false, nil
	default:
		return domain.Entity{}, false, err
	}
}

// lineageOf returns the full lifeline containing the given record, oldest
// first.
func (t *Tracker) lineageOf(ctx context.Context, st repository.Stores, trackedType domain.EntityType, record domain.HistoryRecord) ([]domain.HistoryRecord, error) {
	if props, ok := uniqueProps(trackedType, record.Properties); ok {
		return st.History.ListLineageAscending(ctx, trackedType.Name, props)
	}
	return st.History.ListAscending(ctx, trackedType.Name, record.EntityID)
}

// uniqueProps extracts the unique field values keying a lineage. Reference
// and relation fields cannot key one, since history stores them redirected.
func uniqueProps(trackedType domain.EntityType, properties map[string]any) (map[string]any, bool) {
	names := trackedType.UniqueFieldNames()
	if len(names) == 0 {
		return nil, false
	}
	props := make(map[string]any, len(names))
	for _, name := range names {
		field, ok := trackedType.Field(name)
		if !ok || field.IsReference() || field.IsManyToMany() {
			return nil, false
		}
		value, ok := properties[name]
		if !ok || value == nil {
			return nil, false
		}
		props[name] = value
	}
	return props, true
}

// recordAfter reports whether a sorts strictly after b in lifeline order.
func recordAfter(a, b domain.HistoryRecord) bool {
	if !a.HistoryDate.Equal(b.HistoryDate) {
		return a.HistoryDate.After(b.HistoryDate)
	}
	return a.HistoryID > b.HistoryID
}
