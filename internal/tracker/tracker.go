// Package tracker is the change-tracking engine: it intercepts every
// create/update/delete of a tracked entity, appends exactly one history
// record per mutation, and answers historical queries and reverts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/registry"
	"github.com/openatlas/trail/internal/repository"
)

// Config carries engine-level switches.
type Config struct {
	// StorageReusesIDs declares whether the underlying store recycles live
	// identifiers after deletion. When set, deleting an entity of a type
	// with no unique fields purges its history instead of appending a
	// delete record, so a future unrelated reuse of the identifier cannot
	// be misattributed to this entity's lineage.
	StorageReusesIDs bool
}

// M2MAction describes a many-to-many relation change.
type M2MAction string

const (
	M2MAdded   M2MAction = "added"
	M2MRemoved M2MAction = "removed"
	M2MCleared M2MAction = "cleared"
)

// Tracker coordinates live-entity writes with history appends. Every
// mutation runs inside a single transaction so the write and its history
// record commit atomically.
type Tracker struct {
	registry *registry.Registry
	stores   repository.TxRunner
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a tracker over the given registry and stores.
func New(reg *registry.Registry, stores repository.TxRunner, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		registry: reg,
		stores:   stores,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry exposes the tracker's type registry.
func (t *Tracker) Registry() *registry.Registry {
	return t.registry
}

// Stores exposes the underlying store runner for read paths.
func (t *Tracker) Stores() repository.TxRunner {
	return t.stores
}

// saveFlags carries revert bookkeeping through the interceptor internally,
// never through ambient state.
type saveFlags struct {
	revert     bool
	cascade    bool
	revertedTo *int64
}

// Save creates or updates a tracked entity and appends the matching history
// record. A zero entity identifier means create.
func (t *Tracker) Save(ctx context.Context, entity domain.Entity, meta domain.ChangeMeta) (domain.Entity, error) {
	var saved domain.Entity
	err := t.stores.WithTx(ctx, func(st repository.Stores) error {
		var saveErr error
		saved, saveErr = t.saveIn(ctx, st, entity, meta, saveFlags{})
		return saveErr
	})
	return saved, err
}

func (t *Tracker) saveIn(ctx context.Context, st repository.Stores, entity domain.Entity, meta domain.ChangeMeta, flags saveFlags) (domain.Entity, error) {
	trackedType, err := t.registry.TrackedType(entity.EntityType)
	if err != nil {
		return domain.Entity{}, err
	}

	wasNew := entity.IsNew()
	var saved domain.Entity
	if wasNew {
		saved, err = st.Entities.Insert(ctx, entity)
	} else {
		saved, err = st.Entities.Update(ctx, entity)
	}
	if err != nil {
		return domain.Entity{}, err
	}

	if meta.TrackChanges {
		if _, err := t.recordSaved(ctx, st, trackedType, saved, wasNew, meta, flags); err != nil {
			return domain.Entity{}, err
		}
	}
	return saved, nil
}

// recordSaved appends the history record for a completed save, resolving
// every reference field to the current history record of its target.
func (t *Tracker) recordSaved(ctx context.Context, st repository.Stores, trackedType domain.EntityType, entity domain.Entity, wasNew bool, meta domain.ChangeMeta, flags saveFlags) (domain.HistoryRecord, error) {
	historyType := domain.ChangeUpdated
	switch {
	case wasNew && flags.revert:
		historyType = domain.ChangeRevertedAdded
	case wasNew:
		historyType = domain.ChangeAdded
	case flags.revert && flags.cascade:
		historyType = domain.ChangeRevertedCascade
	case flags.revert:
		historyType = domain.ChangeReverted
	}

	record, err := t.buildRecord(ctx, st, trackedType, entity, historyType, meta, flags)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	return t.append(ctx, st, record)
}

// buildRecord snapshots the entity's current state into an unsaved history
// record. Reference and relation values are redirected from live identifiers
// to the referenced entities' current history records; untracked targets
// keep their live identifiers.
func (t *Tracker) buildRecord(ctx context.Context, st repository.Stores, trackedType domain.EntityType, entity domain.Entity, historyType domain.ChangeType, meta domain.ChangeMeta, flags saveFlags) (domain.HistoryRecord, error) {
	visible, err := t.visibleFields(trackedType)
	if err != nil {
		return domain.HistoryRecord{}, err
	}

	properties := make(map[string]any, len(visible))
	relations := map[string][]int64{}
	for _, field := range visible {
		value, ok := entity.Properties[field.Name]
		switch {
		case field.IsReference():
			if !ok || value == nil {
				properties[field.Name] = nil
				continue
			}
			liveID, isID := entity.PropertyInt64(field.Name)
			if !isID {
				return domain.HistoryRecord{}, fmt.Errorf("reference field %s.%s holds non-identifier value %v", trackedType.Name, field.Name, value)
			}
			if !t.registry.IsTracked(field.ReferenceEntityType) {
				properties[field.Name] = liveID
				continue
			}
			historyID, err := t.currentHistoryID(ctx, st, field.ReferenceEntityType, liveID)
			if err != nil {
				return domain.HistoryRecord{}, fmt.Errorf("resolve reference %s.%s: %w", trackedType.Name, field.Name, err)
			}
			properties[field.Name] = historyID
		case field.IsManyToMany():
			liveIDs := entity.Relations[field.Name]
			if !t.registry.IsTracked(field.ReferenceEntityType) {
				relations[field.Name] = append([]int64(nil), liveIDs...)
				continue
			}
			historyIDs := make([]int64, 0, len(liveIDs))
			for _, liveID := range liveIDs {
				historyID, err := t.currentHistoryID(ctx, st, field.ReferenceEntityType, liveID)
				if err != nil {
					return domain.HistoryRecord{}, fmt.Errorf("resolve relation %s.%s: %w", trackedType.Name, field.Name, err)
				}
				historyIDs = append(historyIDs, historyID)
			}
			relations[field.Name] = historyIDs
		default:
			if ok {
				properties[field.Name] = value
			}
		}
	}

	record := domain.HistoryRecord{
		EntityID:     entity.ID,
		EntityType:   trackedType.Name,
		Properties:   properties,
		Relations:    relations,
		HistoryDate:  meta.EffectiveDate(t.now()),
		HistoryType:  historyType,
		RevertedToID: flags.revertedTo,
	}

	opts, err := t.registry.Options(trackedType.Name)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	if opts.TrackComment {
		record.Comment = meta.Comment
	}
	if opts.TrackActor {
		record.Actor = meta.Actor
	}
	if opts.TrackActorOrigin {
		record.ActorOrigin = meta.ActorOrigin
	}
	return record, nil
}

// append writes the record, warning when the lifeline would become
// inconsistent (two deletes in a row without a recreate between them).
func (t *Tracker) append(ctx context.Context, st repository.Stores, record domain.HistoryRecord) (domain.HistoryRecord, error) {
	prev, err := st.History.MostRecent(ctx, record.EntityType, record.EntityID)
	prevType := domain.ChangeType("")
	switch {
	case err == nil:
		prevType = prev.HistoryType
	case errors.Is(err, domain.ErrNoHistory):
	default:
		return domain.HistoryRecord{}, err
	}
	if !domain.ValidSuccessor(prevType, record.HistoryType) {
		t.logger.Warn("inconsistent lifeline transition",
			zap.String("entity_type", record.EntityType),
			zap.Int64("entity_id", record.EntityID),
			zap.String("previous", string(prevType)),
			zap.String("next", string(record.HistoryType)),
		)
	}

	return st.History.Append(ctx, record)
}

// Delete removes a tracked entity and its dependents, appending one delete
// record per removed entity. Dependents deleted as a side effect are tagged
// as cascade deletions and inherit the caller's annotation.
func (t *Tracker) Delete(ctx context.Context, entity domain.Entity, meta domain.ChangeMeta) error {
	// One timestamp for the whole tree keeps cascade records dated with
	// their trigger.
	date := meta.EffectiveDate(t.now())
	meta.HistoryDate = &date

	return t.stores.WithTx(ctx, func(st repository.Stores) error {
		visited := map[string]struct{}{}
		return t.deleteTree(ctx, st, entity, meta, saveFlags{}, visited)
	})
}

func (t *Tracker) deleteTree(ctx context.Context, st repository.Stores, entity domain.Entity, meta domain.ChangeMeta, flags saveFlags, visited map[string]struct{}) error {
	key := fmt.Sprintf("%s/%d", entity.EntityType, entity.ID)
	if _, seen := visited[key]; seen {
		return nil
	}
	visited[key] = struct{}{}

	trackedType, err := t.registry.TrackedType(entity.EntityType)
	if err != nil && !errors.Is(err, domain.ErrNotTracked) {
		return err
	}
	tracked := err == nil

	// Dependents go first so their history records can still resolve a
	// reference to this entity's latest record.
	for _, dep := range t.registry.Dependents(entity.EntityType) {
		children, err := st.Entities.ListReferencing(ctx, dep.EntityType, dep.Field, entity.ID)
		if err != nil {
			return err
		}
		childFlags := saveFlags{cascade: true, revert: flags.revert, revertedTo: flags.revertedTo}
		for _, child := range children {
			if err := t.deleteTree(ctx, st, child, meta, childFlags, visited); err != nil {
				return err
			}
		}
	}

	// Snapshot before the row disappears.
	var record domain.HistoryRecord
	wantRecord := tracked && meta.TrackChanges && !(t.cfg.StorageReusesIDs && !trackedType.HasUniqueFields())
	if wantRecord {
		historyType := domain.ChangeDeleted
		switch {
		case flags.revert && flags.cascade:
			historyType = domain.ChangeRevertedDeletedCascade
		case flags.revert:
			historyType = domain.ChangeRevertedDeleted
		case flags.cascade:
			historyType = domain.ChangeDeletedCascade
		}
		record, err = t.buildRecord(ctx, st, trackedType, entity, historyType, meta, flags)
		if err != nil {
			return err
		}
	}

	if err := st.Entities.Delete(ctx, entity.EntityType, entity.ID); err != nil {
		return err
	}

	if !tracked || !meta.TrackChanges {
		return nil
	}

	if !wantRecord {
		// Identifier-recycling storage and no unique fields to key the
		// lineage off: purge rather than risk misattributing a future
		// reuse of this identifier.
		purged, err := st.History.Purge(ctx, trackedType.Name, entity.ID)
		if err != nil {
			return err
		}
		t.logger.Warn("purged history for recycling-unsafe entity",
			zap.String("entity_type", trackedType.Name),
			zap.Int64("entity_id", entity.ID),
			zap.Int64("purged_records", purged),
		)
		return nil
	}

	_, err = t.append(ctx, st, record)
	return err
}

// ManyToManyChanged mirrors a live many-to-many change onto the owner's most
// recent history record. It does not append a new record: relation changes
// adjust the latest snapshot so it matches the live relation set.
func (t *Tracker) ManyToManyChanged(ctx context.Context, entity domain.Entity, relation string, action M2MAction, related []int64) error {
	trackedType, err := t.registry.TrackedType(entity.EntityType)
	if err != nil {
		return err
	}
	field, ok := trackedType.Field(relation)
	if !ok || !field.IsManyToMany() {
		return fmt.Errorf("%s has no many-to-many relation %q", trackedType.Name, relation)
	}

	return t.stores.WithTx(ctx, func(st repository.Stores) error {
		recent, err := st.History.MostRecent(ctx, trackedType.Name, entity.ID)
		if err != nil {
			return err
		}

		current := append([]int64(nil), recent.Relations[relation]...)
		switch action {
		case M2MCleared:
			current = []int64{}
		case M2MAdded, M2MRemoved:
			changed := make([]int64, 0, len(related))
			for _, liveID := range related {
				value := liveID
				if t.registry.IsTracked(field.ReferenceEntityType) {
					value, err = t.currentHistoryID(ctx, st, field.ReferenceEntityType, liveID)
					if err != nil {
						return fmt.Errorf("resolve relation %s.%s: %w", trackedType.Name, relation, err)
					}
				}
				changed = append(changed, value)
			}
			if action == M2MAdded {
				current = unionIDs(current, changed)
			} else {
				current = subtractIDs(current, changed)
			}
		default:
			return fmt.Errorf("unsupported many-to-many action %q", action)
		}

		relations := map[string][]int64{}
		for name, ids := range recent.Relations {
			relations[name] = append([]int64(nil), ids...)
		}
		relations[relation] = current
		return st.History.UpdateRelations(ctx, recent.HistoryID, relations)
	})
}

// currentHistoryID resolves a live identifier to the referenced entity's
// most recent history record identifier.
func (t *Tracker) currentHistoryID(ctx context.Context, st repository.Stores, targetType string, liveID int64) (int64, error) {
	tracked, err := t.registry.TrackedType(targetType)
	if err != nil {
		return 0, err
	}
	recent, err := st.History.MostRecent(ctx, tracked.Name, liveID)
	if err != nil {
		return 0, err
	}
	return recent.HistoryID, nil
}

// visibleFields returns the fields captured in history for a directly
// tracked type: its own fields plus those of every ancestor in its
// hierarchy. Fields a subtype adds without registering stay invisible.
func (t *Tracker) visibleFields(trackedType domain.EntityType) ([]domain.FieldDefinition, error) {
	fields := append([]domain.FieldDefinition(nil), trackedType.Fields...)
	seen := map[string]struct{}{}
	for _, field := range fields {
		seen[field.Name] = struct{}{}
	}

	name := trackedType.Extends
	for name != "" {
		ancestor, err := t.registry.EntityType(name)
		if err != nil {
			if errors.Is(err, domain.ErrNotTracked) {
				break
			}
			return nil, err
		}
		for _, field := range ancestor.Fields {
			if _, ok := seen[field.Name]; ok {
				continue
			}
			seen[field.Name] = struct{}{}
			fields = append(fields, field)
		}
		name = ancestor.Extends
	}
	return fields, nil
}

func unionIDs(base, add []int64) []int64 {
	seen := map[int64]struct{}{}
	result := make([]int64, 0, len(base)+len(add))
	for _, id := range base {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	for _, id := range add {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	return result
}

func subtractIDs(base, remove []int64) []int64 {
	drop := map[int64]struct{}{}
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	result := make([]int64, 0, len(base))
	for _, id := range base {
		if _, ok := drop[id]; !ok {
			result = append(result, id)
		}
	}
	return result
}
