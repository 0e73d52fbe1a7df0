package repository

import (
	"context"
	"time"

	"github.com/openatlas/trail/internal/domain"
)

// EntityStore defines storage operations over live entity rows.
type EntityStore interface {
	Insert(ctx context.Context, entity domain.Entity) (domain.Entity, error)
	Update(ctx context.Context, entity domain.Entity) (domain.Entity, error)
	Delete(ctx context.Context, entityType string, id int64) error
	GetByID(ctx context.Context, entityType string, id int64) (domain.Entity, error)
	// FindByProperties resolves a single live entity whose properties contain
	// the given values, used for unique-field lineage lookups. Returns
	// domain.ErrNotFound when no row matches.
	FindByProperties(ctx context.Context, entityType string, props map[string]any) (domain.Entity, error)
	// ListReferencing returns live entities of entityType whose reference
	// field holds targetID.
	ListReferencing(ctx context.Context, entityType string, field string, targetID int64) ([]domain.Entity, error)
	ListByType(ctx context.Context, entityType string, limit, offset int) ([]domain.Entity, error)
}

// HistoryStore defines storage operations over the append-only history
// table. Append and UpdateRelations are the only writers under normal
// operation; DeleteByHistoryIDs and Purge serve the revert engine's
// delete-newer-versions and recycling-purge paths.
type HistoryStore interface {
	Append(ctx context.Context, record domain.HistoryRecord) (domain.HistoryRecord, error)
	GetByHistoryID(ctx context.Context, historyID int64) (domain.HistoryRecord, error)
	GetByHistoryIDs(ctx context.Context, historyIDs []int64) ([]domain.HistoryRecord, error)
	// MostRecent returns the latest record for an entity identifier, or
	// domain.ErrNoHistory.
	MostRecent(ctx context.Context, entityType string, entityID int64) (domain.HistoryRecord, error)
	// ListAscending returns an entity's records ordered by history_date then
	// history_id.
	ListAscending(ctx context.Context, entityType string, entityID int64) ([]domain.HistoryRecord, error)
	ListDescending(ctx context.Context, entityType string, entityID int64) ([]domain.HistoryRecord, error)
	// ListLineageAscending returns every record whose properties contain the
	// given unique values, regardless of entity identifier, so a lineage
	// survives delete and recreate.
	ListLineageAscending(ctx context.Context, entityType string, props map[string]any) ([]domain.HistoryRecord, error)
	// Filter matches records by property values and bookkeeping columns,
	// newest first.
	Filter(ctx context.Context, entityType string, props map[string]any, book map[string]any) ([]domain.HistoryRecord, error)
	// AsOfDate returns the latest record with history_date <= date, or
	// domain.ErrNotYetCreated.
	AsOfDate(ctx context.Context, entityType string, entityID int64, date time.Time) (domain.HistoryRecord, error)
	// UpdateRelations rewrites the relation sets of an existing record. Only
	// the many-to-many change path uses it, against the latest record.
	UpdateRelations(ctx context.Context, historyID int64, relations map[string][]int64) error
	DeleteByHistoryIDs(ctx context.Context, historyIDs []int64) error
	// Purge removes every record for an entity identifier. This is the
	// defensive cleanup for identifier-recycling storage.
	Purge(ctx context.Context, entityType string, entityID int64) (int64, error)
}

// Stores bundles the two stores a mutation operates on.
type Stores struct {
	Entities EntityStore
	History  HistoryStore
}

// TxRunner executes a function with stores bound to a single transaction, so
// a live write and its history append commit atomically.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(Stores) error) error
	// View returns stores for non-transactional reads.
	View() Stores
}
