package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openatlas/trail/internal/domain"
)

// historyRepository implements HistoryStore over the entity_history table.
type historyRepository struct {
	q Querier
}

// NewHistoryRepository creates an append-only history store bound to q.
func NewHistoryRepository(q Querier) HistoryStore {
	return &historyRepository{q: q}
}

const historyColumns = `history_id, entity_type, entity_id, properties, relations,
	history_date, history_type, history_reverted_to, history_comment, history_actor, history_actor_origin`

func (r *historyRepository) Append(ctx context.Context, record domain.HistoryRecord) (domain.HistoryRecord, error) {
	propertiesJSON, err := json.Marshal(record.Properties)
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("failed to marshal history properties: %w", err)
	}
	relations := record.Relations
	if relations == nil {
		relations = map[string][]int64{}
	}
	relationsJSON, err := json.Marshal(relations)
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("failed to marshal history relations: %w", err)
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO entity_history (
			entity_type, entity_id, properties, relations,
			history_date, history_type, history_reverted_to,
			history_comment, history_actor, history_actor_origin
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+historyColumns,
		record.EntityType, record.EntityID, propertiesJSON, relationsJSON,
		record.HistoryDate, string(record.HistoryType), record.RevertedToID,
		record.Comment, record.Actor, record.ActorOrigin,
	)
	return scanHistory(row)
}

func (r *historyRepository) GetByHistoryID(ctx context.Context, historyID int64) (domain.HistoryRecord, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+historyColumns+`
		FROM entity_history
		WHERE history_id = $1`,
		historyID,
	)
	record, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HistoryRecord{}, fmt.Errorf("history record %d: %w", historyID, domain.ErrNotFound)
	}
	return record, err
}

func (r *historyRepository) GetByHistoryIDs(ctx context.Context, historyIDs []int64) ([]domain.HistoryRecord, error) {
	if len(historyIDs) == 0 {
		return []domain.HistoryRecord{}, nil
	}
	rows, err := r.q.Query(ctx, `
		SELECT `+historyColumns+`
		FROM entity_history
		WHERE history_id = ANY($1)
		ORDER BY history_id`,
		historyIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get history records: %w", err)
	}
	defer rows.Close()

	return collectHistory(rows)
}

func (r *historyRepository) MostRecent(ctx context.Context, entityType string, entityID int64) (domain.HistoryRecord, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+historyColumns+`
		FROM entity_history
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY history_date DESC, history_id DESC
		LIMIT 1`,
		entityType, entityID,
	)
	record, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HistoryRecord{}, fmt.Errorf("entity %s/%d: %w", entityType, entityID, domain.ErrNoHistory)
	}
	return record, err
}

func (r *historyRepository) ListAscending(ctx context.Context, entityType string, entityID int64) ([]domain.HistoryRecord, error) {
	return r.list(ctx, entityType, entityID, "ASC")
}

func (r *historyRepository) ListDescending(ctx context.Context, entityType string, entityID int64) ([]domain.HistoryRecord, error) {
	return r.list(ctx, entityType, entityID, "DESC")
}

func (r *historyRepository) list(ctx context.Context, entityType string, entityID int64, direction string) ([]domain.HistoryRecord, error) {
	rows, err := r.q.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM entity_history
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY history_date %s, history_id %s`, historyColumns, direction, direction),
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	return collectHistory(rows)
}

func (r *historyRepository) ListLineageAscending(ctx context.Context, entityType string, props map[string]any) ([]domain.HistoryRecord, error) {
	filterJSON, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lineage filter: %w", err)
	}

	rows, err := r.q.Query(ctx, `
		SELECT `+historyColumns+`
		FROM entity_history
		WHERE entity_type = $1 AND properties @> $2
		ORDER BY history_date ASC, history_id ASC`,
		entityType, filterJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list lineage history: %w", err)
	}
	defer rows.Close()

	return collectHistory(rows)
}

func (r *historyRepository) Filter(ctx context.Context, entityType string, props map[string]any, book map[string]any) ([]domain.HistoryRecord, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + historyColumns + ` FROM entity_history WHERE entity_type = $1`)
	args := []any{entityType}

	if len(props) > 0 {
		filterJSON, err := json.Marshal(props)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal property filter: %w", err)
		}
		args = append(args, filterJSON)
		fmt.Fprintf(&query, " AND properties @> $%d", len(args))
	}
	for _, column := range []string{
		domain.HistoryFieldEntityID, domain.HistoryFieldDate, domain.HistoryFieldType,
		domain.HistoryFieldRevertedTo, domain.HistoryFieldComment,
		domain.HistoryFieldActor, domain.HistoryFieldActorOrigin,
	} {
		value, ok := book[column]
		if !ok {
			continue
		}
		args = append(args, value)
		storage := column
		if storage == domain.HistoryFieldEntityID {
			storage = "entity_id"
		}
		fmt.Fprintf(&query, " AND %s = $%d", storage, len(args))
	}
	query.WriteString(" ORDER BY history_date DESC, history_id DESC")

	rows, err := r.q.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter history: %w", err)
	}
	defer rows.Close()

	return collectHistory(rows)
}

func (r *historyRepository) AsOfDate(ctx context.Context, entityType string, entityID int64, date time.Time) (domain.HistoryRecord, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+historyColumns+`
		FROM entity_history
		WHERE entity_type = $1 AND entity_id = $2 AND history_date <= $3
		ORDER BY history_date DESC, history_id DESC
		LIMIT 1`,
		entityType, entityID, date,
	)
	record, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HistoryRecord{}, fmt.Errorf("entity %s/%d at %s: %w", entityType, entityID, date.Format(time.RFC3339), domain.ErrNotYetCreated)
	}
	return record, err
}

func (r *historyRepository) UpdateRelations(ctx context.Context, historyID int64, relations map[string][]int64) error {
	if relations == nil {
		relations = map[string][]int64{}
	}
	relationsJSON, err := json.Marshal(relations)
	if err != nil {
		return fmt.Errorf("failed to marshal relations: %w", err)
	}

	tag, err := r.q.Exec(ctx, `UPDATE entity_history SET relations = $2 WHERE history_id = $1`, historyID, relationsJSON)
	if err != nil {
		return fmt.Errorf("failed to update history relations: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history record %d: %w", historyID, domain.ErrNotFound)
	}
	return nil
}

func (r *historyRepository) DeleteByHistoryIDs(ctx context.Context, historyIDs []int64) error {
	if len(historyIDs) == 0 {
		return nil
	}
	if _, err := r.q.Exec(ctx, `DELETE FROM entity_history WHERE history_id = ANY($1)`, historyIDs); err != nil {
		return fmt.Errorf("failed to delete history records: %w", err)
	}
	return nil
}

func (r *historyRepository) Purge(ctx context.Context, entityType string, entityID int64) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM entity_history WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectHistory(rows pgx.Rows) ([]domain.HistoryRecord, error) {
	records := []domain.HistoryRecord{}
	for rows.Next() {
		record, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	return records, nil
}

func scanHistory(row pgx.Row) (domain.HistoryRecord, error) {
	var (
		record         domain.HistoryRecord
		historyType    string
		propertiesJSON []byte
		relationsJSON  []byte
	)
	if err := row.Scan(
		&record.HistoryID, &record.EntityType, &record.EntityID,
		&propertiesJSON, &relationsJSON,
		&record.HistoryDate, &historyType, &record.RevertedToID,
		&record.Comment, &record.Actor, &record.ActorOrigin,
	); err != nil {
		return domain.HistoryRecord{}, err
	}

	properties, err := domain.FromJSONBProperties(propertiesJSON)
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("failed to decode properties for history %d: %w", record.HistoryID, err)
	}
	relations, err := domain.FromJSONBRelations(relationsJSON)
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("failed to decode relations for history %d: %w", record.HistoryID, err)
	}

	record.Properties = properties
	record.Relations = relations
	record.HistoryType = domain.ChangeType(historyType)
	return record, nil
}
