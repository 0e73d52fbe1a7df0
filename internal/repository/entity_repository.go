package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openatlas/trail/internal/domain"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so repositories can
// run against the pool or inside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// entityRepository implements EntityStore over the entities table.
type entityRepository struct {
	q Querier
}

// NewEntityRepository creates a live-entity store bound to q.
func NewEntityRepository(q Querier) EntityStore {
	return &entityRepository{q: q}
}

func (r *entityRepository) Insert(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	propertiesJSON, err := entity.GetPropertiesAsJSONB()
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to marshal properties: %w", err)
	}
	relationsJSON, err := entity.GetRelationsAsJSONB()
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to marshal relations: %w", err)
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO entities (entity_type, properties, relations)
		VALUES ($1, $2, $3)
		RETURNING id, entity_type, properties, relations, created_at, updated_at`,
		entity.EntityType, propertiesJSON, relationsJSON,
	)
	return scanEntity(row)
}

func (r *entityRepository) Update(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	propertiesJSON, err := entity.GetPropertiesAsJSONB()
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to marshal properties: %w", err)
	}
	relationsJSON, err := entity.GetRelationsAsJSONB()
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to marshal relations: %w", err)
	}

	row := r.q.QueryRow(ctx, `
		UPDATE entities
		SET properties = $3, relations = $4, updated_at = now()
		WHERE entity_type = $1 AND id = $2
		RETURNING id, entity_type, properties, relations, created_at, updated_at`,
		entity.EntityType, entity.ID, propertiesJSON, relationsJSON,
	)
	updated, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Entity{}, fmt.Errorf("update entity %s/%d: %w", entity.EntityType, entity.ID, domain.ErrNotFound)
	}
	return updated, err
}

func (r *entityRepository) Delete(ctx context.Context, entityType string, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM entities WHERE entity_type = $1 AND id = $2`, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete entity %s/%d: %w", entityType, id, domain.ErrNotFound)
	}
	return nil
}

func (r *entityRepository) GetByID(ctx context.Context, entityType string, id int64) (domain.Entity, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, entity_type, properties, relations, created_at, updated_at
		FROM entities
		WHERE entity_type = $1 AND id = $2`,
		entityType, id,
	)
	entity, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Entity{}, fmt.Errorf("get entity %s/%d: %w", entityType, id, domain.ErrNotFound)
	}
	return entity, err
}

func (r *entityRepository) FindByProperties(ctx context.Context, entityType string, props map[string]any) (domain.Entity, error) {
	filterJSON, err := json.Marshal(props)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to marshal property filter: %w", err)
	}

	row := r.q.QueryRow(ctx, `
		SELECT id, entity_type, properties, relations, created_at, updated_at
		FROM entities
		WHERE entity_type = $1 AND properties @> $2
		ORDER BY id
		LIMIT 1`,
		entityType, filterJSON,
	)
	entity, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Entity{}, fmt.Errorf("find entity %s by properties: %w", entityType, domain.ErrNotFound)
	}
	return entity, err
}

func (r *entityRepository) ListReferencing(ctx context.Context, entityType string, field string, targetID int64) ([]domain.Entity, error) {
	filterJSON, err := json.Marshal(map[string]any{field: targetID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reference filter: %w", err)
	}

	rows, err := r.q.Query(ctx, `
		SELECT id, entity_type, properties, relations, created_at, updated_at
		FROM entities
		WHERE entity_type = $1 AND properties @> $2
		ORDER BY id`,
		entityType, filterJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list referencing entities: %w", err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

func (r *entityRepository) ListByType(ctx context.Context, entityType string, limit, offset int) ([]domain.Entity, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, entity_type, properties, relations, created_at, updated_at
		FROM entities
		WHERE entity_type = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`,
		entityType, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

func collectEntities(rows pgx.Rows) ([]domain.Entity, error) {
	entities := []domain.Entity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entity rows: %w", err)
	}
	return entities, nil
}

func scanEntity(row pgx.Row) (domain.Entity, error) {
	var (
		id             int64
		entityType     string
		propertiesJSON []byte
		relationsJSON  []byte
		createdAt      time.Time
		updatedAt      time.Time
	)
	if err := row.Scan(&id, &entityType, &propertiesJSON, &relationsJSON, &createdAt, &updatedAt); err != nil {
		return domain.Entity{}, err
	}

	properties, err := domain.FromJSONBProperties(propertiesJSON)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to decode properties for entity %d: %w", id, err)
	}
	relations, err := domain.FromJSONBRelations(relationsJSON)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to decode relations for entity %d: %w", id, err)
	}

	return domain.Entity{
		ID:         id,
		EntityType: entityType,
		Properties: properties,
		Relations:  relations,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}
