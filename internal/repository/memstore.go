package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openatlas/trail/internal/domain"
)

// MemStores is an in-memory TxRunner used by engine tests and local
// experiments. It mirrors the SQL stores' semantics, including ordering and
// sentinel errors. ReuseIDs simulates a storage engine that recycles live
// identifiers after deletion.
type MemStores struct {
	mu sync.Mutex

	ReuseIDs bool

	entities      map[string]map[int64]domain.Entity
	history       []domain.HistoryRecord
	nextEntityID  int64
	nextHistoryID int64
	freedIDs      []int64
}

// NewMemStores creates an empty in-memory store pair.
func NewMemStores() *MemStores {
	return &MemStores{
		entities:      map[string]map[int64]domain.Entity{},
		nextEntityID:  1,
		nextHistoryID: 1,
	}
}

// WithTx runs fn against the shared state. The in-memory runner provides
// serialization, not rollback; engine tests exercise logic, not crash
// recovery.
func (m *MemStores) WithTx(ctx context.Context, fn func(Stores) error) error {
	return fn(m.stores())
}

func (m *MemStores) View() Stores {
	return m.stores()
}

func (m *MemStores) stores() Stores {
	return Stores{
		Entities: &memEntityStore{m: m},
		History:  &memHistoryStore{m: m},
	}
}

type memEntityStore struct {
	m *MemStores
}

func (s *memEntityStore) Insert(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if s.m.ReuseIDs && len(s.m.freedIDs) > 0 {
		sort.Slice(s.m.freedIDs, func(i, j int) bool { return s.m.freedIDs[i] < s.m.freedIDs[j] })
		entity.ID = s.m.freedIDs[0]
		s.m.freedIDs = s.m.freedIDs[1:]
	} else {
		entity.ID = s.m.nextEntityID
		s.m.nextEntityID++
	}
	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now

	byID, ok := s.m.entities[entity.EntityType]
	if !ok {
		byID = map[int64]domain.Entity{}
		s.m.entities[entity.EntityType] = byID
	}
	byID[entity.ID] = entity
	return entity, nil
}

func (s *memEntityStore) Update(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	byID := s.m.entities[entity.EntityType]
	existing, ok := byID[entity.ID]
	if !ok {
		return domain.Entity{}, fmt.Errorf("update entity %s/%d: %w", entity.EntityType, entity.ID, domain.ErrNotFound)
	}
	entity.CreatedAt = existing.CreatedAt
	entity.UpdatedAt = time.Now()
	byID[entity.ID] = entity
	return entity, nil
}

func (s *memEntityStore) Delete(ctx context.Context, entityType string, id int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	byID := s.m.entities[entityType]
	if _, ok := byID[id]; !ok {
		return fmt.Errorf("delete entity %s/%d: %w", entityType, id, domain.ErrNotFound)
	}
	delete(byID, id)
	if s.m.ReuseIDs {
		s.m.freedIDs = append(s.m.freedIDs, id)
	}
	return nil
}

func (s *memEntityStore) GetByID(ctx context.Context, entityType string, id int64) (domain.Entity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	entity, ok := s.m.entities[entityType][id]
	if !ok {
		return domain.Entity{}, fmt.Errorf("get entity %s/%d: %w", entityType, id, domain.ErrNotFound)
	}
	return entity, nil
}

func (s *memEntityStore) FindByProperties(ctx context.Context, entityType string, props map[string]any) (domain.Entity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	ids := sortedIDs(s.m.entities[entityType])
	for _, id := range ids {
		entity := s.m.entities[entityType][id]
		if propertiesContain(entity.Properties, props) {
			return entity, nil
		}
	}
	return domain.Entity{}, fmt.Errorf("find entity %s by properties: %w", entityType, domain.ErrNotFound)
}

func (s *memEntityStore) ListReferencing(ctx context.Context, entityType string, field string, targetID int64) ([]domain.Entity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	result := []domain.Entity{}
	for _, id := range sortedIDs(s.m.entities[entityType]) {
		entity := s.m.entities[entityType][id]
		if value, ok := entity.PropertyInt64(field); ok && value == targetID {
			result = append(result, entity)
		}
	}
	return result, nil
}

func (s *memEntityStore) ListByType(ctx context.Context, entityType string, limit, offset int) ([]domain.Entity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	result := []domain.Entity{}
	ids := sortedIDs(s.m.entities[entityType])
	for i := offset; i < len(ids) && len(result) < limit; i++ {
		result = append(result, s.m.entities[entityType][ids[i]])
	}
	return result, nil
}

type memHistoryStore struct {
	m *MemStores
}

func (s *memHistoryStore) Append(ctx context.Context, record domain.HistoryRecord) (domain.HistoryRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	record.HistoryID = s.m.nextHistoryID
	s.m.nextHistoryID++
	if record.Relations == nil {
		record.Relations = map[string][]int64{}
	}
	s.m.history = append(s.m.history, record)
	return record, nil
}

func (s *memHistoryStore) GetByHistoryID(ctx context.Context, historyID int64) (domain.HistoryRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	for _, record := range s.m.history {
		if record.HistoryID == historyID {
			return record, nil
		}
	}
	return domain.HistoryRecord{}, fmt.Errorf("history record %d: %w", historyID, domain.ErrNotFound)
}

func (s *memHistoryStore) GetByHistoryIDs(ctx context.Context, historyIDs []int64) ([]domain.HistoryRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	wanted := map[int64]struct{}{}
	for _, id := range historyIDs {
		wanted[id] = struct{}{}
	}
	result := []domain.HistoryRecord{}
	for _, record := range s.m.history {
		if _, ok := wanted[record.HistoryID]; ok {
			result = append(result, record)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].HistoryID < result[j].HistoryID })
	return result, nil
}

func (s *memHistoryStore) MostRecent(ctx context.Context, entityType string, entityID int64) (domain.HistoryRecord, error) {
	records, err := s.ListDescending(ctx, entityType, entityID)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	if len(records) == 0 {
		return domain.HistoryRecord{}, fmt.Errorf("entity %s/%d: %w", entityType, entityID, domain.ErrNoHistory)
	}
	return records[0], nil
}

func (s *memHistoryStore) ListAscending(ctx context.Context, entityType string, entityID int64) ([]domain.HistoryRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	result := []domain.HistoryRecord{}
	for _, record := range s.m.history {
		if record.EntityType == entityType && record.EntityID == entityID {
			result = append(result, record)
		}
	}
	sortAscending(result)
	return result, nil
}

func (s *memHistoryStore) ListDescending(ctx context.Context, entityType string, entityID int64) ([]domain.HistoryRecord, error) {
	result, err := s.ListAscending(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	reverse(result)
	return result, nil
}

func (s *memHistoryStore) ListLineageAscending(ctx context.Context, entityType string, props map[string]any) ([]domain.HistoryRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	result := []domain.HistoryRecord{}
	for _, record := range s.m.history {
		if record.EntityType == entityType && propertiesContain(record.Properties, props) {
			result = append(result, record)
		}
	}
	sortAscending(result)
	return result, nil
}

func (s *memHistoryStore) Filter(ctx context.Context, entityType string, props map[string]any, book map[string]any) ([]domain.HistoryRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	result := []domain.HistoryRecord{}
	for _, record := range s.m.history {
		if record.EntityType != entityType {
			continue
		}
		if !propertiesContain(record.Properties, props) {
			continue
		}
		if !bookkeepingMatches(record, book) {
			continue
		}
		result = append(result, record)
	}
	sortAscending(result)
	reverse(result)
	return result, nil
}

func (s *memHistoryStore) AsOfDate(ctx context.Context, entityType string, entityID int64, date time.Time) (domain.HistoryRecord, error) {
	records, err := s.ListAscending(ctx, entityType, entityID)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if !records[i].HistoryDate.After(date) {
			return records[i], nil
		}
	}
	return domain.HistoryRecord{}, fmt.Errorf("entity %s/%d at %s: %w", entityType, entityID, date.Format(time.RFC3339), domain.ErrNotYetCreated)
}

func (s *memHistoryStore) UpdateRelations(ctx context.Context, historyID int64, relations map[string][]int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	for i := range s.m.history {
		if s.m.history[i].HistoryID == historyID {
			if relations == nil {
				relations = map[string][]int64{}
			}
			copied := make(map[string][]int64, len(relations))
			for k, v := range relations {
				copied[k] = append([]int64(nil), v...)
			}
			s.m.history[i].Relations = copied
			return nil
		}
	}
	return fmt.Errorf("history record %d: %w", historyID, domain.ErrNotFound)
}

func (s *memHistoryStore) DeleteByHistoryIDs(ctx context.Context, historyIDs []int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	wanted := map[int64]struct{}{}
	for _, id := range historyIDs {
		wanted[id] = struct{}{}
	}
	kept := s.m.history[:0]
	for _, record := range s.m.history {
		if _, ok := wanted[record.HistoryID]; !ok {
			kept = append(kept, record)
		}
	}
	s.m.history = kept
	return nil
}

func (s *memHistoryStore) Purge(ctx context.Context, entityType string, entityID int64) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var purged int64
	kept := s.m.history[:0]
	for _, record := range s.m.history {
		if record.EntityType == entityType && record.EntityID == entityID {
			purged++
			continue
		}
		kept = append(kept, record)
	}
	s.m.history = kept
	return purged, nil
}

func sortAscending(records []domain.HistoryRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].HistoryDate.Equal(records[j].HistoryDate) {
			return records[i].HistoryDate.Before(records[j].HistoryDate)
		}
		return records[i].HistoryID < records[j].HistoryID
	})
}

func reverse(records []domain.HistoryRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

func sortedIDs(byID map[int64]domain.Entity) []int64 {
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// propertiesContain mirrors JSONB containment for flat property filters,
// normalizing numeric representations the way JSON round-trips do.
func propertiesContain(properties map[string]any, filter map[string]any) bool {
	for key, expected := range filter {
		actual, ok := properties[key]
		if !ok {
			return false
		}
		if canonicalValue(actual) != canonicalValue(expected) {
			return false
		}
	}
	return true
}

func bookkeepingMatches(record domain.HistoryRecord, book map[string]any) bool {
	for key, expected := range book {
		var actual any
		switch key {
		case domain.HistoryFieldEntityID:
			actual = record.EntityID
		case domain.HistoryFieldType:
			actual = string(record.HistoryType)
		case domain.HistoryFieldComment:
			actual = record.Comment
		case domain.HistoryFieldActorOrigin:
			actual = record.ActorOrigin
		case domain.HistoryFieldActor:
			if record.Actor != nil {
				actual = record.Actor.String()
			}
		case domain.HistoryFieldRevertedTo:
			if record.RevertedToID != nil {
				actual = *record.RevertedToID
			}
		case domain.HistoryFieldDate:
			actual = record.HistoryDate
		default:
			return false
		}
		if canonicalValue(actual) != canonicalValue(expected) {
			return false
		}
	}
	return true
}

func canonicalValue(value any) string {
	if t, ok := value.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}
