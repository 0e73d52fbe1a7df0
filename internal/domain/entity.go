package domain

import (
	"encoding/json"
	"time"
)

// Entity represents a live record of a registered entity type. Properties
// hold field values keyed by field name; reference fields store the
// identifier of the related live entity. Relations hold many-to-many sets
// keyed by relation field name.
type Entity struct {
	ID         int64              `json:"id"`
	EntityType string             `json:"entity_type"`
	Properties map[string]any     `json:"properties"`
	Relations  map[string][]int64 `json:"relations,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// NewEntity creates a new unsaved entity with immutable pattern.
func NewEntity(entityType string, properties map[string]any) Entity {
	now := time.Now()
	return Entity{
		EntityType: entityType,
		Properties: copyProperties(properties),
		Relations:  map[string][]int64{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// WithProperty returns a new entity with an added/updated property.
func (e Entity) WithProperty(key string, value any) Entity {
	newProperties := copyProperties(e.Properties)
	newProperties[key] = value

	return Entity{
		ID:         e.ID,
		EntityType: e.EntityType,
		Properties: newProperties,
		Relations:  copyRelations(e.Relations),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  time.Now(),
	}
}

// WithProperties returns a new entity with replaced properties.
func (e Entity) WithProperties(properties map[string]any) Entity {
	return Entity{
		ID:         e.ID,
		EntityType: e.EntityType,
		Properties: copyProperties(properties),
		Relations:  copyRelations(e.Relations),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  time.Now(),
	}
}

// WithRelation returns a new entity with a replaced many-to-many relation set.
func (e Entity) WithRelation(name string, related []int64) Entity {
	newRelations := copyRelations(e.Relations)
	newRelations[name] = append([]int64(nil), related...)

	return Entity{
		ID:         e.ID,
		EntityType: e.EntityType,
		Properties: copyProperties(e.Properties),
		Relations:  newRelations,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  time.Now(),
	}
}

// IsNew reports whether the entity has been assigned a live identifier yet.
func (e Entity) IsNew() bool {
	return e.ID == 0
}

// PropertyInt64 reads a property as an int64 identifier, tolerating the
// numeric types JSON decoding produces.
func (e Entity) PropertyInt64(key string) (int64, bool) {
	return asInt64(e.Properties[key])
}

func (e *Entity) GetPropertiesAsJSONB() (json.RawMessage, error) {
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	return json.Marshal(e.Properties)
}

func (e *Entity) GetRelationsAsJSONB() (json.RawMessage, error) {
	if e.Relations == nil {
		e.Relations = make(map[string][]int64)
	}
	return json.Marshal(e.Relations)
}

// FromJSONBProperties creates a properties map from JSONB data.
func FromJSONBProperties(propertiesJSON json.RawMessage) (map[string]any, error) {
	var properties map[string]any
	err := json.Unmarshal(propertiesJSON, &properties)
	return properties, err
}

// FromJSONBRelations creates a relations map from JSONB data.
func FromJSONBRelations(relationsJSON json.RawMessage) (map[string][]int64, error) {
	if len(relationsJSON) == 0 {
		return map[string][]int64{}, nil
	}
	var relations map[string][]int64
	if err := json.Unmarshal(relationsJSON, &relations); err != nil {
		return nil, err
	}
	if relations == nil {
		relations = map[string][]int64{}
	}
	return relations, nil
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// copyProperties creates a shallow copy of the properties map so callers can
// treat entity values as immutable.
func copyProperties(properties map[string]any) map[string]any {
	newProperties := make(map[string]any, len(properties))
	for k, v := range properties {
		newProperties[k] = v
	}
	return newProperties
}

func copyRelations(relations map[string][]int64) map[string][]int64 {
	newRelations := make(map[string][]int64, len(relations))
	for k, v := range relations {
		newRelations[k] = append([]int64(nil), v...)
	}
	return newRelations
}
