package domain

import "strings"

// FieldType represents the type of a field in an entity type definition.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeJSON      FieldType = "json"
	FieldTypeGeometry  FieldType = "geometry"
	// FieldTypeEntityReference marks a field holding the identifier of a single
	// related entity. When the related type is tracked, the derived history
	// field stores the identifier of a history record instead.
	FieldTypeEntityReference FieldType = "ENTITY_REFERENCE"
	// FieldTypeEntityReferenceArray marks a many-to-many relation field holding
	// identifiers of related entities.
	FieldTypeEntityReferenceArray FieldType = "ENTITY_REFERENCE_ARRAY"
	// FieldTypeEntityID is the demoted copy of a live primary identifier on a
	// derived history record: plain indexed integer, never auto-assigned.
	FieldTypeEntityID FieldType = "ENTITY_ID"
	// FieldTypeHistoryID is the auto-incrementing primary key introduced on
	// every derived history record.
	FieldTypeHistoryID FieldType = "HISTORY_ID"
)

// FieldDefinition represents one field of an entity type or of a derived
// history record type.
type FieldDefinition struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Unique      bool      `json:"unique,omitempty"`
	Indexed     bool      `json:"indexed,omitempty"`
	PrimaryKey  bool      `json:"primaryKey,omitempty"`
	Description string    `json:"description,omitempty"`
	// ReferenceEntityType names the related entity type for
	// ENTITY_REFERENCE and ENTITY_REFERENCE_ARRAY fields.
	ReferenceEntityType string `json:"referenceEntityType,omitempty"`
	// Symmetric only applies to ENTITY_REFERENCE_ARRAY fields. Derived history
	// relation fields always have it disabled so reverse lookups stay explicit.
	Symmetric bool `json:"symmetric,omitempty"`
}

// IsReference reports whether the field points at a single related entity.
func (f FieldDefinition) IsReference() bool {
	return f.Type == FieldTypeEntityReference
}

// IsManyToMany reports whether the field is a many-to-many relation.
func (f FieldDefinition) IsManyToMany() bool {
	return f.Type == FieldTypeEntityReferenceArray
}

// EntityType describes a trackable entity type: its fields, uniqueness
// declarations, and its place in a concrete type hierarchy.
type EntityType struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Fields      []FieldDefinition `json:"fields"`
	// Extends names the concrete supertype, when the type participates in a
	// hierarchy. An empty value means the type stands alone.
	Extends string `json:"extends,omitempty"`
	// UniqueTogether lists field-name combinations that are unique in
	// combination, in addition to any individually unique fields.
	UniqueTogether [][]string `json:"uniqueTogether,omitempty"`
}

// Field returns the definition of the named field.
func (et EntityType) Field(name string) (FieldDefinition, bool) {
	for _, field := range et.Fields {
		if strings.EqualFold(field.Name, name) {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// ReferenceFields returns the single-reference fields in declaration order.
func (et EntityType) ReferenceFields() []FieldDefinition {
	var fields []FieldDefinition
	for _, field := range et.Fields {
		if field.IsReference() {
			fields = append(fields, field)
		}
	}
	return fields
}

// ManyToManyFields returns the relation-array fields in declaration order.
func (et EntityType) ManyToManyFields() []FieldDefinition {
	var fields []FieldDefinition
	for _, field := range et.Fields {
		if field.IsManyToMany() {
			fields = append(fields, field)
		}
	}
	return fields
}

// UniqueFieldNames returns the names of individually unique fields plus the
// first declared unique-together combination. The result keys an entity's
// lineage across delete and recreate, where the live identifier may change
// or be recycled.
func (et EntityType) UniqueFieldNames() []string {
	var names []string
	for _, field := range et.Fields {
		if field.Unique {
			names = append(names, field.Name)
		}
	}
	if len(names) == 0 && len(et.UniqueTogether) > 0 {
		names = append(names, et.UniqueTogether[0]...)
	}
	return names
}

// HasUniqueFields reports whether lineage resolution by unique fields is
// possible for this type.
func (et EntityType) HasUniqueFields() bool {
	return len(et.UniqueFieldNames()) > 0
}

// Clone returns a deep copy so registered definitions stay immutable.
func (et EntityType) Clone() EntityType {
	clone := et
	clone.Fields = copyFields(et.Fields)
	if et.UniqueTogether != nil {
		clone.UniqueTogether = make([][]string, len(et.UniqueTogether))
		for i, combo := range et.UniqueTogether {
			clone.UniqueTogether[i] = append([]string(nil), combo...)
		}
	}
	return clone
}

// copyFields creates a copy of the fields slice to preserve immutability of
// registered definitions.
func copyFields(fields []FieldDefinition) []FieldDefinition {
	if fields == nil {
		return nil
	}
	newFields := make([]FieldDefinition, len(fields))
	copy(newFields, fields)
	return newFields
}
