package domain

// Bookkeeping field names shared by every derived history record type.
const (
	HistoryFieldID          = "history_id"
	HistoryFieldEntityID    = "id"
	HistoryFieldDate        = "history_date"
	HistoryFieldType        = "history_type"
	HistoryFieldRevertedTo  = "history_reverted_to"
	HistoryFieldComment     = "history_comment"
	HistoryFieldActor       = "history_actor"
	HistoryFieldActorOrigin = "history_actor_origin"
)

// TrackOptions configures which optional bookkeeping fields a derived history
// record type carries. The defaults enable all of them.
type TrackOptions struct {
	TrackComment     bool
	TrackActor       bool
	TrackActorOrigin bool
}

// DefaultTrackOptions returns the bookkeeping configuration used when a type
// registers without explicit options.
func DefaultTrackOptions() TrackOptions {
	return TrackOptions{
		TrackComment:     true,
		TrackActor:       true,
		TrackActorOrigin: true,
	}
}

// HistorySchema is the derived field layout of an entity type's append-only
// history record type. It is produced once per registration and never
// mutated afterwards.
type HistorySchema struct {
	// EntityType names the tracked type this schema derives from.
	EntityType string `json:"entity_type"`
	// Extends names the supertype's history type when the tracked type's
	// supertype is itself tracked, mirroring the live hierarchy.
	Extends string            `json:"extends,omitempty"`
	Fields  []FieldDefinition `json:"fields"`
	// OrderBy is the default ordering of the derived type: most recent first.
	OrderBy string `json:"order_by"`
}

// Field returns the definition of the named history field.
func (hs HistorySchema) Field(name string) (FieldDefinition, bool) {
	for _, field := range hs.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// DeriveHistorySchema produces the history record layout for a trackable
// entity type. isTracked reports whether a named type is itself tracked, so
// reference targets can be redirected to their history types.
//
// The derivation rules:
//   - every entity field is copied;
//   - unique fields are demoted to plain indexed fields, so history can hold
//     every successive value even where live uniqueness forbids duplicates;
//   - reference and relation fields whose target is tracked are rewritten to
//     point at the target's history record type, with symmetry disabled;
//   - the live primary identifier is demoted to a plain indexed integer and a
//     fresh auto-incrementing history identifier becomes the primary key;
//   - bookkeeping fields are appended per opts.
func DeriveHistorySchema(et EntityType, isTracked func(string) bool, opts TrackOptions) HistorySchema {
	fields := make([]FieldDefinition, 0, len(et.Fields)+8)

	fields = append(fields, FieldDefinition{
		Name:       HistoryFieldID,
		Type:       FieldTypeHistoryID,
		Required:   true,
		PrimaryKey: true,
	})
	fields = append(fields, FieldDefinition{
		Name:     HistoryFieldEntityID,
		Type:     FieldTypeEntityID,
		Required: true,
		Indexed:  true,
	})

	for _, field := range et.Fields {
		derived := field
		if derived.Unique {
			derived.Unique = false
			derived.Indexed = true
		}
		switch {
		case derived.IsReference() && isTracked(derived.ReferenceEntityType):
			derived.ReferenceEntityType = HistoryTypeName(derived.ReferenceEntityType)
		case derived.IsManyToMany():
			derived.Symmetric = false
			if isTracked(derived.ReferenceEntityType) {
				derived.ReferenceEntityType = HistoryTypeName(derived.ReferenceEntityType)
			}
		}
		fields = append(fields, derived)
	}

	fields = append(fields,
		FieldDefinition{Name: HistoryFieldDate, Type: FieldTypeTimestamp, Required: true, Indexed: true},
		FieldDefinition{Name: HistoryFieldType, Type: FieldTypeString, Required: true},
		FieldDefinition{Name: HistoryFieldRevertedTo, Type: FieldTypeEntityReference, ReferenceEntityType: HistoryTypeName(et.Name)},
	)
	if opts.TrackComment {
		fields = append(fields, FieldDefinition{Name: HistoryFieldComment, Type: FieldTypeString})
	}
	if opts.TrackActor {
		fields = append(fields, FieldDefinition{Name: HistoryFieldActor, Type: FieldTypeString})
	}
	if opts.TrackActorOrigin {
		fields = append(fields, FieldDefinition{Name: HistoryFieldActorOrigin, Type: FieldTypeString})
	}

	schema := HistorySchema{
		EntityType: et.Name,
		Fields:     fields,
		OrderBy:    "-" + HistoryFieldDate,
	}
	if et.Extends != "" && isTracked(et.Extends) {
		schema.Extends = HistoryTypeName(et.Extends)
	}
	return schema
}

// HistoryTypeName returns the conventional name of a type's derived history
// record type.
func HistoryTypeName(entityType string) string {
	return entityType + "_history"
}

// IsBookkeepingField reports whether a field name belongs to the history
// bookkeeping set rather than to the tracked entity's own fields.
func IsBookkeepingField(name string) bool {
	switch name {
	case HistoryFieldID, HistoryFieldEntityID, HistoryFieldDate, HistoryFieldType,
		HistoryFieldRevertedTo, HistoryFieldComment, HistoryFieldActor, HistoryFieldActorOrigin:
		return true
	}
	return false
}
