// Package wiki declares the entity types of the geographic wiki and
// registers them for change tracking.
package wiki

import (
	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/registry"
)

const (
	TypePage     = "page"
	TypeRedirect = "redirect"
	TypeMapLayer = "map_layer"
	TypeTag      = "tag"
)

// PageType is a wiki page, keyed by its unique name so its history survives
// deletion and recreation.
func PageType() domain.EntityType {
	return domain.EntityType{
		Name:        TypePage,
		Description: "A wiki page",
		Fields: []domain.FieldDefinition{
			{Name: "name", Type: domain.FieldTypeString, Required: true, Unique: true},
			{Name: "content", Type: domain.FieldTypeString},
			{Name: "published", Type: domain.FieldTypeBoolean},
			{Name: "tags", Type: domain.FieldTypeEntityReferenceArray, ReferenceEntityType: TypeTag},
		},
	}
}

// RedirectType forwards an alternative page name to a page. Deleting the
// target page cascades to its redirects.
func RedirectType() domain.EntityType {
	return domain.EntityType{
		Name:        TypeRedirect,
		Description: "An alternative name forwarding to a page",
		Fields: []domain.FieldDefinition{
			{Name: "source", Type: domain.FieldTypeString, Required: true, Unique: true},
			{Name: "target", Type: domain.FieldTypeEntityReference, Required: true, ReferenceEntityType: TypePage},
		},
	}
}

// MapLayerType attaches geographic geometry to a page.
func MapLayerType() domain.EntityType {
	return domain.EntityType{
		Name:        TypeMapLayer,
		Description: "A geometry layer attached to a page",
		Fields: []domain.FieldDefinition{
			{Name: "page", Type: domain.FieldTypeEntityReference, Required: true, ReferenceEntityType: TypePage},
			{Name: "geometry", Type: domain.FieldTypeGeometry, Required: true},
			{Name: "label", Type: domain.FieldTypeString},
		},
	}
}

// TagType labels pages. Tags have no unique fields of their own; their
// history attribution depends on stable identifiers.
func TagType() domain.EntityType {
	return domain.EntityType{
		Name:        TypeTag,
		Description: "A label applied to pages",
		Fields: []domain.FieldDefinition{
			{Name: "label", Type: domain.FieldTypeString, Required: true},
		},
	}
}

// RegisterAll registers every wiki type for tracking.
func RegisterAll(reg *registry.Registry) error {
	for _, et := range []domain.EntityType{PageType(), TagType(), RedirectType(), MapLayerType()} {
		if err := reg.Register(et, domain.DefaultTrackOptions()); err != nil {
			return err
		}
	}
	return nil
}
