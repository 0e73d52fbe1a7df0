package registry

import (
	"errors"
	"testing"

	"github.com/openatlas/trail/internal/domain"
)

func pageType() domain.EntityType {
	return domain.EntityType{
		Name: "page",
		Fields: []domain.FieldDefinition{
			{Name: "name", Type: domain.FieldTypeString, Required: true, Unique: true},
			{Name: "body", Type: domain.FieldTypeString},
		},
	}
}

func redirectType() domain.EntityType {
	return domain.EntityType{
		Name: "redirect",
		Fields: []domain.FieldDefinition{
			{Name: "source", Type: domain.FieldTypeString, Required: true, Unique: true},
			{Name: "target", Type: domain.FieldTypeEntityReference, Required: true, ReferenceEntityType: "page"},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	if err := reg.Register(pageType(), domain.DefaultTrackOptions()); err != nil {
		t.Fatalf("register: %v", err)
	}

	if !reg.IsTracked("page") || !reg.IsDirectlyTracked("page") {
		t.Fatal("page should be tracked")
	}
	if reg.IsTracked("redirect") {
		t.Fatal("redirect is not registered yet")
	}

	tracked, err := reg.TrackedType("page")
	if err != nil {
		t.Fatalf("TrackedType: %v", err)
	}
	if tracked.Name != "page" {
		t.Fatalf("unexpected tracked type %s", tracked.Name)
	}

	if _, err := reg.TrackedType("redirect"); !errors.Is(err, domain.ErrNotTracked) {
		t.Fatalf("expected ErrNotTracked, got %v", err)
	}
}

func TestRegisterIdempotentAndConflicting(t *testing.T) {
	reg := New()
	if err := reg.Register(pageType(), domain.DefaultTrackOptions()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(pageType(), domain.DefaultTrackOptions()); err != nil {
		t.Fatalf("identical re-registration must be a no-op, got %v", err)
	}

	changed := pageType()
	changed.Fields = append(changed.Fields, domain.FieldDefinition{Name: "extra", Type: domain.FieldTypeString})
	if err := reg.Register(changed, domain.DefaultTrackOptions()); !errors.Is(err, domain.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestSchemaReflectsLaterRegistrations(t *testing.T) {
	reg := New()
	if err := reg.Register(redirectType(), domain.DefaultTrackOptions()); err != nil {
		t.Fatalf("register redirect: %v", err)
	}

	schema, err := reg.HistorySchema("redirect")
	if err != nil {
		t.Fatalf("HistorySchema: %v", err)
	}
	target, _ := schema.Field("target")
	if target.ReferenceEntityType != "page" {
		t.Fatalf("before page registers, target must keep live type, got %s", target.ReferenceEntityType)
	}

	if err := reg.Register(pageType(), domain.DefaultTrackOptions()); err != nil {
		t.Fatalf("register page: %v", err)
	}
	schema, err = reg.HistorySchema("redirect")
	if err != nil {
		t.Fatalf("HistorySchema after page: %v", err)
	}
	target, _ = schema.Field("target")
	if target.ReferenceEntityType != "page_history" {
		t.Fatalf("after page registers, target must redirect to its history type, got %s", target.ReferenceEntityType)
	}
}

func TestTrackednessThroughHierarchy(t *testing.T) {
	reg := New()
	if err := reg.Register(pageType(), domain.DefaultTrackOptions()); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Declare(domain.EntityType{
		Name:    "article",
		Extends: "page",
		Fields:  []domain.FieldDefinition{{Name: "summary", Type: domain.FieldTypeString}},
	})

	if !reg.IsTracked("article") {
		t.Fatal("subtype of a tracked type inherits trackedness")
	}
	if reg.IsDirectlyTracked("article") {
		t.Fatal("article did not register itself")
	}
	tracked, err := reg.TrackedType("article")
	if err != nil {
		t.Fatalf("TrackedType: %v", err)
	}
	if tracked.Name != "page" {
		t.Fatalf("history rows of article belong to page, got %s", tracked.Name)
	}
}

func TestDependents(t *testing.T) {
	reg := New()
	if err := reg.Register(pageType(), domain.DefaultTrackOptions()); err != nil {
		t.Fatalf("register page: %v", err)
	}
	if err := reg.Register(redirectType(), domain.DefaultTrackOptions()); err != nil {
		t.Fatalf("register redirect: %v", err)
	}

	deps := reg.Dependents("page")
	if len(deps) != 1 {
		t.Fatalf("expected one dependent, got %v", deps)
	}
	if deps[0].EntityType != "redirect" || deps[0].Field != "target" {
		t.Fatalf("unexpected dependent %+v", deps[0])
	}
	if len(reg.Dependents("redirect")) != 0 {
		t.Fatal("nothing references redirect")
	}
}
