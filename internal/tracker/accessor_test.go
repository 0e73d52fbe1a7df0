package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openatlas/trail/internal/domain"
)

func datedMeta(day int) domain.ChangeMeta {
	meta := domain.DefaultMeta()
	when := time.Date(2010, 1, day, 12, 0, 0, 0, time.UTC)
	meta.HistoryDate = &when
	return meta
}

func TestAsOfVersion(t *testing.T) {
	engine, _ := newTestEngine(t, false)
	ctx := context.Background()

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "v1"}), datedMeta(1))
	page = mustSave(t, engine, page.WithProperty("body", "v2"), datedMeta(2))
	mustSave(t, engine, page.WithProperty("body", "v3"), datedMeta(3))

	accessor, err := engine.HistoryFor(page)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}

	for version, body := range map[int]string{1: "v1", 2: "v2", 3: "v3"} {
		rec, err := accessor.AsOfVersion(ctx, version)
		if err != nil {
			t.Fatalf("AsOfVersion(%d): %v", version, err)
		}
		if rec.Properties["body"] != body {
			t.Fatalf("version %d: expected %s, got %v", version, body, rec.Properties["body"])
		}
	}

	if _, err := accessor.AsOfVersion(ctx, 4); !errors.Is(err, domain.ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory for missing version, got %v", err)
	}
	if _, err := accessor.AsOfVersion(ctx, 0); !errors.Is(err, domain.ErrNoHistory) {
		t.Fatalf("versions count from one, got %v", err)
	}
}

func TestAsOfDate(t *testing.T) {
	engine, _ := newTestEngine(t, false)
	ctx := context.Background()

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "v1"}), datedMeta(1))
	mustSave(t, engine, page.WithProperty("body", "v2"), datedMeta(10))

	accessor, err := engine.HistoryFor(page)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}

	rec, err := accessor.AsOfDate(ctx, time.Date(2010, 1, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("AsOfDate: %v", err)
	}
	if rec.Properties["body"] != "v1" {
		t.Fatalf("expected v1 at mid-range date, got %v", rec.Properties["body"])
	}

	rec, err = accessor.AsOfDate(ctx, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("AsOfDate future: %v", err)
	}
	if rec.Properties["body"] != "v2" {
		t.Fatalf("expected newest at future date, got %v", rec.Properties["body"])
	}

	if _, err := accessor.AsOfDate(ctx, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)); !errors.Is(err, domain.ErrNotYetCreated) {
		t.Fatalf("expected ErrNotYetCreated before first record, got %v", err)
	}
}

func TestMostRecentWithoutHistory(t *testing.T) {
	engine, _ := newTestEngine(t, false)

	meta := domain.DefaultMeta()
	meta.TrackChanges = false
	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), meta)

	accessor, err := engine.HistoryFor(page)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}
	if _, err := accessor.MostRecent(context.Background()); !errors.Is(err, domain.ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestUnkeyableLineageFails(t *testing.T) {
	engine, _ := newTestEngine(t, false)

	// Tags declare no unique fields; an unsaved tag has no identifier either,
	// so there is nothing to key a lineage off.
	accessor, err := engine.HistoryFor(domain.Entity{EntityType: "tag"})
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}
	if _, err := accessor.All(context.Background()); !errors.Is(err, domain.ErrNoUniqueFields) {
		t.Fatalf("expected ErrNoUniqueFields, got %v", err)
	}
	if _, err := accessor.MostRecent(context.Background()); !errors.Is(err, domain.ErrNoUniqueFields) {
		t.Fatalf("expected ErrNoUniqueFields, got %v", err)
	}
}

func TestLineageSurvivesRecreate(t *testing.T) {
	engine, _ := newTestEngine(t, false)
	ctx := context.Background()

	first := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "v1"}), datedMeta(1))
	if err := engine.Delete(ctx, first, datedMeta(2)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "reborn"}), datedMeta(3))
	if second.ID == first.ID {
		t.Fatal("precondition: recreate under a new identifier")
	}

	accessor, err := engine.HistoryFor(second)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}
	all, err := accessor.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("lineage keyed by the unique name should span both identifiers, got %d records", len(all))
	}
	// Newest first.
	if all[0].Properties["body"] != "reborn" || all[2].Properties["body"] != "v1" {
		t.Fatalf("unexpected lineage order: %v", all)
	}

	rec, err := accessor.AsOfVersion(ctx, 1)
	if err != nil {
		t.Fatalf("AsOfVersion across recreate: %v", err)
	}
	if rec.EntityID != first.ID {
		t.Fatal("the first version belongs to the original identifier")
	}
}

func TestFilterTranslatesNames(t *testing.T) {
	engine, _ := newTestEngine(t, false)
	ctx := context.Background()

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "v1"}), datedMeta(1))
	mustSave(t, engine, page.WithProperty("body", "v2"), datedMeta(2))
	other := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "beta", "body": "v1"}), datedMeta(3))

	accessor, err := engine.HistoryOf("page")
	if err != nil {
		t.Fatalf("HistoryOf: %v", err)
	}

	recs, err := accessor.Filter(ctx, map[string]any{"name": "alpha"})
	if err != nil {
		t.Fatalf("Filter by property: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected two alpha records, got %d", len(recs))
	}

	recs, err = accessor.Filter(ctx, map[string]any{domain.HistoryFieldEntityID: other.ID})
	if err != nil {
		t.Fatalf("Filter by id: %v", err)
	}
	if len(recs) != 1 || recs[0].EntityID != other.ID {
		t.Fatalf("the live identifier name addresses the demoted id column, got %v", recs)
	}

	recs, err = accessor.Filter(ctx, map[string]any{domain.HistoryFieldType: string(domain.ChangeAdded)})
	if err != nil {
		t.Fatalf("Filter by history type: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected two ADDED records, got %d", len(recs))
	}

	if _, err := accessor.Filter(ctx, map[string]any{"bogus": 1}); err == nil {
		t.Fatal("unknown field names must be rejected")
	}
}

func TestResolvedReferenceAsOf(t *testing.T) {
	engine, stores := newTestEngine(t, false)
	ctx := context.Background()

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "v1"}), datedMeta(1))
	note := mustSave(t, engine, domain.NewEntity("note", map[string]any{"text": "n1", "page": page.ID}), datedMeta(2))
	mustSave(t, engine, page.WithProperty("body", "v2"), datedMeta(3))

	noteRec := records(t, stores, "note", note.ID)[0]

	accessor, err := engine.HistoryFor(note)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}
	resolved, err := accessor.ResolvedReferenceAsOf(ctx, noteRec, "page")
	if err != nil {
		t.Fatalf("ResolvedReferenceAsOf: %v", err)
	}
	if resolved.Properties["body"] != "v1" {
		t.Fatalf("reference must resolve to the page state at the note's date, got %v", resolved.Properties["body"])
	}

	if _, err := accessor.ResolvedReferenceAsOf(ctx, noteRec, "text"); err == nil {
		t.Fatal("non-reference fields must be rejected")
	}
}

func TestResolvedRelationAsOf(t *testing.T) {
	engine, stores := newTestEngine(t, false)
	ctx := context.Background()

	tag := mustSave(t, engine, domain.NewEntity("tag", map[string]any{"label": "old"}), datedMeta(1))
	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), datedMeta(2))
	if err := engine.ManyToManyChanged(ctx, page, "tags", M2MAdded, []int64{tag.ID}); err != nil {
		t.Fatalf("add relation: %v", err)
	}

	pageRec := records(t, stores, "page", page.ID)[0]
	accessor, err := engine.HistoryFor(page)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}
	related, err := accessor.ResolvedRelationAsOf(ctx, pageRec, "tags")
	if err != nil {
		t.Fatalf("ResolvedRelationAsOf: %v", err)
	}
	if len(related) != 1 || related[0].Properties["label"] != "old" {
		t.Fatalf("unexpected related records: %v", related)
	}
}
