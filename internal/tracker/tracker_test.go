package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/registry"
	"github.com/openatlas/trail/internal/repository"
)

func testPageType() domain.EntityType {
	return domain.EntityType{
		Name: "page",
		Fields: []domain.FieldDefinition{
			{Name: "name", Type: domain.FieldTypeString, Required: true, Unique: true},
			{Name: "body", Type: domain.FieldTypeString},
			{Name: "tags", Type: domain.FieldTypeEntityReferenceArray, ReferenceEntityType: "tag"},
		},
	}
}

func testNoteType() domain.EntityType {
	return domain.EntityType{
		Name: "note",
		Fields: []domain.FieldDefinition{
			{Name: "text", Type: domain.FieldTypeString},
			{Name: "page", Type: domain.FieldTypeEntityReference, Required: true, ReferenceEntityType: "page"},
		},
	}
}

func testRedirectType() domain.EntityType {
	return domain.EntityType{
		Name: "redirect",
		Fields: []domain.FieldDefinition{
			{Name: "source", Type: domain.FieldTypeString, Required: true, Unique: true},
			{Name: "target", Type: domain.FieldTypeEntityReference, Required: true, ReferenceEntityType: "page"},
		},
	}
}

func testTagType() domain.EntityType {
	return domain.EntityType{
		Name: "tag",
		Fields: []domain.FieldDefinition{
			{Name: "label", Type: domain.FieldTypeString, Required: true},
		},
	}
}

func newTestEngine(t *testing.T, reuseIDs bool) (*Tracker, *repository.MemStores) {
	t.Helper()
	reg := registry.New()
	for _, et := range []domain.EntityType{testPageType(), testTagType(), testNoteType(), testRedirectType()} {
		if err := reg.Register(et, domain.DefaultTrackOptions()); err != nil {
			t.Fatalf("register %s: %v", et.Name, err)
		}
	}
	stores := repository.NewMemStores()
	stores.ReuseIDs = reuseIDs
	engine := New(reg, stores, Config{StorageReusesIDs: reuseIDs}, zap.NewNop())
	return engine, stores
}

func mustSave(t *testing.T, engine *Tracker, entity domain.Entity, meta domain.ChangeMeta) domain.Entity {
	t.Helper()
	saved, err := engine.Save(context.Background(), entity, meta)
	if err != nil {
		t.Fatalf("save %s: %v", entity.EntityType, err)
	}
	return saved
}

func mustUUID(t *testing.T, raw string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(raw)
	if err != nil {
		t.Fatalf("parse uuid %s: %v", raw, err)
	}
	return id
}

func records(t *testing.T, stores *repository.MemStores, entityType string, entityID int64) []domain.HistoryRecord {
	t.Helper()
	recs, err := stores.View().History.ListAscending(context.Background(), entityType, entityID)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	return recs
}

func TestSaveCreatesAddedRecord(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "v1"}), domain.DefaultMeta())
	if page.ID == 0 {
		t.Fatal("expected assigned identifier")
	}

	recs := records(t, stores, "page", page.ID)
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.HistoryType != domain.ChangeAdded {
		t.Fatalf("expected ADDED, got %s", rec.HistoryType)
	}
	if rec.EntityID != page.ID {
		t.Fatalf("record entity id %d, want %d", rec.EntityID, page.ID)
	}
	if rec.Properties["name"] != "alpha" || rec.Properties["body"] != "v1" {
		t.Fatalf("record did not copy field values: %v", rec.Properties)
	}
}

func TestSaveUpdateAppendsUpdatedRecord(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "v1"}), domain.DefaultMeta())
	mustSave(t, engine, page.WithProperty("body", "v2"), domain.DefaultMeta())

	recs := records(t, stores, "page", page.ID)
	if len(recs) != 2 {
		t.Fatalf("expected two records, got %d", len(recs))
	}
	if recs[1].HistoryType != domain.ChangeUpdated {
		t.Fatalf("expected UPDATED, got %s", recs[1].HistoryType)
	}
	if recs[0].Properties["body"] != "v1" || recs[1].Properties["body"] != "v2" {
		t.Fatal("each record must hold the full state at its time")
	}
}

func TestSaveUnregisteredTypeFails(t *testing.T) {
	engine, _ := newTestEngine(t, false)

	_, err := engine.Save(context.Background(), domain.NewEntity("ghost", map[string]any{"x": 1}), domain.DefaultMeta())
	if !errors.Is(err, domain.ErrNotTracked) {
		t.Fatalf("expected ErrNotTracked, got %v", err)
	}
}

func TestTrackChangesDisabledSkipsHistory(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	meta := domain.DefaultMeta()
	meta.TrackChanges = false
	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), meta)

	if len(records(t, stores, "page", page.ID)) != 0 {
		t.Fatal("disabled tracking must not append records")
	}
	if _, err := stores.View().Entities.GetByID(context.Background(), "page", page.ID); err != nil {
		t.Fatalf("live write must still happen: %v", err)
	}
}

func TestAnnotationsRecorded(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	actor := mustUUID(t, "8f14e45f-ceea-4673-95dd-5c1d7f1d48f1")
	meta := domain.DefaultMeta()
	meta.Comment = "initial import"
	meta.Actor = &actor
	meta.ActorOrigin = "api"

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), meta)

	rec := records(t, stores, "page", page.ID)[0]
	if rec.Comment != "initial import" || rec.ActorOrigin != "api" {
		t.Fatalf("annotation not recorded: %+v", rec)
	}
	if rec.Actor == nil || *rec.Actor != actor {
		t.Fatalf("actor not recorded: %v", rec.Actor)
	}
}

func TestBackdatedSave(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	when := time.Date(2001, 5, 1, 0, 0, 0, 0, time.UTC)
	meta := domain.DefaultMeta()
	meta.HistoryDate = &when

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), meta)

	rec := records(t, stores, "page", page.ID)[0]
	if !rec.HistoryDate.Equal(when) {
		t.Fatalf("expected backdated record at %v, got %v", when, rec.HistoryDate)
	}
}

func TestReferenceStoredAsHistoryID(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), domain.DefaultMeta())
	pageRec := records(t, stores, "page", page.ID)[0]

	note := mustSave(t, engine, domain.NewEntity("note", map[string]any{"text": "n1", "page": page.ID}), domain.DefaultMeta())
	noteRec := records(t, stores, "note", note.ID)[0]

	stored, ok := noteRec.PropertyInt64("page")
	if !ok || stored != pageRec.HistoryID {
		t.Fatalf("reference must hold the target's history id %d, got %v", pageRec.HistoryID, noteRec.Properties["page"])
	}

	// A later page version redirects later note records to the newer snapshot.
	mustSave(t, engine, page.WithProperty("body", "v2"), domain.DefaultMeta())
	mustSave(t, engine, note.WithProperty("text", "n2"), domain.DefaultMeta())

	noteRecs := records(t, stores, "note", note.ID)
	latest, _ := noteRecs[len(noteRecs)-1].PropertyInt64("page")
	pageRecs := records(t, stores, "page", page.ID)
	if latest != pageRecs[len(pageRecs)-1].HistoryID {
		t.Fatal("updated note must reference the page's newest record")
	}
}

func TestReferenceWithoutHistoryFails(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	meta := domain.DefaultMeta()
	meta.TrackChanges = false
	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), meta)
	if len(records(t, stores, "page", page.ID)) != 0 {
		t.Fatal("precondition: page has no history")
	}

	_, err := engine.Save(context.Background(), domain.NewEntity("note", map[string]any{"text": "n", "page": page.ID}), domain.DefaultMeta())
	if !errors.Is(err, domain.ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestDeleteAppendsDeletedRecord(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "v1"}), domain.DefaultMeta())
	if err := engine.Delete(context.Background(), page, domain.DefaultMeta()); err != nil {
		t.Fatalf("delete: %v", err)
	}

	recs := records(t, stores, "page", page.ID)
	if len(recs) != 2 {
		t.Fatalf("expected ADDED and DELETED, got %d records", len(recs))
	}
	last := recs[1]
	if last.HistoryType != domain.ChangeDeleted {
		t.Fatalf("expected DELETED, got %s", last.HistoryType)
	}
	if last.Properties["body"] != "v1" {
		t.Fatal("delete record must capture the last known values")
	}
	if _, err := stores.View().Entities.GetByID(context.Background(), "page", page.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("live entity should be gone, got %v", err)
	}
}

func TestDeleteCascadesToDependents(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), domain.DefaultMeta())
	noteA := mustSave(t, engine, domain.NewEntity("note", map[string]any{"text": "a", "page": page.ID}), domain.DefaultMeta())
	noteB := mustSave(t, engine, domain.NewEntity("note", map[string]any{"text": "b", "page": page.ID}), domain.DefaultMeta())

	meta := domain.DefaultMeta()
	meta.Comment = "cleanup"
	if err := engine.Delete(context.Background(), page, meta); err != nil {
		t.Fatalf("delete: %v", err)
	}

	pageRecs := records(t, stores, "page", page.ID)
	pageDelete := pageRecs[len(pageRecs)-1]
	if pageDelete.HistoryType != domain.ChangeDeleted {
		t.Fatalf("expected DELETED for the trigger, got %s", pageDelete.HistoryType)
	}

	for _, note := range []domain.Entity{noteA, noteB} {
		if _, err := stores.View().Entities.GetByID(context.Background(), "note", note.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("dependent note %d should be gone", note.ID)
		}
		recs := records(t, stores, "note", note.ID)
		last := recs[len(recs)-1]
		if last.HistoryType != domain.ChangeDeletedCascade {
			t.Fatalf("expected DELETED_CASCADE, got %s", last.HistoryType)
		}
		if !last.HistoryDate.Equal(pageDelete.HistoryDate) {
			t.Fatal("cascade records must share the trigger's date")
		}
		if last.Comment != "cleanup" {
			t.Fatal("cascade records inherit the caller's annotation")
		}
	}
}

func TestPurgeOnRecyclingStorageWithoutUniqueFields(t *testing.T) {
	engine, stores := newTestEngine(t, true)

	tag := mustSave(t, engine, domain.NewEntity("tag", map[string]any{"label": "old"}), domain.DefaultMeta())
	if err := engine.Delete(context.Background(), tag, domain.DefaultMeta()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := len(records(t, stores, "tag", tag.ID)); got != 0 {
		t.Fatalf("history must be purged on recycling storage, got %d records", got)
	}

	// A recycled identifier starts a fresh lifeline.
	fresh := mustSave(t, engine, domain.NewEntity("tag", map[string]any{"label": "new"}), domain.DefaultMeta())
	if fresh.ID != tag.ID {
		t.Fatalf("expected recycled identifier %d, got %d", tag.ID, fresh.ID)
	}
	recs := records(t, stores, "tag", fresh.ID)
	if len(recs) != 1 || recs[0].Properties["label"] != "new" {
		t.Fatalf("recycled identifier must not inherit old history: %v", recs)
	}
}

func TestDeleteKeepsHistoryWhenUniqueFieldsExist(t *testing.T) {
	engine, stores := newTestEngine(t, true)

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), domain.DefaultMeta())
	if err := engine.Delete(context.Background(), page, domain.DefaultMeta()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs := records(t, stores, "page", page.ID)
	if len(recs) != 2 || recs[1].HistoryType != domain.ChangeDeleted {
		t.Fatalf("unique-keyed types keep their history on recycling storage: %v", recs)
	}
}

func TestManyToManyChanged(t *testing.T) {
	engine, stores := newTestEngine(t, false)
	ctx := context.Background()

	tagA := mustSave(t, engine, domain.NewEntity("tag", map[string]any{"label": "a"}), domain.DefaultMeta())
	tagB := mustSave(t, engine, domain.NewEntity("tag", map[string]any{"label": "b"}), domain.DefaultMeta())
	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), domain.DefaultMeta())

	if err := engine.ManyToManyChanged(ctx, page, "tags", M2MAdded, []int64{tagA.ID, tagB.ID}); err != nil {
		t.Fatalf("add relation: %v", err)
	}

	recs := records(t, stores, "page", page.ID)
	if len(recs) != 1 {
		t.Fatalf("relation changes must not append records, got %d", len(recs))
	}
	tagARec := records(t, stores, "tag", tagA.ID)[0]
	tagBRec := records(t, stores, "tag", tagB.ID)[0]
	got := recs[0].Relations["tags"]
	if len(got) != 2 || got[0] != tagARec.HistoryID || got[1] != tagBRec.HistoryID {
		t.Fatalf("relation must hold target history ids, got %v", got)
	}

	if err := engine.ManyToManyChanged(ctx, page, "tags", M2MRemoved, []int64{tagA.ID}); err != nil {
		t.Fatalf("remove relation: %v", err)
	}
	got = records(t, stores, "page", page.ID)[0].Relations["tags"]
	if len(got) != 1 || got[0] != tagBRec.HistoryID {
		t.Fatalf("expected only tag b, got %v", got)
	}

	if err := engine.ManyToManyChanged(ctx, page, "tags", M2MCleared, nil); err != nil {
		t.Fatalf("clear relation: %v", err)
	}
	if got = records(t, stores, "page", page.ID)[0].Relations["tags"]; len(got) != 0 {
		t.Fatalf("expected cleared relation, got %v", got)
	}
}

func TestManyToManyChangedUnknownRelation(t *testing.T) {
	engine, _ := newTestEngine(t, false)

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha"}), domain.DefaultMeta())
	if err := engine.ManyToManyChanged(context.Background(), page, "body", M2MAdded, []int64{1}); err == nil {
		t.Fatal("expected error for non-relation field")
	}
}

func TestSaveUnchangedAppendsEqualRecord(t *testing.T) {
	engine, stores := newTestEngine(t, false)

	page := mustSave(t, engine, domain.NewEntity("page", map[string]any{"name": "alpha", "body": "v1"}), domain.DefaultMeta())
	mustSave(t, engine, page, domain.DefaultMeta())

	recs := records(t, stores, "page", page.ID)
	if len(recs) != 2 {
		t.Fatalf("a save without field changes still appends one record, got %d", len(recs))
	}
	if recs[1].HistoryType != domain.ChangeUpdated {
		t.Fatalf("expected UPDATED, got %s", recs[1].HistoryType)
	}
	for name, value := range recs[0].Properties {
		if recs[1].Properties[name] != value {
			t.Fatalf("property %s differs between equal saves: %v vs %v", name, recs[0].Properties[name], recs[1].Properties[name])
		}
	}
}
