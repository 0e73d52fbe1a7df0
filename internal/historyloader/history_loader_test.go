package historyloader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/repository"
)

func seedRecords(t *testing.T, stores *repository.MemStores, count int) []domain.HistoryRecord {
	t.Helper()
	out := make([]domain.HistoryRecord, 0, count)
	for i := 0; i < count; i++ {
		record, err := stores.View().History.Append(context.Background(), domain.HistoryRecord{
			EntityType:  "page",
			EntityID:    int64(i + 1),
			Properties:  map[string]any{"name": "alpha"},
			HistoryDate: time.Date(2010, 1, i+1, 0, 0, 0, 0, time.UTC),
			HistoryType: domain.ChangeAdded,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		out = append(out, record)
	}
	return out
}

func TestLoadReturnsRecord(t *testing.T) {
	stores := repository.NewMemStores()
	seeded := seedRecords(t, stores, 1)

	loader := NewHistoryLoader(stores.View().History)
	record, err := loader.Load(context.Background(), seeded[0].HistoryID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if record.HistoryID != seeded[0].HistoryID || record.EntityID != seeded[0].EntityID {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestLoadMissingRecord(t *testing.T) {
	stores := repository.NewMemStores()
	loader := NewHistoryLoader(stores.View().History)

	if _, err := loader.Load(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentLoadsAlignWithKeys(t *testing.T) {
	stores := repository.NewMemStores()
	seeded := seedRecords(t, stores, 5)

	loader := NewHistoryLoader(stores.View().History)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]domain.HistoryRecord, len(seeded))
	errs := make([]error, len(seeded))
	for i, want := range seeded {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			results[i], errs[i] = loader.Load(ctx, id)
		}(i, want.HistoryID)
	}
	wg.Wait()

	for i, want := range seeded {
		if errs[i] != nil {
			t.Fatalf("load %d: %v", want.HistoryID, errs[i])
		}
		if results[i].HistoryID != want.HistoryID {
			t.Fatalf("result %d does not line up with its key: got %d, want %d", i, results[i].HistoryID, want.HistoryID)
		}
	}
}
