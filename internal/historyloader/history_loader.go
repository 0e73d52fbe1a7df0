// Package historyloader batches history record lookups so resolving many
// reference fields across a result set costs one query.
package historyloader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/openatlas/trail/internal/domain"
	"github.com/openatlas/trail/internal/repository"
)

type HistoryLoader struct {
	Loader *dataloader.Loader
}

func NewHistoryLoader(store repository.HistoryStore) *HistoryLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := make([]int64, len(keys))
		for i, k := range keys {
			id, err := strconv.ParseInt(k.String(), 10, 64)
			if err != nil {
				return []*dataloader.Result{{Error: fmt.Errorf("invalid history id: %w", err)}}
			}
			ids[i] = id
		}

		records, err := store.GetByHistoryIDs(ctx, ids)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		recordMap := make(map[int64]domain.HistoryRecord, len(records))
		for _, r := range records {
			recordMap[r.HistoryID] = r
		}

		// Results must line up with keys.
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			if r, ok := recordMap[id]; ok {
				results[i] = &dataloader.Result{Data: r}
			} else {
				results[i] = &dataloader.Result{Error: fmt.Errorf("history record %d: %w", id, domain.ErrNotFound)}
			}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))
	return &HistoryLoader{Loader: loader}
}

// Load fetches one record through the batcher.
func (l *HistoryLoader) Load(ctx context.Context, historyID int64) (domain.HistoryRecord, error) {
	thunk := l.Loader.Load(ctx, dataloader.StringKey(strconv.FormatInt(historyID, 10)))
	data, err := thunk()
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	record, ok := data.(domain.HistoryRecord)
	if !ok {
		return domain.HistoryRecord{}, fmt.Errorf("history record %d: %w", historyID, domain.ErrNotFound)
	}
	return record, nil
}
