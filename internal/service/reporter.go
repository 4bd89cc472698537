package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/store"
)

// Active addresses the currently active run in Reporter.Status.
const Active = "active"

// Reporter is the read side of the control center. It never changes a record.
type Reporter struct {
	store store.Store
}

func NewReporter(st store.Store) Reporter {
	return Reporter{store: st}
}

// Status returns the record of runID. For Active (or an empty id) it returns
// the active run, or a record with status idle when nothing runs.
func (r Reporter) Status(ctx context.Context, runID string) (model.RunRecord, error) {
	if runID == "" || runID == Active {
		rec, err := r.store.GetActive(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return model.RunRecord{Status: model.StatusIdle}, nil
		}
		if err != nil {
			return model.RunRecord{}, fmt.Errorf("looking up active run: %w", err)
		}
		return rec, nil
	}
	rec, err := r.store.Get(ctx, runID)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("looking up run %s: %w", runID, err)
	}
	return rec, nil
}

// Results returns the newest results of a run.
func (r Reporter) Results(ctx context.Context, runID string, limit int) ([]model.Result, error) {
	if _, err := r.store.Get(ctx, runID); err != nil {
		return nil, fmt.Errorf("looking up run %s: %w", runID, err)
	}
	results, err := r.store.Results(ctx, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing results of run %s: %w", runID, err)
	}
	return results, nil
}

// History returns the newest runs, the active one included.
func (r Reporter) History(ctx context.Context, limit int) ([]model.RunRecord, error) {
	runs, err := r.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// LastFinished returns the newest run which is no longer active.
func (r Reporter) LastFinished(ctx context.Context) (model.RunRecord, error) {
	runs, err := r.History(ctx, 2)
	if err != nil {
		return model.RunRecord{}, err
	}
	for _, rec := range runs {
		if rec.Status.Terminal() {
			return rec, nil
		}
	}
	return model.RunRecord{}, store.ErrNotFound
}
