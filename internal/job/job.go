// Package job is the body of the detached job process. It reads the job spec
// of its run from the State Store, scrapes the target in batches and reports
// progress, results and its own exit back to the store.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentscraper/scrapectl/internal/log"
	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/parallel"
	"github.com/agentscraper/scrapectl/internal/service"
	"github.com/agentscraper/scrapectl/internal/store"
)

var ErrAllFailed = errors.New("all items failed")

// Runner executes the job of one run.
type Runner struct {
	store    store.Store
	every    time.Duration
	retryFor time.Duration
	scraper  Scraper
}

// NewRunner returns a runner flushing progress to st every interval.
func NewRunner(st store.Store, every time.Duration) *Runner {
	if every <= 0 {
		every = model.DefaultProgressInterval
	}
	return &Runner{
		store:    st,
		every:    every,
		retryFor: service.DefaultRetryFor,
	}
}

// WithScraper overrides the scraper selected by the job spec.
func (r *Runner) WithScraper(s Scraper) *Runner {
	r.scraper = s
	return r
}

// Run executes the job of runID until it is done or ctx is canceled. Only a
// clean completion records Exit{Code: 0}, the supervisor records the rest.
func (r *Runner) Run(ctx context.Context, runID string) error {
	ctx = log.ContextAttrs(ctx, slog.String("run_id", runID))
	rec, err := service.Retry(ctx, r.retryFor, func() (model.RunRecord, error) {
		return r.store.Get(ctx, runID)
	})
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	spec := rec.Spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}
	scraper := r.scraper
	if scraper == nil {
		scraper, err = NewScraper(spec)
		if err != nil {
			return err
		}
	}

	queries := spec.Queries
	if len(queries) == 0 {
		queries = []string{""}
	}
	var limiter *rate.Limiter
	if spec.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(spec.RatePerSecond), 1)
	}

	tracker := newTracker(spec)
	flushCtx, stopFlush := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Go(func() {
		r.flushEvery(flushCtx, runID, tracker)
	})
	stopFlushing := func() {
		stopFlush()
		wg.Wait()
	}

	slog.InfoContext(ctx, "job started", "target", spec.Target, "kind", spec.Kind, "total", tracker.total())
	for batch := range spec.Runs {
		tracker.startBatch(batch + 1)
		slog.InfoContext(ctx, "starting batch", "batch", batch+1, "batches", spec.Runs)

		pmap := parallel.NewMap(spec.Concurrency, scraper.Scrape).WithLimiter(limiter)
		for res, err := range pmap.Iter(ctx, slices.Values(queries)) {
			if ctx.Err() != nil {
				break
			}
			if err != nil {
				slog.WarnContext(ctx, "scrape failed", "error", err)
				tracker.failed()
				continue
			}
			res.RunID = runID
			if res.CreatedAt.IsZero() {
				res.CreatedAt = store.Now()
			}
			_, err = service.Retry(ctx, r.retryFor, func() (struct{}, error) {
				return struct{}{}, r.store.AppendResult(ctx, res)
			})
			if err != nil {
				stopFlushing()
				r.flush(context.WithoutCancel(ctx), runID, tracker)
				return fmt.Errorf("appending result: %w", err)
			}
			tracker.processed(res)
		}
		if ctx.Err() != nil {
			break
		}
	}
	stopFlushing()

	final := context.WithoutCancel(ctx)
	progress := tracker.snapshot()
	if err := ctx.Err(); err != nil {
		r.flush(final, runID, tracker)
		slog.WarnContext(ctx, "job interrupted", "processed", progress.Processed, "total", progress.Total)
		return fmt.Errorf("job interrupted: %w", context.Cause(ctx))
	}
	if progress.Failed == progress.Total {
		r.flush(final, runID, tracker)
		return fmt.Errorf("%w: %d of %d", ErrAllFailed, progress.Failed, progress.Total)
	}

	raw, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	patch := store.Patch{Progress: raw}.WithExit(model.ExitOutcome{Code: 0})
	_, err = service.Retry(final, r.retryFor, func() (model.RunRecord, error) {
		return r.store.Update(final, runID, patch)
	})
	if err != nil {
		return fmt.Errorf("recording job exit: %w", err)
	}
	slog.InfoContext(ctx, "job completed", "processed", progress.Processed, "failed", progress.Failed)
	return nil
}

func (r *Runner) flushEvery(ctx context.Context, runID string, t *tracker) {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.dirty() {
				r.flush(ctx, runID, t)
			}
		}
	}
}

// flush writes the progress snapshot. Failures are logged, the next flush
// carries the same counters.
func (r *Runner) flush(ctx context.Context, runID string, t *tracker) {
	raw, err := json.Marshal(t.snapshot())
	if err != nil {
		slog.ErrorContext(ctx, "encoding progress failed", "error", err)
		return
	}
	if _, err := r.store.Update(ctx, runID, store.Patch{Progress: raw}); err != nil {
		slog.WarnContext(ctx, "writing progress failed", "error", err)
		t.markDirty()
	}
}

// tracker accumulates the progress of a job.
type tracker struct {
	mx      sync.Mutex
	p       model.Progress
	changed bool
}

func newTracker(spec model.JobSpec) *tracker {
	return &tracker{
		p: model.Progress{
			Total:     spec.Total(),
			Batches:   spec.Runs,
			BySource:  make(map[string]int),
			UpdatedAt: store.Now(),
		},
		changed: true,
	}
}

func (t *tracker) total() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.p.Total
}

func (t *tracker) startBatch(batch int) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.p.Batch = batch
	t.touch()
}

func (t *tracker) processed(res model.Result) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.p.Processed++
	t.p.BySource[res.Source]++
	t.p.LastItem = res.Query
	t.touch()
}

func (t *tracker) failed() {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.p.Failed++
	t.touch()
}

// touch must be called with mx held.
func (t *tracker) touch() {
	t.p.UpdatedAt = store.Now()
	t.changed = true
}

func (t *tracker) dirty() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.changed
}

func (t *tracker) markDirty() {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.changed = true
}

func (t *tracker) snapshot() model.Progress {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.changed = false
	p := t.p
	p.BySource = maps.Clone(t.p.BySource)
	return p
}
