// Package storetest is the conformance suite every State Store backend runs.
package storetest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Opener returns an empty store. The suite closes it.
type Opener func(t *testing.T) store.Store

func Run(t *testing.T, open Opener) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateGet", testCreateGet},
		{"NotFound", testNotFound},
		{"ActiveSlot", testActiveSlot},
		{"ConcurrentCreate", testConcurrentCreate},
		{"CompareAndSet", testCompareAndSet},
		{"ConcurrentCompareAndSet", testConcurrentCompareAndSet},
		{"Progress", testProgress},
		{"Recent", testRecent},
		{"Results", testResults},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() {
				require.NoError(t, s.Close())
			})
			tc.fn(t, s)
		})
	}
}

// NewRecord returns a fresh starting record.
func NewRecord(target string) model.RunRecord {
	now := store.Now()
	return model.RunRecord{
		ID:        uuid.NewString(),
		Status:    model.StatusStarting,
		Spec:      model.JobSpec{Target: target, Queries: []string{"q1", "q2"}, Runs: 2}.WithDefaults(),
		StartedAt: now,
		UpdatedAt: now,
	}
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := t.Context()
	rec := NewRecord("site1")
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, model.StatusStarting, got.Status)
	require.Equal(t, rec.Spec, got.Spec)
	require.WithinDuration(t, rec.StartedAt, got.StartedAt, time.Millisecond)
	require.Nil(t, got.EndedAt)
	require.Nil(t, got.Process)
	require.Nil(t, got.Exit)

	ref := model.ProcessRef{Backend: model.BackendExec, PID: 4242, CreateTime: 1700000000123, LogPath: "/tmp/run.log"}
	_, err = s.Update(ctx, rec.ID, store.Transition(model.StatusRunning, model.StatusStarting).WithProcess(ref))
	require.NoError(t, err)

	got, err = s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.Process)
	require.Equal(t, ref, *got.Process)
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := t.Context()
	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetActive(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Update(ctx, "missing", store.Transition(model.StatusRunning, model.StatusStarting))
	require.ErrorIs(t, err, store.ErrNotFound)

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func testActiveSlot(t *testing.T, s store.Store) {
	ctx := t.Context()
	a := NewRecord("site1")
	require.NoError(t, s.Create(ctx, a))

	b := NewRecord("site2")
	err := s.Create(ctx, b)
	require.ErrorIs(t, err, store.ErrActiveExists)

	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID, active.ID)

	_, err = s.Update(ctx, a.ID, store.Transition(model.StatusRunning, model.StatusStarting))
	require.NoError(t, err)
	active, err = s.GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, active.Status)

	ended, err := s.Update(ctx, a.ID, store.Transition(model.StatusFailed, model.StatusRunning).
		WithReason(model.ExitReasonJobFailed).
		WithError("exit code 3").
		WithExit(model.ExitOutcome{Code: 3}))
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)

	_, err = s.GetActive(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, model.ExitReasonJobFailed, got.ExitReason)
	require.Equal(t, "exit code 3", got.Error)
	require.Equal(t, &model.ExitOutcome{Code: 3}, got.Exit)
	require.NotNil(t, got.EndedAt)

	require.NoError(t, s.Create(ctx, b))
	active, err = s.GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, b.ID, active.ID)
}

func testConcurrentCreate(t *testing.T, s store.Store) {
	ctx := t.Context()
	const n = 8
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		lost    atomic.Int32
		winners = make(chan string, n)
		others  = make(chan error, n)
	)
	for range n {
		wg.Go(func() {
			rec := NewRecord("site1")
			err := s.Create(ctx, rec)
			switch {
			case err == nil:
				won.Add(1)
				winners <- rec.ID
			case errors.Is(err, store.ErrActiveExists):
				lost.Add(1)
			default:
				others <- err
			}
		})
	}
	wg.Wait()
	close(others)
	for err := range others {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, won.Load())
	require.EqualValues(t, n-1, lost.Load())

	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, <-winners, active.ID)
}

func testCompareAndSet(t *testing.T, s store.Store) {
	ctx := t.Context()
	rec := NewRecord("site1")
	require.NoError(t, s.Create(ctx, rec))

	_, err := s.Update(ctx, rec.ID, store.Transition(model.StatusTerminated, model.StatusTerminating))
	require.ErrorIs(t, err, store.ErrConflict)

	terminated := model.StatusTerminated
	_, err = s.Update(ctx, rec.ID, store.Patch{Status: &terminated})
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusStarting, got.Status)

	_, err = s.Update(ctx, rec.ID, store.Transition(model.StatusTerminating, model.StatusStarting, model.StatusRunning))
	require.NoError(t, err)
	got, err = s.Update(ctx, rec.ID, store.Transition(model.StatusTerminated, model.StatusTerminating).
		WithReason(model.ExitReasonOperatorTerminated))
	require.NoError(t, err)
	require.Equal(t, model.StatusTerminated, got.Status)
	require.Equal(t, model.ExitReasonOperatorTerminated, got.ExitReason)

	// terminal records never reopen
	for _, to := range []model.Status{model.StatusRunning, model.StatusTerminating, model.StatusCompleted} {
		st := to
		_, err = s.Update(ctx, rec.ID, store.Patch{Status: &st})
		require.ErrorIs(t, err, model.ErrInvalidTransition, to)
	}
}

func testConcurrentCompareAndSet(t *testing.T, s store.Store) {
	ctx := t.Context()
	rec := NewRecord("site1")
	require.NoError(t, s.Create(ctx, rec))
	_, err := s.Update(ctx, rec.ID, store.Transition(model.StatusTerminating, model.StatusStarting))
	require.NoError(t, err)

	const n = 6
	var (
		wg       sync.WaitGroup
		won      atomic.Int32
		conflict atomic.Int32
		others   = make(chan error, n)
	)
	for range n {
		wg.Go(func() {
			_, err := s.Update(ctx, rec.ID, store.Transition(model.StatusTerminated, model.StatusTerminating))
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, store.ErrConflict):
				conflict.Add(1)
			default:
				others <- err
			}
		})
	}
	wg.Wait()
	close(others)
	for err := range others {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, won.Load())
	require.EqualValues(t, n-1, conflict.Load())
}

func testProgress(t *testing.T, s store.Store) {
	ctx := t.Context()
	rec := NewRecord("site1")
	require.NoError(t, s.Create(ctx, rec))
	_, err := s.Update(ctx, rec.ID, store.Transition(model.StatusRunning, model.StatusStarting))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		snap, err := json.Marshal(model.Progress{Total: 4, Processed: i})
		require.NoError(t, err)
		got, err := s.Update(ctx, rec.ID, store.Patch{Progress: snap})
		require.NoError(t, err)
		require.Equal(t, model.StatusRunning, got.Status)
	}

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	var p model.Progress
	require.NoError(t, json.Unmarshal(got.Progress, &p))
	require.Equal(t, 3, p.Processed)

	// a late snapshot from a job that was terminated is still accepted
	_, err = s.Update(ctx, rec.ID, store.Transition(model.StatusTerminating, model.StatusRunning))
	require.NoError(t, err)
	_, err = s.Update(ctx, rec.ID, store.Transition(model.StatusTerminated, model.StatusTerminating))
	require.NoError(t, err)
	got, err = s.Update(ctx, rec.ID, store.Patch{Progress: json.RawMessage(`{"total":4,"processed":4}`)})
	require.NoError(t, err)
	require.Equal(t, model.StatusTerminated, got.Status)
}

func testRecent(t *testing.T, s store.Store) {
	ctx := t.Context()
	var ids []string
	for i := range 3 {
		rec := NewRecord(fmt.Sprintf("site%d", i))
		rec.StartedAt = rec.StartedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, rec))
		_, err := s.Update(ctx, rec.ID, store.Transition(model.StatusFailed, model.StatusStarting).
			WithReason(model.ExitReasonSpawnError))
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	recs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, ids[2], recs[0].ID)
	require.Equal(t, ids[1], recs[1].ID)

	recs, err = s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
}

func testResults(t *testing.T, s store.Store) {
	ctx := t.Context()
	rec := NewRecord("site1")
	require.NoError(t, s.Create(ctx, rec))

	for i := range 5 {
		require.NoError(t, s.AppendResult(ctx, model.Result{
			RunID:     rec.ID,
			Source:    "site1",
			Query:     fmt.Sprintf("q%d", i),
			Response:  "hello world",
			Metrics:   json.RawMessage(`{"response_word_count":2}`),
			CreatedAt: store.Now(),
		}))
	}

	results, err := s.Results(ctx, rec.ID, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "q4", results[0].Query)
	require.Equal(t, "q2", results[2].Query)
	require.Equal(t, rec.ID, results[0].RunID)
	require.JSONEq(t, `{"response_word_count":2}`, string(results[0].Metrics))

	results, err = s.Results(ctx, "other", 3)
	require.NoError(t, err)
	require.Empty(t, results)
}
