package model_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allowed := [][2]model.Status{
		{model.StatusStarting, model.StatusRunning},
		{model.StatusStarting, model.StatusFailed},
		{model.StatusStarting, model.StatusTerminating},
		{model.StatusRunning, model.StatusTerminating},
		{model.StatusRunning, model.StatusCompleted},
		{model.StatusRunning, model.StatusFailed},
		{model.StatusTerminating, model.StatusTerminated},
	}
	all := []model.Status{
		model.StatusIdle, model.StatusStarting, model.StatusRunning, model.StatusTerminating,
		model.StatusCompleted, model.StatusFailed, model.StatusTerminated,
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed {
				if a[0] == from && a[1] == to {
					want = true
				}
			}
			require.Equal(t, want, model.CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	for _, s := range all {
		require.True(t, s.Valid())
		require.False(t, s.Active() && s.Terminal(), s)
		if s.Terminal() {
			for _, to := range all {
				require.False(t, model.CanTransition(s, to), "terminal %s must not reopen", s)
			}
		}
	}
	require.False(t, model.Status("paused").Valid())
}

func TestErrors(t *testing.T) {
	t.Parallel()
	var err error = &model.AlreadyRunningError{RunID: "A", Status: model.StatusRunning}
	wrapped := fmt.Errorf("start: %w", err)
	require.ErrorIs(t, wrapped, model.ErrAlreadyRunning)
	var are *model.AlreadyRunningError
	require.ErrorAs(t, wrapped, &are)
	require.Equal(t, "A", are.RunID)

	err = &model.NotRunningError{RunID: "B"}
	require.ErrorIs(t, err, model.ErrNotRunning)
	require.Contains(t, err.Error(), "not found")

	cause := errors.New("dial tcp: connection refused")
	err = model.Unavailable(cause)
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	require.ErrorIs(t, err, cause)
	require.Same(t, err, model.Unavailable(err))
	require.NoError(t, model.Unavailable(nil))
}

func TestJobSpec(t *testing.T) {
	t.Parallel()
	spec := model.JobSpec{Target: "https://site1.example", Queries: []string{"a", "b", "c"}, Runs: 2}
	require.NoError(t, spec.Validate())
	require.Equal(t, 6, spec.Total())

	d := spec.WithDefaults()
	require.Equal(t, model.JobKindHTTP, d.Kind)
	require.Equal(t, 1, d.Concurrency)
	require.Equal(t, "https://site1.example", d.Name)

	// any target names a noop run
	require.NoError(t, model.JobSpec{Target: "site1", Kind: model.JobKindNoop}.Validate())

	for _, bad := range []model.JobSpec{
		{},
		{Target: "x", Kind: "ftp"},
		{Target: "site1"},
		{Target: "site1", Kind: model.JobKindHTTP},
		{Target: "ftp://example.com"},
		{Target: "https://"},
		{Target: "http://example.com/%zz"},
		{Target: "https://example.com", Runs: model.MaxRuns + 1},
		{Target: "https://example.com", Concurrency: model.MaxConcurrency + 1},
		{Target: "https://example.com", RatePerSecond: -1},
		{Target: "x", Kind: model.JobKindNoop, Delay: model.Duration(-time.Second)},
	} {
		require.ErrorIs(t, bad.Validate(), model.ErrInvalidJobSpec, "%+v", bad)
	}
}

func TestJobSpecJSON(t *testing.T) {
	t.Parallel()
	var spec model.JobSpec
	err := json.Unmarshal([]byte(`{"target":"site1","kind":"noop","delay":"PT0.2S"}`), &spec)
	require.NoError(t, err)
	require.Equal(t, 200*time.Millisecond, spec.Delay.Std())

	err = json.Unmarshal([]byte(`{"target":"site1","delay":"150ms"}`), &spec)
	require.NoError(t, err)
	require.Equal(t, 150*time.Millisecond, spec.Delay.Std())

	b, err := json.Marshal(model.JobSpec{Target: "site1", Delay: model.Duration(time.Second)})
	require.NoError(t, err)
	require.JSONEq(t, `{"target":"site1","delay":"PT1S"}`, string(b))
}

func TestExitOutcome(t *testing.T) {
	t.Parallel()
	require.True(t, model.ExitOutcome{}.Clean())
	require.False(t, model.ExitOutcome{Code: 1}.Clean())
	require.False(t, model.ExitOutcome{Code: 9, Signaled: true}.Clean())
	require.False(t, model.ExitOutcome{Unknown: true}.Clean())
}
