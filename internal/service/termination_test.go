package service_test

import (
	"errors"
	"testing"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/service"
	"github.com/stretchr/testify/require"
)

func TestTermination(t *testing.T) {
	t.Parallel()
	policy := service.Termination{Grace: 100 * time.Millisecond, KillWait: 100 * time.Millisecond}

	t.Run("cooperative", func(t *testing.T) {
		t.Parallel()
		h := newFakeHandle(1)
		out, err := policy.Stop(t.Context(), h)
		require.NoError(t, err)
		require.True(t, out.Clean())
		signals, kills := h.counts()
		require.Equal(t, 1, signals)
		require.Zero(t, kills)
	})

	t.Run("escalates after grace", func(t *testing.T) {
		t.Parallel()
		h := newFakeHandle(1)
		h.ignoreTerm = true
		begin := time.Now()
		out, err := policy.Stop(t.Context(), h)
		require.NoError(t, err)
		require.GreaterOrEqual(t, time.Since(begin), policy.Grace)
		require.Equal(t, model.ExitOutcome{Code: 137, Signaled: true}, out)
		signals, kills := h.counts()
		require.Equal(t, 1, signals)
		require.Equal(t, 1, kills)
	})

	t.Run("unkillable", func(t *testing.T) {
		t.Parallel()
		h := newFakeHandle(1)
		h.ignoreTerm = true
		h.ignoreKill = true
		_, err := policy.Stop(t.Context(), h)
		require.ErrorIs(t, err, model.ErrTerminationFailed)
		require.True(t, h.running())
	})

	t.Run("liveness unknown", func(t *testing.T) {
		t.Parallel()
		unreachable := errors.New("daemon unreachable")
		h := newFakeHandle(1)
		h.lose(unreachable)
		_, err := policy.Stop(t.Context(), h)
		require.ErrorIs(t, err, model.ErrTerminationFailed)
		require.ErrorIs(t, err, unreachable)
		require.True(t, h.running())
		signals, kills := h.counts()
		require.Zero(t, signals)
		require.Zero(t, kills)
	})

	t.Run("already gone", func(t *testing.T) {
		t.Parallel()
		h := newFakeHandle(1)
		h.exit(model.ExitOutcome{Code: 4})
		out, err := policy.Stop(t.Context(), h)
		require.NoError(t, err)
		require.Equal(t, model.ExitOutcome{Code: 4}, out)
		signals, kills := h.counts()
		require.Zero(t, signals)
		require.Zero(t, kills)
	})

	t.Run("not a child", func(t *testing.T) {
		t.Parallel()
		sp := newFakeSpawner()
		h, err := sp.Attach(model.ProcessRef{Backend: "fake", PID: 7})
		require.NoError(t, err)
		out, err := policy.Stop(t.Context(), h)
		require.NoError(t, err)
		require.True(t, out.Unknown)
	})
}
