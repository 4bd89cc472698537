package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/process"
)

// Termination is the stop policy for a job process: a cooperative signal,
// a grace window, a forced kill and a confirmation that the process is gone.
type Termination struct {
	Grace    time.Duration
	KillWait time.Duration
}

// Stop runs the policy against h. It returns the exit outcome when it could be
// observed. Stop never returns success while the process is still alive or its
// liveness can't be observed, such failures wrap model.ErrTerminationFailed.
func (t Termination) Stop(ctx context.Context, h process.Handle) (model.ExitOutcome, error) {
	ref := h.Ref()
	alive, err := h.Alive(ctx)
	if err != nil {
		return model.ExitOutcome{}, fmt.Errorf("%w: observing %s: %w", model.ErrTerminationFailed, ref, err)
	}
	if !alive {
		slog.DebugContext(ctx, "process already gone", "process", ref.String())
		out, err := h.Wait(ctx, t.KillWait)
		if err != nil {
			return model.ExitOutcome{Unknown: true}, nil
		}
		return out, nil
	}

	if err := h.Signal(ctx); err != nil {
		slog.WarnContext(ctx, "sending stop signal failed", "process", ref.String(), "error", err)
	}
	out, err := h.Wait(ctx, t.Grace)
	switch {
	case err == nil:
		slog.InfoContext(ctx, "process stopped within grace period", "process", ref.String(), "exit", out.String())
		return out, nil
	case !errors.Is(err, process.ErrWaitTimeout):
		return out, fmt.Errorf("%w: waiting for %s: %w", model.ErrTerminationFailed, ref, err)
	}

	slog.WarnContext(ctx, "grace period expired: killing", "process", ref.String(), "grace", t.Grace.String())
	if err := h.Kill(ctx); err != nil {
		slog.WarnContext(ctx, "sending kill signal failed", "process", ref.String(), "error", err)
	}
	out, err = h.Wait(ctx, t.KillWait)
	if err != nil && !errors.Is(err, process.ErrWaitTimeout) {
		return out, fmt.Errorf("%w: waiting for %s: %w", model.ErrTerminationFailed, ref, err)
	}
	alive, aerr := h.Alive(ctx)
	switch {
	case aerr != nil:
		return out, fmt.Errorf("%w: observing %s after kill: %w", model.ErrTerminationFailed, ref, aerr)
	case alive:
		return out, fmt.Errorf("%w: %s still alive after kill", model.ErrTerminationFailed, ref)
	}
	if err != nil {
		out = model.ExitOutcome{Unknown: true}
	}
	return out, nil
}
