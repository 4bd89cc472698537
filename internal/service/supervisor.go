package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agentscraper/scrapectl/internal/log"
	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/process"
	"github.com/agentscraper/scrapectl/internal/store"
)

// refPoll is how often terminate looks for the process of a run which is
// still starting.
const refPoll = 100 * time.Millisecond

// Supervisor owns the run lifecycle. It starts detached job processes, watches
// the ones it spawned, terminates runs and reconciles persisted records with
// the processes they point to.
type Supervisor struct {
	store   store.Store
	spawner process.Spawner
	command JobCommand

	timingMx  sync.Mutex
	timing    model.Timing
	scheduler gocron.Scheduler
	job       gocron.Job

	startMx sync.Mutex
	group   singleflight.Group

	mx          sync.Mutex
	watching    map[string]struct{}
	terminating map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(st store.Store, sp process.Spawner, cmd JobCommand, timing model.Timing) *Supervisor {
	ctx, cancel := context.WithCancel(
		log.ContextAttrs(context.Background(), slog.String("component", "supervisor")),
	)
	return &Supervisor{
		store:       st,
		spawner:     sp,
		command:     cmd,
		timing:      timing,
		watching:    make(map[string]struct{}),
		terminating: make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Supervisor) Timing() model.Timing {
	s.timingMx.Lock()
	defer s.timingMx.Unlock()
	return s.timing
}

// SetTiming retunes the grace windows and the reconcile schedule. Terminations
// already in progress keep the timing they started with.
func (s *Supervisor) SetTiming(ctx context.Context, timing model.Timing) error {
	s.timingMx.Lock()
	defer s.timingMx.Unlock()

	scheduleChanged := timing.ReconcileCron != s.timing.ReconcileCron ||
		timing.ReconcileEvery != s.timing.ReconcileEvery
	if scheduleChanged {
		def, err := reconcileJob(ctx, timing)
		if err != nil {
			return err
		}
		if s.scheduler != nil {
			job, err := s.scheduler.Update(s.job.ID(), def, gocron.NewTask(s.reconcileTask), reconcileOptions()...)
			if err != nil {
				return fmt.Errorf("updating reconcile schedule: %w", err)
			}
			s.job = job
		}
	}
	s.timing = timing
	slog.InfoContext(ctx, "supervision timing changed",
		"grace", timing.Grace.String(),
		"kill_wait", timing.KillWait.String(),
		"start_timeout", timing.StartTimeout.String(),
	)
	return nil
}

func (s *Supervisor) termination() Termination {
	t := s.Timing()
	return Termination{Grace: t.Grace, KillWait: t.KillWait}
}

// Do reconciles the active run, then keeps reconciling on the configured
// schedule until ctx is done. Watchers of spawned processes are stopped on
// return, the processes themselves keep running.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	defer s.Close()

	if err := s.Reconcile(ctx); err != nil {
		slog.ErrorContext(ctx, "startup reconcile failed", "error", err)
	}

	s.timingMx.Lock()
	scheduler, job, err := newScheduler(ctx, s.timing, s.reconcileTask)
	if err == nil {
		s.scheduler, s.job = scheduler, job
	}
	s.timingMx.Unlock()
	if err != nil {
		return fmt.Errorf("reconcile schedule: %w", err)
	}

	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
		s.timingMx.Lock()
		s.scheduler, s.job = nil, nil
		s.timingMx.Unlock()
	}()

	<-ctx.Done()
	slog.DebugContext(ctx, "stopping a supervisor")
	return nil
}

// Close stops the watchers and waits for them.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) reconcileTask() {
	ctx := log.ContextAttrs(s.ctx, slog.String("op", "reconcile"))
	if err := s.Reconcile(ctx); err != nil {
		slog.ErrorContext(ctx, "scheduled reconcile failed", "error", err)
	}
}

// Start creates a run for spec and spawns its job process. It fails with
// *model.AlreadyRunningError when another run is active and with an error
// wrapping model.ErrSpawn when the process could not be started, the run is
// then recorded as failed.
func (s *Supervisor) Start(ctx context.Context, spec model.JobSpec) (model.RunRecord, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return model.RunRecord{}, err
	}

	s.startMx.Lock()
	defer s.startMx.Unlock()

	active, err := s.store.GetActive(ctx)
	switch {
	case err == nil:
		return active, &model.AlreadyRunningError{RunID: active.ID, Status: active.Status}
	case !errors.Is(err, store.ErrNotFound):
		return model.RunRecord{}, fmt.Errorf("looking up active run: %w", err)
	}

	now := store.Now()
	rec := model.RunRecord{
		ID:        uuid.NewString(),
		Status:    model.StatusStarting,
		Spec:      spec,
		StartedAt: now,
		UpdatedAt: now,
	}
	err = s.store.Create(ctx, rec)
	switch {
	case errors.Is(err, store.ErrActiveExists):
		active, gerr := s.store.GetActive(ctx)
		if gerr != nil {
			return model.RunRecord{}, fmt.Errorf("%w: %w", model.ErrAlreadyRunning, err)
		}
		return active, &model.AlreadyRunningError{RunID: active.ID, Status: active.Status}
	case err != nil:
		return model.RunRecord{}, fmt.Errorf("creating run: %w", err)
	}

	// the record exists now, so the caller going away must not leave it half done
	ctx = log.ContextAttrs(context.WithoutCancel(ctx), slog.String("run_id", rec.ID))
	slog.InfoContext(ctx, "starting run", "target", spec.Target, "kind", spec.Kind)

	h, err := s.spawner.Spawn(ctx, s.command.For(rec.ID))
	if err != nil {
		slog.ErrorContext(ctx, "spawning job failed", "error", err)
		patch := store.Transition(model.StatusFailed, model.StatusStarting).
			WithReason(model.ExitReasonSpawnError).
			WithError(err.Error())
		failed, uerr := s.store.Update(ctx, rec.ID, patch)
		if uerr != nil {
			slog.WarnContext(ctx, "recording spawn failure failed", "error", uerr)
			failed = rec
		}
		return failed, fmt.Errorf("starting run %s: %w", rec.ID, err)
	}

	ref := h.Ref()
	running, err := s.store.Update(ctx, rec.ID,
		store.Transition(model.StatusRunning, model.StatusStarting).WithProcess(ref))
	switch {
	case errors.Is(err, store.ErrConflict):
		// a terminate request came in while spawning, it waits for the ref
		slog.WarnContext(ctx, "run is terminating: recording process only", "process", ref.String())
		p := store.Patch{Expect: []model.Status{model.StatusTerminating}}.WithProcess(ref)
		terminating, err := s.store.Update(ctx, rec.ID, p)
		if err != nil {
			slog.WarnContext(ctx, "run ended while spawning: stopping process", "process", ref.String(), "error", err)
			s.wg.Go(func() {
				if _, err := s.termination().Stop(ctx, h); err != nil {
					slog.ErrorContext(ctx, "stopping orphan process failed", "error", err)
				}
			})
			return s.store.Get(ctx, rec.ID)
		}
		s.watch(rec.ID, h)
		return terminating, nil
	case err != nil:
		slog.ErrorContext(ctx, "recording process failed: killing it", "process", ref.String(), "error", err)
		if kerr := h.Kill(ctx); kerr != nil {
			slog.WarnContext(ctx, "killing process failed", "error", kerr)
		}
		patch := store.Transition(model.StatusFailed, model.StatusStarting).
			WithReason(model.ExitReasonSpawnError).
			WithError(err.Error())
		if _, uerr := s.store.Update(ctx, rec.ID, patch); uerr != nil {
			slog.WarnContext(ctx, "recording spawn failure failed", "error", uerr)
		}
		return rec, fmt.Errorf("recording process of run %s: %w", rec.ID, err)
	}

	slog.InfoContext(ctx, "run started", "process", ref.String())
	s.watch(rec.ID, h)
	return running, nil
}

// watch waits for the process of a run in the background and records its end.
// At most one watcher per run exists in a Supervisor.
func (s *Supervisor) watch(runID string, h process.Handle) {
	s.mx.Lock()
	if _, ok := s.watching[runID]; ok || s.ctx.Err() != nil {
		s.mx.Unlock()
		return
	}
	s.watching[runID] = struct{}{}
	s.mx.Unlock()

	ctx := log.ContextAttrs(s.ctx, slog.String("run_id", runID), slog.String("op", "watch"))
	s.wg.Go(func() {
		defer func() {
			s.mx.Lock()
			delete(s.watching, runID)
			s.mx.Unlock()
		}()

		out, err := h.Wait(ctx, 0)
		if err != nil {
			slog.DebugContext(ctx, "stopped watching", "error", err)
			return
		}
		slog.InfoContext(ctx, "job process exited", "exit", out.String())
		_, err = Retry(ctx, DefaultRetryFor, func() (model.RunRecord, error) {
			return s.settle(ctx, runID, out)
		})
		if err != nil {
			slog.ErrorContext(ctx, "recording job exit failed", "error", err)
		}
	})
}

// settle records the end of a run whose process is gone. An Unknown outcome is
// replaced by the exit the job recorded itself, if any.
func (s *Supervisor) settle(ctx context.Context, runID string, out model.ExitOutcome) (model.RunRecord, error) {
	for {
		rec, err := s.store.Get(ctx, runID)
		if err != nil {
			return rec, err
		}
		if out.Unknown && rec.Exit != nil {
			out = *rec.Exit
		}

		var p store.Patch
		switch rec.Status {
		case model.StatusStarting:
			// the process existed, so it ran
			p = store.Transition(model.StatusRunning, model.StatusStarting)
		case model.StatusRunning:
			status, reason := exitStatus(out)
			p = store.Transition(status, model.StatusRunning).WithReason(reason)
			if reason == model.ExitReasonJobFailed {
				p = p.WithError(out.String())
			}
		case model.StatusTerminating:
			p = store.Transition(model.StatusTerminated, model.StatusTerminating).
				WithReason(model.ExitReasonOperatorTerminated)
		default:
			return rec, nil
		}
		if !out.Unknown {
			p = p.WithExit(out)
		}

		rec, err = s.store.Update(ctx, runID, p)
		switch {
		case errors.Is(err, store.ErrConflict):
			continue
		case err != nil:
			return rec, err
		case rec.Status.Active():
			continue
		}
		slog.InfoContext(ctx, "run ended", "run", rec.String())
		return rec, nil
	}
}

func exitStatus(out model.ExitOutcome) (model.Status, model.ExitReason) {
	switch {
	case out.Clean():
		return model.StatusCompleted, model.ExitReasonCompleted
	case out.Unknown:
		return model.StatusFailed, model.ExitReasonUnexpectedExit
	default:
		return model.StatusFailed, model.ExitReasonJobFailed
	}
}

// Terminate stops the process of a run and records it as terminated. Runs
// which do not exist or ended on their own are rejected with
// *model.NotRunningError, an already terminated run is returned as is.
// Concurrent calls for one run share a single execution of the protocol.
func (s *Supervisor) Terminate(ctx context.Context, runID string) (model.RunRecord, error) {
	rec, err := s.store.Get(ctx, runID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.RunRecord{}, &model.NotRunningError{RunID: runID}
	case err != nil:
		return model.RunRecord{}, fmt.Errorf("looking up run %s: %w", runID, err)
	}
	switch rec.Status {
	case model.StatusTerminated:
		return rec, nil
	case model.StatusCompleted, model.StatusFailed:
		return rec, &model.NotRunningError{RunID: runID, Status: rec.Status}
	}

	ctx = log.ContextAttrs(context.WithoutCancel(ctx), slog.String("run_id", runID), slog.String("op", "terminate"))
	return s.terminateOnce(ctx, runID)
}

func (s *Supervisor) terminateOnce(ctx context.Context, runID string) (model.RunRecord, error) {
	v, err, shared := s.group.Do(runID, func() (any, error) {
		return s.terminate(ctx, runID)
	})
	if shared {
		slog.DebugContext(ctx, "joined termination in progress")
	}
	rec, _ := v.(model.RunRecord)
	return rec, err
}

func (s *Supervisor) terminate(ctx context.Context, runID string) (model.RunRecord, error) {
	s.mx.Lock()
	s.terminating[runID] = struct{}{}
	s.mx.Unlock()
	defer func() {
		s.mx.Lock()
		delete(s.terminating, runID)
		s.mx.Unlock()
	}()

	// terminating -> terminating only refreshes UpdatedAt, so other instances
	// see the protocol is alive
	rec, err := s.store.Update(ctx, runID, store.Transition(model.StatusTerminating,
		model.StatusStarting, model.StatusRunning, model.StatusTerminating))
	if errors.Is(err, store.ErrConflict) {
		return s.ended(ctx, runID)
	}
	if err != nil {
		return rec, fmt.Errorf("marking run %s terminating: %w", runID, err)
	}
	slog.InfoContext(ctx, "terminating run", "run", rec.String())

	h, err := s.handleFor(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("%w: %w", model.ErrTerminationFailed, err)
	}
	out := model.ExitOutcome{Unknown: true}
	if h != nil {
		out, err = s.termination().Stop(ctx, h)
		if err != nil {
			slog.ErrorContext(ctx, "termination failed: run stays terminating", "error", err)
			return rec, err
		}
	}

	p := store.Transition(model.StatusTerminated, model.StatusTerminating).
		WithReason(model.ExitReasonOperatorTerminated)
	if !out.Unknown {
		p = p.WithExit(out)
	}
	rec, err = Retry(ctx, DefaultRetryFor, func() (model.RunRecord, error) {
		return s.store.Update(ctx, runID, p)
	})
	if errors.Is(err, store.ErrConflict) {
		// the watcher or another instance confirmed first
		return s.ended(ctx, runID)
	}
	if err != nil {
		return rec, fmt.Errorf("recording termination of run %s: %w", runID, err)
	}
	slog.InfoContext(ctx, "run terminated", "run", rec.String())
	return rec, nil
}

// ended reports a run which left the active statuses under our feet.
func (s *Supervisor) ended(ctx context.Context, runID string) (model.RunRecord, error) {
	rec, err := s.store.Get(ctx, runID)
	if err != nil {
		return rec, fmt.Errorf("looking up run %s: %w", runID, err)
	}
	switch rec.Status {
	case model.StatusTerminated:
		return rec, nil
	case model.StatusCompleted, model.StatusFailed:
		return rec, &model.NotRunningError{RunID: runID, Status: rec.Status}
	}
	return rec, fmt.Errorf("%w: run_id %s is %s", model.ErrTerminationFailed, runID, rec.Status)
}

// handleFor returns the handle of the run's process, nil when none was ever
// recorded. A run still starting gets one grace period to record it.
func (s *Supervisor) handleFor(ctx context.Context, rec model.RunRecord) (process.Handle, error) {
	if rec.Process == nil {
		deadline := time.Now().Add(s.Timing().Grace)
		ticker := time.NewTicker(refPoll)
		defer ticker.Stop()
		for rec.Process == nil {
			if rec.Status != model.StatusTerminating || time.Now().After(deadline) {
				slog.WarnContext(ctx, "no process recorded for run", "status", rec.Status)
				return nil, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
			next, err := s.store.Get(ctx, rec.ID)
			switch {
			case errors.Is(err, model.ErrStoreUnavailable):
				continue
			case err != nil:
				return nil, err
			}
			rec = next
		}
	}
	h, err := s.spawner.Attach(*rec.Process)
	if err != nil {
		return nil, fmt.Errorf("attaching to %s: %w", rec.Process, err)
	}
	return h, nil
}

func (s *Supervisor) isTerminating(runID string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.terminating[runID]
	return ok
}

// Reconcile brings the active run in line with its process: a starting run
// whose process is alive becomes running, a run whose process is gone gets its
// final status, a stale starting run without a process fails and an abandoned
// termination is resumed. Processes found alive are watched.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	rec, err := s.store.GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		slog.DebugContext(ctx, "reconcile: no active run")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", rec.ID))
	timing := s.Timing()
	age := time.Since(rec.UpdatedAt)

	if rec.Process == nil {
		var p store.Patch
		switch {
		case rec.Status == model.StatusStarting && age >= timing.StartTimeout:
			slog.WarnContext(ctx, "reconcile: run never recorded a process", "age", age.String())
			p = store.Transition(model.StatusFailed, model.StatusStarting).
				WithReason(model.ExitReasonSpawnError).
				WithError("no process recorded within start timeout")
		case rec.Status == model.StatusTerminating && age >= timing.Grace && !s.isTerminating(rec.ID):
			slog.WarnContext(ctx, "reconcile: terminating run without a process")
			p = store.Transition(model.StatusTerminated, model.StatusTerminating).
				WithReason(model.ExitReasonOperatorTerminated)
		default:
			return nil
		}
		_, err := s.store.Update(ctx, rec.ID, p)
		return ignoreConflict(err)
	}

	h, err := s.spawner.Attach(*rec.Process)
	if err != nil {
		return fmt.Errorf("reconcile: attaching to %s: %w", rec.Process, err)
	}
	alive, err := h.Alive(ctx)
	if err != nil {
		// the run is left as it is until its process can be observed
		return fmt.Errorf("reconcile: %w", err)
	}

	switch {
	case rec.Status == model.StatusTerminating:
		if s.isTerminating(rec.ID) {
			return nil
		}
		if alive && age < timing.Grace+timing.KillWait {
			// someone may still be running the protocol
			return nil
		}
		slog.InfoContext(ctx, "reconcile: resuming termination", "alive", alive)
		_, err := s.terminateOnce(log.ContextAttrs(ctx, slog.String("op", "terminate")), rec.ID)
		return err
	case !alive:
		out, err := h.Wait(ctx, timing.KillWait)
		switch {
		case errors.Is(err, process.ErrWaitTimeout):
			out = model.ExitOutcome{Unknown: true}
		case err != nil:
			return fmt.Errorf("reconcile: %w", err)
		}
		slog.InfoContext(ctx, "reconcile: process is gone", "exit", out.String())
		_, err = s.settle(ctx, rec.ID, out)
		return err
	case rec.Status == model.StatusStarting:
		_, err := s.store.Update(ctx, rec.ID, store.Transition(model.StatusRunning, model.StatusStarting))
		if err != nil {
			return ignoreConflict(err)
		}
		slog.InfoContext(ctx, "reconcile: process is alive", "process", rec.Process.String())
	}
	s.watch(rec.ID, h)
	return nil
}

func ignoreConflict(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}
