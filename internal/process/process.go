// Package process controls detached job executions. A Handle outlives the
// request which created it and can be rebuilt from its persisted ProcessRef
// after the control center restarts.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
)

var (
	ErrWaitTimeout = errors.New("wait timed out")
	ErrBackend     = errors.New("unsupported process backend")
)

// EnvRunID carries the run id into the job process.
const EnvRunID = "SCRAPECTL_RUN_ID"

// Command describes a job execution to spawn.
type Command struct {
	RunID string
	Path  string // exec backend; the image entrypoint is used by docker
	Args  []string
	Env   []string // KEY=VALUE pairs added to the inherited environment
	Image string   // docker backend
}

func (c Command) environ() []string {
	env := make([]string, 0, len(c.Env)+1)
	env = append(env, c.Env...)
	return append(env, EnvRunID+"="+c.RunID)
}

type Handle interface {
	Ref() model.ProcessRef
	// Alive reports whether the process identified by Ref still runs. A
	// process which exited but was not reaped yet is not alive. An error means
	// the liveness could not be observed, the process must be assumed running.
	Alive(ctx context.Context) (bool, error)
	// Signal asks the process to stop (SIGTERM).
	Signal(ctx context.Context) error
	// Kill stops the process forcibly (SIGKILL).
	Kill(ctx context.Context) error
	// Wait blocks until the process exits, the timeout elapses (ErrWaitTimeout)
	// or ctx is done. A zero timeout waits without limit.
	Wait(ctx context.Context, timeout time.Duration) (model.ExitOutcome, error)
}

type Spawner interface {
	// Spawn starts a detached execution. Failures wrap model.ErrSpawn.
	Spawn(ctx context.Context, cmd Command) (Handle, error)
	// Attach rebuilds a handle from a persisted reference.
	Attach(ref model.ProcessRef) (Handle, error)
}

// Router spawns on its default backend and attaches to a reference using the
// backend recorded in it, so runs survive a backend change in the config.
type Router struct {
	Default  string
	Backends map[string]Spawner
}

func (r Router) Spawn(ctx context.Context, cmd Command) (Handle, error) {
	s, ok := r.Backends[r.Default]
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", model.ErrSpawn, ErrBackend, r.Default)
	}
	return s.Spawn(ctx, cmd)
}

func (r Router) Attach(ref model.ProcessRef) (Handle, error) {
	s, ok := r.Backends[ref.Backend]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrBackend, ref.Backend)
	}
	return s.Attach(ref)
}

// New builds the spawners for a job configuration.
func New(cfg model.Job) (Router, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = model.BackendExec
	}
	docker, err := NewDocker(cfg.Image)
	if err != nil {
		return Router{}, err
	}
	return Router{
		Default: backend,
		Backends: map[string]Spawner{
			model.BackendExec:   NewExec(cfg.LogDir),
			model.BackendDocker: docker,
		},
	}, nil
}

// waitTimer returns a channel firing after timeout, nil (never) for zero.
func waitTimer(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
