package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/shirou/gopsutil/v4/process"
)

const pollInterval = 50 * time.Millisecond

// Exec runs jobs as detached OS processes. Each child gets its own session,
// so it survives the control center and can be signaled as a group. Output
// goes to a per-run log file, never to a pipe owned by the parent.
type Exec struct {
	LogDir string

	mx       sync.Mutex
	children map[int]*childHandle
}

func NewExec(logDir string) *Exec {
	if logDir == "" {
		logDir = filepath.Join(os.TempDir(), "scrapectl", "logs")
	}
	return &Exec{
		LogDir:   logDir,
		children: make(map[int]*childHandle),
	}
}

func (e *Exec) Spawn(ctx context.Context, cmd Command) (Handle, error) {
	if cmd.Path == "" {
		return nil, fmt.Errorf("%w: command path is required", model.ErrSpawn)
	}
	if err := os.MkdirAll(e.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating log dir: %w", model.ErrSpawn, err)
	}
	logPath := filepath.Join(e.LogDir, "run-"+cmd.RunID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: opening log file: %w", model.ErrSpawn, err)
	}
	// the child holds its own descriptor
	defer func() {
		_ = logFile.Close()
	}()

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Env = append(os.Environ(), cmd.environ()...)
	c.Stdout = logFile
	c.Stderr = logFile
	c.SysProcAttr = detached()

	started := time.Now().UTC()
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSpawn, err)
	}

	pid := c.Process.Pid
	ref := model.ProcessRef{
		Backend:    model.BackendExec,
		PID:        pid,
		CreateTime: createTime(ctx, pid, started),
		LogPath:    logPath,
	}
	h := &childHandle{
		cmd:  c,
		ref:  ref,
		done: make(chan struct{}),
	}
	e.mx.Lock()
	e.children[pid] = h
	e.mx.Unlock()
	go func() {
		h.reap()
		e.forget(h)
	}()

	slog.DebugContext(ctx, "job process started", "pid", pid, "path", cmd.Path, "log", logPath)
	return h, nil
}

// Attach returns the live child handle when this instance spawned the
// process, otherwise a handle probing the pid recorded in ref.
func (e *Exec) Attach(ref model.ProcessRef) (Handle, error) {
	if ref.Backend != model.BackendExec {
		return nil, fmt.Errorf("%w %q for exec", ErrBackend, ref.Backend)
	}
	if ref.PID <= 0 {
		return nil, fmt.Errorf("invalid pid %d", ref.PID)
	}
	e.mx.Lock()
	h, ok := e.children[ref.PID]
	e.mx.Unlock()
	if ok && h.ref.CreateTime == ref.CreateTime {
		return h, nil
	}
	return &pidHandle{ref: ref}, nil
}

// forget drops a reaped child. A later Attach observes its pid instead.
func (e *Exec) forget(h *childHandle) {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.children[h.ref.PID] == h {
		delete(e.children, h.ref.PID)
	}
}

func createTime(ctx context.Context, pid int, fallback time.Time) int64 {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err == nil {
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			return ms
		}
	}
	return fallback.UnixMilli()
}

// childHandle is a process spawned by this instance, it is reaped here and
// knows the real exit status.
type childHandle struct {
	cmd  *exec.Cmd
	ref  model.ProcessRef
	done chan struct{}

	mx      sync.Mutex
	outcome model.ExitOutcome
}

func (h *childHandle) reap() {
	err := h.cmd.Wait()
	outcome := exitOutcome(h.cmd.ProcessState, err)
	h.mx.Lock()
	h.outcome = outcome
	h.mx.Unlock()
	close(h.done)
}

func (h *childHandle) Ref() model.ProcessRef {
	return h.ref
}

func (h *childHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *childHandle) Alive(context.Context) (bool, error) {
	return !h.exited(), nil
}

func (h *childHandle) Signal(context.Context) error {
	if h.exited() {
		return nil
	}
	return signalGroup(h.ref.PID, syscall.SIGTERM)
}

func (h *childHandle) Kill(context.Context) error {
	if h.exited() {
		return nil
	}
	return signalGroup(h.ref.PID, syscall.SIGKILL)
}

func (h *childHandle) Wait(ctx context.Context, timeout time.Duration) (model.ExitOutcome, error) {
	timer, stop := waitTimer(timeout)
	defer stop()
	select {
	case <-h.done:
		h.mx.Lock()
		defer h.mx.Unlock()
		return h.outcome, nil
	case <-timer:
		return model.ExitOutcome{}, ErrWaitTimeout
	case <-ctx.Done():
		return model.ExitOutcome{}, ctx.Err()
	}
}

func exitOutcome(state *os.ProcessState, err error) model.ExitOutcome {
	if state == nil {
		return model.ExitOutcome{Unknown: true}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return model.ExitOutcome{Code: 128 + int(ws.Signal()), Signaled: true}
	}
	code := state.ExitCode()
	if code < 0 {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return model.ExitOutcome{Code: -1, Signaled: true}
		}
		return model.ExitOutcome{Unknown: true}
	}
	return model.ExitOutcome{Code: code}
}

// pidHandle is a process spawned by another instance. Its exit status can't
// be collected, only observed.
type pidHandle struct {
	ref model.ProcessRef
}

func (h *pidHandle) Ref() model.ProcessRef {
	return h.ref
}

func (h *pidHandle) Alive(ctx context.Context) (bool, error) {
	if !pidExists(h.ref.PID) {
		return false, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(h.ref.PID))
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("inspecting pid %d: %w", h.ref.PID, err)
	}
	if h.ref.CreateTime != 0 {
		ms, err := p.CreateTimeWithContext(ctx)
		// a different create time means the pid was reused
		if err == nil && !sameCreateTime(ms, h.ref.CreateTime) {
			return false, nil
		}
	}
	status, err := p.StatusWithContext(ctx)
	if err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false, nil
			}
		}
	}
	return true, nil
}

// sameCreateTime tolerates the clock tick granularity of /proc.
func sameCreateTime(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1000
}

func (h *pidHandle) Signal(ctx context.Context) error {
	return h.signal(ctx, syscall.SIGTERM)
}

func (h *pidHandle) Kill(ctx context.Context) error {
	return h.signal(ctx, syscall.SIGKILL)
}

// signal never targets a reused pid.
func (h *pidHandle) signal(ctx context.Context, sig syscall.Signal) error {
	alive, err := h.Alive(ctx)
	if err != nil || !alive {
		return err
	}
	return signalGroup(h.ref.PID, sig)
}

func (h *pidHandle) Wait(ctx context.Context, timeout time.Duration) (model.ExitOutcome, error) {
	timer, stop := waitTimer(timeout)
	defer stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		alive, err := h.Alive(ctx)
		if err != nil {
			return model.ExitOutcome{}, err
		}
		if !alive {
			return model.ExitOutcome{Unknown: true}, nil
		}
		select {
		case <-ticker.C:
		case <-timer:
			return model.ExitOutcome{}, ErrWaitTimeout
		case <-ctx.Done():
			return model.ExitOutcome{}, ctx.Err()
		}
	}
}
