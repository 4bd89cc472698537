package service_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/process"
	"github.com/agentscraper/scrapectl/internal/service"
	"github.com/agentscraper/scrapectl/internal/store"
	"github.com/agentscraper/scrapectl/internal/store/sqlite"
	"github.com/stretchr/testify/require"
)

// fakeHandle is an in-memory job process.
type fakeHandle struct {
	ref model.ProcessRef

	mx         sync.Mutex
	alive      bool
	lost       error // liveness can't be observed, e.g. the daemon is down
	ignoreTerm bool
	ignoreKill bool
	signals    int
	kills      int
	out        model.ExitOutcome
	done       chan struct{}
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{
		ref:   model.ProcessRef{Backend: "fake", PID: pid, CreateTime: time.Now().UnixMilli()},
		alive: true,
		done:  make(chan struct{}),
	}
}

func (h *fakeHandle) exit(out model.ExitOutcome) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if !h.alive {
		return
	}
	h.alive = false
	h.out = out
	close(h.done)
}

func (h *fakeHandle) Ref() model.ProcessRef { return h.ref }

func (h *fakeHandle) lose(err error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.lost = err
}

func (h *fakeHandle) Alive(context.Context) (bool, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.lost != nil {
		return false, h.lost
	}
	return h.alive, nil
}

func (h *fakeHandle) running() bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.alive
}

func (h *fakeHandle) Signal(context.Context) error {
	h.mx.Lock()
	if h.lost != nil {
		defer h.mx.Unlock()
		return h.lost
	}
	h.signals++
	ignore := h.ignoreTerm
	h.mx.Unlock()
	if !ignore {
		h.exit(model.ExitOutcome{Code: 0})
	}
	return nil
}

func (h *fakeHandle) Kill(context.Context) error {
	h.mx.Lock()
	if h.lost != nil {
		defer h.mx.Unlock()
		return h.lost
	}
	h.kills++
	ignore := h.ignoreKill
	h.mx.Unlock()
	if !ignore {
		h.exit(model.ExitOutcome{Code: 137, Signaled: true})
	}
	return nil
}

func (h *fakeHandle) Wait(ctx context.Context, timeout time.Duration) (model.ExitOutcome, error) {
	h.mx.Lock()
	lost := h.lost
	h.mx.Unlock()
	if lost != nil {
		return model.ExitOutcome{}, lost
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-h.done:
		h.mx.Lock()
		defer h.mx.Unlock()
		return h.out, nil
	case <-timer:
		return model.ExitOutcome{}, process.ErrWaitTimeout
	case <-ctx.Done():
		return model.ExitOutcome{}, ctx.Err()
	}
}

func (h *fakeHandle) counts() (signals, kills int) {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.signals, h.kills
}

// fakeSpawner hands out fakeHandles. Attach finds them by pid, unknown pids
// look like processes which are gone.
type fakeSpawner struct {
	mx         sync.Mutex
	err        error
	delay      time.Duration
	ignoreTerm bool
	ignoreKill bool
	next       int
	handles    map[int]*fakeHandle
	commands   []process.Command
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{next: 1000, handles: make(map[int]*fakeHandle)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, cmd process.Command) (process.Handle, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.commands = append(s.commands, cmd)
	if s.err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSpawn, s.err)
	}
	s.next++
	h := newFakeHandle(s.next)
	h.ignoreTerm = s.ignoreTerm
	h.ignoreKill = s.ignoreKill
	s.handles[h.ref.PID] = h
	return h, nil
}

func (s *fakeSpawner) Attach(ref model.ProcessRef) (process.Handle, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if h, ok := s.handles[ref.PID]; ok {
		return h, nil
	}
	gone := &fakeHandle{ref: ref, out: model.ExitOutcome{Unknown: true}, done: make(chan struct{})}
	close(gone.done)
	return gone, nil
}

func (s *fakeSpawner) handle(t *testing.T, ref *model.ProcessRef) *fakeHandle {
	t.Helper()
	require.NotNil(t, ref)
	s.mx.Lock()
	defer s.mx.Unlock()
	h, ok := s.handles[ref.PID]
	require.True(t, ok, "no handle for %s", ref)
	return h
}

var testTiming = model.Timing{
	StartTimeout:   200 * time.Millisecond,
	Grace:          300 * time.Millisecond,
	KillWait:       300 * time.Millisecond,
	ReconcileEvery: 50 * time.Millisecond,
}

func openStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "scrapectl.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// downStore fails every call as unavailable while down is set. The wrapped
// store shows what was written.
type downStore struct {
	store.Store
	down atomic.Bool
}

func (s *downStore) err() error {
	if s.down.Load() {
		return model.Unavailable(errors.New("connection refused"))
	}
	return nil
}

func (s *downStore) Create(ctx context.Context, rec model.RunRecord) error {
	if err := s.err(); err != nil {
		return err
	}
	return s.Store.Create(ctx, rec)
}

func (s *downStore) Update(ctx context.Context, runID string, p store.Patch) (model.RunRecord, error) {
	if err := s.err(); err != nil {
		return model.RunRecord{}, err
	}
	return s.Store.Update(ctx, runID, p)
}

func (s *downStore) Get(ctx context.Context, runID string) (model.RunRecord, error) {
	if err := s.err(); err != nil {
		return model.RunRecord{}, err
	}
	return s.Store.Get(ctx, runID)
}

func (s *downStore) GetActive(ctx context.Context) (model.RunRecord, error) {
	if err := s.err(); err != nil {
		return model.RunRecord{}, err
	}
	return s.Store.GetActive(ctx)
}

func (s *downStore) Recent(ctx context.Context, limit int) ([]model.RunRecord, error) {
	if err := s.err(); err != nil {
		return nil, err
	}
	return s.Store.Recent(ctx, limit)
}

func (s *downStore) AppendResult(ctx context.Context, r model.Result) error {
	if err := s.err(); err != nil {
		return err
	}
	return s.Store.AppendResult(ctx, r)
}

func (s *downStore) Results(ctx context.Context, runID string, limit int) ([]model.Result, error) {
	if err := s.err(); err != nil {
		return nil, err
	}
	return s.Store.Results(ctx, runID, limit)
}

func newSupervisor(t *testing.T, st store.Store, sp process.Spawner) *service.Supervisor {
	t.Helper()
	s := service.NewSupervisor(st, sp, service.JobCommand{Path: "scrapectl"}, testTiming)
	t.Cleanup(s.Close)
	return s
}

var spec = model.JobSpec{Target: "https://example.com", Queries: []string{"q1", "q2"}}

func waitStatus(t *testing.T, st store.Store, runID string, want model.Status) model.RunRecord {
	t.Helper()
	var rec model.RunRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = st.Get(t.Context(), runID)
		return err == nil && rec.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never became %s", runID, want)
	return rec
}
