// Package store defines the State Store contract shared by all backends. A
// store keeps RunRecords and their results durably and guarantees that at most
// one record is non-terminal at any time.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrActiveExists = errors.New("another run holds the active slot")
	ErrConflict     = errors.New("status changed concurrently")
)

// DefaultLimit applies to Recent and Results when limit is not positive.
const DefaultLimit = 100

type Store interface {
	// Create persists a new record. It fails with ErrActiveExists when rec is
	// non-terminal and another non-terminal record exists.
	Create(ctx context.Context, rec model.RunRecord) error
	// Update atomically reads, validates and writes the record. It never creates.
	Update(ctx context.Context, runID string, p Patch) (model.RunRecord, error)
	Get(ctx context.Context, runID string) (model.RunRecord, error)
	// GetActive returns the only non-terminal record or ErrNotFound.
	GetActive(ctx context.Context) (model.RunRecord, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]model.RunRecord, error)
	AppendResult(ctx context.Context, r model.Result) error
	// Results returns up to limit results of a run, newest first.
	Results(ctx context.Context, runID string, limit int) ([]model.Result, error)
	Close() error
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	// Expect, when not empty, makes the update a compare-and-set: it fails with
	// ErrConflict unless the current status is one of Expect.
	Expect     []model.Status
	Status     *model.Status
	Process    *model.ProcessRef
	Progress   json.RawMessage
	Exit       *model.ExitOutcome
	ExitReason *model.ExitReason
	Error      *string
}

func (p Patch) String() string {
	s := "patch"
	if len(p.Expect) > 0 {
		s += fmt.Sprintf(" expect=%v", p.Expect)
	}
	if p.Status != nil {
		s += " status=" + string(*p.Status)
	}
	if p.Process != nil {
		s += " process=" + p.Process.String()
	}
	if p.Progress != nil {
		s += " progress"
	}
	if p.Exit != nil {
		s += " exit=" + p.Exit.String()
	}
	return s
}

// Transition builds a compare-and-set patch moving a record from one of the
// from statuses to to.
func Transition(to model.Status, from ...model.Status) Patch {
	return Patch{Expect: from, Status: &to}
}

func (p Patch) WithReason(reason model.ExitReason) Patch {
	p.ExitReason = &reason
	return p
}

func (p Patch) WithError(msg string) Patch {
	p.Error = &msg
	return p
}

func (p Patch) WithProcess(ref model.ProcessRef) Patch {
	p.Process = &ref
	return p
}

func (p Patch) WithExit(o model.ExitOutcome) Patch {
	p.Exit = &o
	return p
}

// Apply validates p against rec and returns the patched copy. Backends call it
// inside their atomic read-modify-write. Setting the current status again is
// not a transition and is allowed. A terminal transition stamps EndedAt.
func Apply(rec model.RunRecord, p Patch, now time.Time) (model.RunRecord, error) {
	if len(p.Expect) > 0 && !slices.Contains(p.Expect, rec.Status) {
		return rec, fmt.Errorf("%w: run_id %s is %s, expected %v", ErrConflict, rec.ID, rec.Status, p.Expect)
	}
	if p.Status != nil && *p.Status != rec.Status {
		if !model.CanTransition(rec.Status, *p.Status) {
			return rec, fmt.Errorf("%w: run_id %s %s -> %s", model.ErrInvalidTransition, rec.ID, rec.Status, *p.Status)
		}
		rec.Status = *p.Status
		if rec.Status.Terminal() {
			ended := now
			rec.EndedAt = &ended
		}
	}
	if p.Process != nil {
		ref := *p.Process
		rec.Process = &ref
	}
	if p.Progress != nil {
		rec.Progress = slices.Clone(p.Progress)
	}
	if p.Exit != nil {
		exit := *p.Exit
		rec.Exit = &exit
	}
	if p.ExitReason != nil {
		rec.ExitReason = *p.ExitReason
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
	rec.UpdatedAt = now
	return rec, nil
}

// Limit normalizes a caller supplied limit.
func Limit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// Now is the clock used by backends, truncated to the millisecond precision
// all backends persist.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
