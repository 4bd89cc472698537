package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusTerminated  Status = "terminated"
)

// ActiveStatuses are the non-terminal statuses. At most one record may be in one
// of them at any time.
var ActiveStatuses = []Status{StatusStarting, StatusRunning, StatusTerminating}

func (s Status) Active() bool {
	return slices.Contains(ActiveStatuses, s)
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusIdle || s.Active() || s.Terminal()
}

var transitions = map[Status][]Status{
	StatusStarting:    {StatusRunning, StatusFailed, StatusTerminating},
	StatusRunning:     {StatusTerminating, StatusCompleted, StatusFailed},
	StatusTerminating: {StatusTerminated},
}

// CanTransition reports whether from -> to is an edge of the run state machine.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

type ExitReason string

const (
	ExitReasonNone               ExitReason = ""
	ExitReasonCompleted          ExitReason = "completed"
	ExitReasonJobFailed          ExitReason = "job_failed"
	ExitReasonUnexpectedExit     ExitReason = "unexpected_exit"
	ExitReasonSpawnError         ExitReason = "spawn_error"
	ExitReasonOperatorTerminated ExitReason = "operator_terminated"
)

// ExitOutcome describes how a job process ended. Unknown is set when the
// process was not a child of the observer, so the code could not be collected.
type ExitOutcome struct {
	Code     int  `json:"code"`
	Signaled bool `json:"signaled,omitempty"`
	Unknown  bool `json:"unknown,omitempty"`
}

func (o ExitOutcome) Clean() bool {
	return !o.Unknown && !o.Signaled && o.Code == 0
}

func (o ExitOutcome) String() string {
	switch {
	case o.Unknown:
		return "exit status unknown"
	case o.Signaled:
		return fmt.Sprintf("killed by signal (code %d)", o.Code)
	default:
		return fmt.Sprintf("exit code %d", o.Code)
	}
}

const (
	BackendExec   = "exec"
	BackendDocker = "docker"
)

// ProcessRef is the persisted identifying information of a job process. It is
// enough to re-attach to the process after the control center restarts.
type ProcessRef struct {
	Backend     string `json:"backend"`
	PID         int    `json:"pid,omitempty"`
	CreateTime  int64  `json:"create_time,omitempty"` // unix ms, guards against pid reuse
	ContainerID string `json:"container_id,omitempty"`
	LogPath     string `json:"log_path,omitempty"`
}

func (r ProcessRef) String() string {
	if r.ContainerID != "" {
		return r.Backend + ":" + r.ContainerID
	}
	return fmt.Sprintf("%s:%d", r.Backend, r.PID)
}

// RunRecord is the persisted unit of truth for one execution attempt.
type RunRecord struct {
	ID         string          `json:"run_id"`
	Status     Status          `json:"status"`
	Spec       JobSpec         `json:"job_spec"`
	Process    *ProcessRef     `json:"process,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Progress   json.RawMessage `json:"progress_snapshot,omitempty"`
	Exit       *ExitOutcome    `json:"exit,omitempty"`
	ExitReason ExitReason      `json:"exit_reason,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (r RunRecord) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run_id: %q, status: %s", r.ID, r.Status)
	if r.Process != nil {
		fmt.Fprintf(&sb, ", process: %s", r.Process)
	}
	if r.ExitReason != ExitReasonNone {
		fmt.Fprintf(&sb, ", exit_reason: %s", r.ExitReason)
	}
	if r.Error != "" {
		fmt.Fprintf(&sb, ", error: %q", r.Error)
	}
	return sb.String()
}

// Result is a single scraped item appended by a running job.
type Result struct {
	RunID     string          `json:"run_id"`
	Source    string          `json:"source"`
	Query     string          `json:"query"`
	Response  string          `json:"response"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Progress is the snapshot written by the bundled job. The control plane never
// interprets it and stores it as raw JSON.
type Progress struct {
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Batch     int            `json:"batch"`
	Batches   int            `json:"batches"`
	LastItem  string         `json:"last_item,omitempty"`
	BySource  map[string]int `json:"by_source,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
