package model

import (
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrSpawn             = errors.New("spawn failed")
	ErrAlreadyRunning    = errors.New("run already active")
	ErrNotRunning        = errors.New("run is not running")
	ErrTerminationFailed = errors.New("termination failed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// AlreadyRunningError rejects a start request and points the caller to the
// run which is already active.
type AlreadyRunningError struct {
	RunID  string
	Status Status
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s: run_id %s is %s", ErrAlreadyRunning, e.RunID, e.Status)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// NotRunningError rejects a terminate request for a run which does not exist
// or has already ended on its own.
type NotRunningError struct {
	RunID  string
	Status Status // empty when the run does not exist
}

func (e *NotRunningError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("%s: run_id %s not found", ErrNotRunning, e.RunID)
	}
	return fmt.Sprintf("%s: run_id %s is %s", ErrNotRunning, e.RunID, e.Status)
}

func (e *NotRunningError) Is(target error) bool {
	return target == ErrNotRunning
}

// Unavailable marks err as a store connectivity failure, nil stays nil.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
