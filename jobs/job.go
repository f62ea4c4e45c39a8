// Package jobs runs retrievals that cannot complete while git-annex waits.
// A retrieval becomes a job in the database; an operator (or the scheduler)
// later starts it against the drive.
package jobs

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/stv0g/git-annex-remote-tape/dbmanager"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureKeyNotFound       FailureKind = "KeyNotFound"
	FailureDeviceFault       FailureKind = "DeviceFault"
	FailureCartridgeMismatch FailureKind = "CartridgeMismatch"
	FailureInterrupted       FailureKind = "Interrupted"
	FailureDestination       FailureKind = "Destination"
	FailureMedia             FailureKind = "Media"
	FailureError             FailureKind = "Error"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidJobState   = errors.New("invalid job state")
	ErrCartridgeMismatch = errors.New("cartridge mismatch")
	ErrInterrupted       = errors.New("interrupted")
	// ErrRunnerBusy is returned when another process is running jobs.
	ErrRunnerBusy = errors.New("jobs are being run by another process")
	ErrNoDrive    = errors.New("no drive to run jobs on")
)

// Job is one outstanding or finished retrieval.
type Job struct {
	ID          int64
	Key         string
	Destination string
	Media       string // cartridge the key was stored on, empty if unknown
	Archive     int    // archive to look in first, 0 if unknown
	State       State
	Failure     FailureKind
	Cause       string
	Bytes       int64
	Created     time.Time
	Updated     time.Time
}

func jobFromRecord(r *dbmanager.JobRecord) *Job {
	return &Job{
		ID:          r.ID,
		Key:         r.Key,
		Destination: r.Destination,
		Media:       r.Media,
		Archive:     r.Archive,
		State:       State(r.State),
		Failure:     FailureKind(r.Failure),
		Cause:       r.Cause,
		Bytes:       r.Bytes,
		Created:     r.Created,
		Updated:     r.Updated,
	}
}

// Terminal reports whether the job has finished.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Err returns the recorded failure of a failed job and nil otherwise.
func (j *Job) Err() error {
	if j.State != StateFailed {
		return nil
	}
	return &Error{ID: j.ID, Kind: j.Failure, Cause: j.Cause}
}

func (j *Job) String() string {
	s := fmt.Sprintf("job %d %s key=%s destination=%s", j.ID, j.State, j.Key, j.Destination)
	if j.State == StateFailed {
		s += fmt.Sprintf(" failure=%s cause=%q", j.Failure, j.Cause)
	}
	return s
}

// Error is the failure recorded for a job.
type Error struct {
	ID    int64
	Kind  FailureKind
	Cause string
}

func (e *Error) Error() string {
	return fmt.Sprintf("job %d failed: %s: %s", e.ID, e.Kind, e.Cause)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrCartridgeMismatch:
		return e.Kind == FailureCartridgeMismatch
	case ErrInterrupted:
		return e.Kind == FailureInterrupted
	}
	return false
}
