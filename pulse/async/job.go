// Package async provides the ingestion job ledger and its single-worker queue.
package async

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kulturgut/ingest/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusCreated     JobStatus = "created"
	JobStatusHarvested   JobStatus = "harvested"
	JobStatusScheduled   JobStatus = "scheduled"
	JobStatusRunning     JobStatus = "running"
	JobStatusIngested    JobStatus = "ingested"
	JobStatusFailed      JobStatus = "failed"
	JobStatusAborted     JobStatus = "aborted"
	JobStatusInterrupted JobStatus = "interrupted"
)

// JobSource tells who requested a job
type JobSource string

const (
	SourceWatcher JobSource = "WATCHER"
	SourceWeb     JobSource = "WEB"
)

// ErrInvalidTransition is returned when a status change is not allowed by the lifecycle
var ErrInvalidTransition = errors.New("invalid job status transition")

// transitions lists the allowed next states.
// HARVESTED may go straight to RUNNING when a job is run inline.
var transitions = map[JobStatus][]JobStatus{
	JobStatusCreated:   {JobStatusHarvested, JobStatusFailed, JobStatusAborted},
	JobStatusHarvested: {JobStatusScheduled, JobStatusRunning, JobStatusFailed, JobStatusAborted},
	JobStatusScheduled: {JobStatusRunning, JobStatusAborted, JobStatusInterrupted},
	JobStatusRunning:   {JobStatusIngested, JobStatusFailed, JobStatusAborted, JobStatusInterrupted},
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusCreated, JobStatusHarvested, JobStatusScheduled, JobStatusRunning,
		JobStatusIngested, JobStatusFailed, JobStatusAborted, JobStatusInterrupted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok && IsValidStatus(string(s))
}

// CanTransition reports whether from → to is allowed
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one execution of an ingestion template.
//
// Status is the only part that changes after scheduling; the counters are
// copied from the processing context once the run ends.
type Job struct {
	ID          string     `json:"id"`
	HandlerName string     `json:"handler_name"`
	Name        string     `json:"name"`
	TemplateRef string     `json:"template_ref"`
	Source      JobSource  `json:"source"`
	Status      JobStatus  `json:"status"`
	Processed   int64      `json:"processed"`
	Skipped     int64      `json:"skipped"`
	Errors      int64      `json:"errors"`
	Error       string     `json:"error,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a job in CREATED state for a template.
//
// Example:
//
//	job, _ := async.NewJob("ixgest.ingest", "museum-x-objects", async.SourceWatcher, "watcher")
func NewJob(handlerName, templateRef string, source JobSource, actor string) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}
	if templateRef == "" {
		return nil, errors.New("templateRef cannot be empty")
	}
	if source != SourceWatcher && source != SourceWeb {
		return nil, errors.Newf("unknown job source %q", source)
	}
	if actor == "" {
		actor = "system"
	}

	now := time.Now().UTC()
	return &Job{
		ID:          NewJobID(now),
		HandlerName: handlerName,
		Name:        templateRef,
		TemplateRef: templateRef,
		Source:      source,
		Status:      JobStatusCreated,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewJobID returns a lexically time-ordered job id
func NewJobID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func (j *Job) transition(to JobStatus) error {
	if !CanTransition(j.Status, to) {
		err := errors.Wrapf(ErrInvalidTransition, "%s → %s", j.Status, to)
		return errors.WithDetailf(err, "Job ID: %s", j.ID)
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Harvest marks the job's input as located
func (j *Job) Harvest() error {
	return j.transition(JobStatusHarvested)
}

// Schedule puts the job in line for the worker
func (j *Job) Schedule() error {
	return j.transition(JobStatusScheduled)
}

// Start marks the job as running
func (j *Job) Start() error {
	if err := j.transition(JobStatusRunning); err != nil {
		return err
	}
	now := j.UpdatedAt
	j.StartedAt = &now
	return nil
}

// Finish moves the job to a terminal status and records the cause, if any
func (j *Job) Finish(status JobStatus, cause error) error {
	if !status.IsTerminal() {
		return errors.Wrapf(ErrInvalidTransition, "%s is not a terminal status", status)
	}
	if err := j.transition(status); err != nil {
		return err
	}
	now := j.UpdatedAt
	j.CompletedAt = &now
	if cause != nil {
		j.Error = cause.Error()
	}
	return nil
}

// SetCounts copies the run counters into the job
func (j *Job) SetCounts(processed, skipped, errs int64) {
	j.Processed = processed
	j.Skipped = skipped
	j.Errors = errs
	j.UpdatedAt = time.Now().UTC()
}

// Duration returns the run time, or zero if the job never started
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}
