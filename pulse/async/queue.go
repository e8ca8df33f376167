package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kulturgut/ingest/errors"
)

const (
	// MaxJobsLimit caps list queries
	MaxJobsLimit = 10000
	// DefaultAwaitPoll is how often Await re-reads a job another process may be running
	DefaultAwaitPoll = time.Second
)

// Harvester locates a job's input before it is scheduled. A failing
// harvest ends the job as FAILED without ever running it.
type Harvester interface {
	Harvest(ctx context.Context, job *Job) error
}

// HarvesterFunc adapts a function to Harvester
type HarvesterFunc func(ctx context.Context, job *Job) error

// Harvest calls f
func (f HarvesterFunc) Harvest(ctx context.Context, job *Job) error { return f(ctx, job) }

// Queue orders jobs for the single ingestion worker and tracks their
// terminal status for callers waiting on a run.
type Queue struct {
	store     *Store
	logs      *JobLogStore
	harvester Harvester

	mu        sync.RWMutex
	waiters   map[string][]chan *Job
	wake      chan struct{}
	awaitPoll time.Duration
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:     NewStore(db),
		logs:      NewJobLogStore(db),
		waiters:   make(map[string][]chan *Job),
		wake:      make(chan struct{}, 1),
		awaitPoll: DefaultAwaitPoll,
	}
}

// SetAwaitPoll changes how often Await re-reads the ledger
func (q *Queue) SetAwaitPoll(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.awaitPoll = d
}

// SetHarvester installs the input check run by Enqueue
func (q *Queue) SetHarvester(h Harvester) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.harvester = h
}

// Enqueue persists a CREATED job, harvests it and schedules it.
//
// At most one job per name is active: if one already is, that job is
// returned and the new one is discarded. A failed harvest returns the
// FAILED job together with the harvest error.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	active, err := q.store.FindActiveJobByName(job.Name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check for an active job")
	}
	if active != nil {
		return active, nil
	}

	if err := q.store.CreateJob(job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Template: %s", job.TemplateRef))
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
		return nil, err
	}

	if q.harvester != nil {
		if herr := q.harvester.Harvest(ctx, job); herr != nil {
			if err := job.Finish(JobStatusFailed, herr); err != nil {
				return nil, err
			}
			if err := q.store.UpdateJob(job); err != nil {
				return nil, errors.Wrap(err, "failed to record harvest failure")
			}
			q.notifyWaiters(job)
			return job, errors.Wrapf(herr, "harvest %s", job.TemplateRef)
		}
	}

	if err := job.Harvest(); err != nil {
		return nil, err
	}
	if err := job.Schedule(); err != nil {
		return nil, err
	}
	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to schedule job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Dequeue gets the oldest scheduled job and marks it as running
func (q *Queue) Dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.NextScheduled()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scheduled jobs")
	}
	if job == nil {
		return nil, nil
	}

	if err := job.Start(); err != nil {
		return nil, err
	}
	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to mark job as running")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Template: %s", job.TemplateRef))
		return nil, err
	}

	return job, nil
}

// Wake signals that a job was scheduled
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetJob(id)
}

// UpdateJob persists a job's state. Reaching a terminal status releases
// everyone waiting in Await.
func (q *Queue) UpdateJob(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateJob(job); err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		return err
	}

	q.notifyWaiters(job)
	return nil
}

// Await blocks until the job reaches a terminal status or ctx ends.
// Updates made in this process arrive immediately; a job run by another
// process sharing the ledger is seen on the next poll.
func (q *Queue) Await(ctx context.Context, id string) (*Job, error) {
	ch := make(chan *Job, 1)

	q.mu.Lock()
	job, err := q.store.GetJob(id)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if job.Status.IsTerminal() {
		q.mu.Unlock()
		return job, nil
	}
	q.waiters[id] = append(q.waiters[id], ch)
	poll := q.awaitPoll
	q.mu.Unlock()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case done := <-ch:
			return done, nil
		case <-ticker.C:
			q.mu.Lock()
			job, err := q.store.GetJob(id)
			if err == nil && !job.Status.IsTerminal() {
				q.mu.Unlock()
				continue
			}
			q.removeWaiter(id, ch)
			q.mu.Unlock()
			return job, err
		case <-ctx.Done():
			q.mu.Lock()
			q.removeWaiter(id, ch)
			q.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// REQUIRES: q.mu held for writing
func (q *Queue) removeWaiter(id string, ch chan *Job) {
	list := q.waiters[id]
	for i, w := range list {
		if w == ch {
			q.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(q.waiters[id]) == 0 {
		delete(q.waiters, id)
	}
}

// Logs returns the job log store
func (q *Queue) Logs() *JobLogStore {
	return q.logs
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListJobs(status, limit)
}

// ListActiveJobs returns all non-terminal jobs
func (q *Queue) ListActiveJobs(limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListActiveJobs(limit)
}

// FindActiveJobByName returns the active job for a template name, if any
func (q *Queue) FindActiveJobByName(name string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.FindActiveJobByName(name)
}

// notifyWaiters hands a terminal job to everyone blocked in Await.
// REQUIRES: q.mu must be held for writing.
func (q *Queue) notifyWaiters(job *Job) {
	if !job.Status.IsTerminal() {
		return
	}
	for _, ch := range q.waiters[job.ID] {
		cp := *job
		ch <- &cp
	}
	delete(q.waiters, job.ID)
}

// InterruptOrphaned ends jobs left RUNNING by a previous process.
// Their index writes were never committed by this process.
func (q *Queue) InterruptOrphaned() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	running := JobStatusRunning
	jobs, err := q.store.ListJobs(&running, MaxJobsLimit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running jobs")
	}

	for _, job := range jobs {
		if err := job.Finish(JobStatusInterrupted, errors.New("process exited while the job was running")); err != nil {
			return 0, err
		}
		if err := q.store.UpdateJob(job); err != nil {
			return 0, errors.Wrapf(err, "failed to interrupt orphaned job %s", job.ID)
		}
		q.notifyWaiters(job)
	}
	return len(jobs), nil
}

// Cleanup removes terminal jobs older than olderThan
func (q *Queue) Cleanup(olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldJobs(olderThan)
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Scheduled   int `json:"scheduled"`
	Running     int `json:"running"`
	Ingested    int `json:"ingested"`
	Failed      int `json:"failed"`
	Aborted     int `json:"aborted"`
	Interrupted int `json:"interrupted"`
	Total       int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats() (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByStatus()
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Scheduled:   counts[JobStatusScheduled],
		Running:     counts[JobStatusRunning],
		Ingested:    counts[JobStatusIngested],
		Failed:      counts[JobStatusFailed],
		Aborted:     counts[JobStatusAborted],
		Interrupted: counts[JobStatusInterrupted],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
