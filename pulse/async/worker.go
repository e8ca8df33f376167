package async

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/internal/metrics"
	"github.com/kulturgut/ingest/logger"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPool runs scheduled jobs one at a time.
//
// Ingestion is serialized: two jobs never write the same collections
// concurrently, so the pool always has exactly one worker, and that worker
// only dequeues while it holds the ledger's Lease. A pool whose lease is
// held elsewhere keeps retrying on every poll.
type WorkerPool struct {
	queue      *Queue
	lease      *Lease
	leased     bool
	executor   JobExecutor
	registry   *HandlerRegistry
	metrics    *metrics.Metrics
	poolConfig WorkerPoolConfig
	parentCtx  context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	running    string // ID of the job being executed
	logger     pulseLogger
	mu         sync.Mutex
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	PollInterval time.Duration `json:"poll_interval"` // Idle re-check of the queue
	StopGrace    time.Duration `json:"stop_grace"`    // How long Stop waits for the running job
	LeaseTTL     time.Duration `json:"lease_ttl"`     // Lease expiry without heartbeat
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		PollInterval: time.Second,
		StopGrace:    30 * time.Second,
		LeaseTTL:     DefaultLeaseTTL,
	}
}

// NewWorkerPool creates a worker pool with an empty handler registry.
// IMPORTANT: Callers must register handlers before calling Start().
//
// Cancelling ctx stops the worker the same way Stop does.
func NewWorkerPool(ctx context.Context, queue *Queue, poolCfg WorkerPoolConfig, m *metrics.Metrics, log *zap.SugaredLogger) *WorkerPool {
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if poolCfg.StopGrace <= 0 {
		poolCfg.StopGrace = DefaultWorkerPoolConfig().StopGrace
	}
	if poolCfg.LeaseTTL <= 0 {
		poolCfg.LeaseTTL = DefaultWorkerPoolConfig().LeaseTTL
	}
	holder := fmt.Sprintf("%s:%d:%s", hostname(), os.Getpid(), NewJobID(time.Now()))

	workerCtx, cancel := context.WithCancel(ctx)
	registry := NewHandlerRegistry()

	return &WorkerPool{
		queue:      queue,
		lease:      NewLease(queue.store.db, holder, poolCfg.LeaseTTL),
		executor:   registry,
		registry:   registry,
		metrics:    m,
		poolConfig: poolCfg,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{log.Named("pulse")},
	}
}

// Start begins processing jobs. The first lease attempt happens before
// Start returns, so HoldsLease reports the outcome right away.
// ✿ Opening: jobs orphaned by a previous holder are marked INTERRUPTED once
// the lease is taken
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	ctx := wp.ctx
	wp.mu.Unlock()

	wp.acquireLease(ctx)

	wp.wg.Add(1)
	go wp.worker()
}

// HoldsLease reports whether this pool currently executes jobs
func (wp *WorkerPool) HoldsLease() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.leased
}

// acquireLease returns whether the lease is held after the attempt
func (wp *WorkerPool) acquireLease(ctx context.Context) bool {
	if wp.HoldsLease() {
		return true
	}
	ok, err := wp.lease.Acquire()
	if err != nil {
		wp.logger.Warnw("Failed to acquire worker lease", logger.FieldError, err)
		return false
	}
	if !ok {
		return false
	}

	wp.mu.Lock()
	wp.leased = true
	wp.mu.Unlock()
	wp.logger.Starting("Opening - worker lease acquired", "holder", wp.lease.Holder())

	if n, err := wp.queue.InterruptOrphaned(); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if n > 0 {
		wp.logger.Starting("Opening - interrupted jobs orphaned by previous run", logger.FieldCount, n)
	}

	wp.wg.Add(1)
	go wp.heartbeat(ctx)
	return true
}

// heartbeat keeps the lease alive while a job runs
func (wp *WorkerPool) heartbeat(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.lease.TTL() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := wp.lease.Renew()
		if err != nil {
			wp.logger.Warnw("Failed to renew worker lease", logger.FieldError, err)
			continue
		}
		if !held {
			wp.logger.Errorw("Worker lease taken over by another process", "holder", wp.lease.Holder())
			wp.mu.Lock()
			wp.leased = false
			wp.mu.Unlock()
			return
		}
	}
}

// releaseLease runs once the worker has finished its last job
func (wp *WorkerPool) releaseLease() {
	wp.mu.Lock()
	held := wp.leased
	wp.leased = false
	wp.mu.Unlock()
	if !held {
		return
	}
	if err := wp.lease.Release(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		wp.logger.Warnw("Failed to release worker lease", logger.FieldError, err)
		return
	}
	wp.logger.Closing("Worker lease released", "holder", wp.lease.Holder())
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Stop cancels the running job at its next suspension point and waits for
// the worker with a bounded grace period.
// ❀ Closing
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse("❀ WorkerPool.Stop() complete - worker exited cleanly")
	case <-time.After(wp.poolConfig.StopGrace):
		wp.logger.Closing("WorkerPool.Stop() timeout - job may still be rolling back",
			"timeout", wp.poolConfig.StopGrace, "job_id", wp.Running())
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	defer wp.releaseLease()

	wp.mu.Lock()
	ctx := wp.ctx
	wp.mu.Unlock()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wp.queue.Wake():
		}

		if !wp.acquireLease(ctx) {
			continue
		}

		// Drain everything scheduled before sleeping again
		for {
			ran, err := wp.processNextJob(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			if !ran || ctx.Err() != nil || !wp.HoldsLease() {
				break
			}
		}
	}
}

// processNextJob runs the oldest scheduled job, if any.
// Returns whether a job was run.
func (wp *WorkerPool) processNextJob(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	job, err := wp.queue.Dequeue()
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	wp.setRunning(job.ID)
	defer wp.setRunning("")

	log := wp.logger.With(logger.FieldJobID, job.ID, logger.FieldTemplate, job.TemplateRef, logger.FieldSource, job.Source)
	log.Infow("Job started")
	wp.metrics.JobStarted()

	execErr := wp.executor.Execute(logger.WithJobID(ctx, job.ID), job)

	class := ClassifyError("execute", execErr)
	if execErr != nil && ctx.Err() != nil {
		// Shutdown may surface as some other error (aborted request, closed stream)
		class.Code, class.Status = ErrorCodeInterrupted, JobStatusInterrupted
	}
	if err := job.Finish(class.Status, execErr); err != nil {
		return true, err
	}
	wp.metrics.JobFinished(string(class.Status), job.Duration())

	if err := wp.queue.UpdateJob(job); err != nil {
		return true, err
	}

	fields := []interface{}{
		"status", job.Status,
		"processed", job.Processed,
		"skipped", job.Skipped,
		"errors", job.Errors,
		"duration_ms", job.Duration().Milliseconds(),
	}
	switch job.Status {
	case JobStatusIngested:
		log.Infow("Job finished", fields...)
	case JobStatusInterrupted:
		wp.logger.Closing("Job interrupted", append(fields, "job_id", job.ID)...)
	default:
		log.Errorw("Job finished", append(fields, "error_code", class.Code, "error", execErr)...)
	}
	return true, nil
}

func (wp *WorkerPool) setRunning(id string) {
	wp.mu.Lock()
	wp.running = id
	wp.mu.Unlock()
}

// Running returns the ID of the job being executed, or ""
func (wp *WorkerPool) Running() string {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.running
}

// Registry returns the handler registry for registering job handlers.
// Use this to register handlers before calling Start():
//
//	pool := async.NewWorkerPool(ctx, queue, poolCfg, m, logger)
//	pool.Registry().Register(ingest.NewHandler(deps))
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
