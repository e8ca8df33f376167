package async

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kulturgut/ingest/logger"
)

// CountSource reports a running job's counters
type CountSource func() (processed, skipped, errs int64)

// JobProgressEmitter persists a running job's counters at a fixed interval
// so `jobs ls` shows progress before the run ends.
type JobProgressEmitter struct {
	job      *Job
	queue    *Queue
	interval time.Duration
	log      *zap.SugaredLogger
}

// NewJobProgressEmitter creates a progress emitter for a running job
func NewJobProgressEmitter(job *Job, queue *Queue, interval time.Duration, baseLogger *zap.SugaredLogger) *JobProgressEmitter {
	return &JobProgressEmitter{
		job:      job,
		queue:    queue,
		interval: interval,
		log:      baseLogger.With(logger.FieldJobID, job.ID),
	}
}

// Run emits until ctx is done. It does nothing when the interval is zero.
func (e *JobProgressEmitter) Run(ctx context.Context, counts CountSource) {
	if e.interval <= 0 {
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Emit(counts())
		}
	}
}

// Emit stores the current counters unless they are unchanged
func (e *JobProgressEmitter) Emit(processed, skipped, errs int64) {
	if processed == e.job.Processed && skipped == e.job.Skipped && errs == e.job.Errors {
		return
	}
	cp := *e.job
	cp.SetCounts(processed, skipped, errs)
	if err := e.queue.UpdateJob(&cp); err != nil {
		e.log.Warnw("Failed to update job progress",
			logger.FieldProcessed, processed,
			logger.FieldError, err,
		)
		return
	}
	e.job.Processed, e.job.Skipped, e.job.Errors = processed, skipped, errs
}

// EmitError logs a classified stage error
func (e *JobProgressEmitter) EmitError(stage string, err error) {
	ctx := ClassifyError(stage, err)
	e.log.Errorw("Job error",
		logger.FieldStage, stage,
		"error_code", ctx.Code,
		logger.FieldStatus, ctx.Status,
		logger.FieldError, err,
	)
}
