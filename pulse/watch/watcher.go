// Package watch runs one trigger-file watcher per auto-started template.
//
// A watcher polls its template's trigger path. When the file appears it
// submits an ingest job, waits for the job to finish, then deletes the
// trigger or renames it with a timestamp suffix. The template is read again
// on every iteration; once it is deleted, disabled or no longer auto-started
// the watcher ends.
package watch

import (
	"context"
	"os"
	"time"

	"github.com/vjeantet/jodaTime"
	"go.uber.org/zap"

	"github.com/kulturgut/ingest/catalog"
	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/logger"
	"github.com/kulturgut/ingest/pulse/async"
)

// TriggerSuffixFormat is appended to renamed trigger files
const TriggerSuffixFormat = "yyyyMMddHHmmss"

// Templates is the part of the catalog the watchers read
type Templates interface {
	Template(name string) (*catalog.Template, error)
	Templates() ([]string, error)
}

// JobQueue submits jobs and waits for them
type JobQueue interface {
	Enqueue(ctx context.Context, job *async.Job) (*async.Job, error)
	Await(ctx context.Context, id string) (*async.Job, error)
}

// FileWatcher watches the trigger of one template
type FileWatcher struct {
	name      string
	handler   string
	templates Templates
	queue     JobQueue
	interval  time.Duration
	nudge     chan struct{}
	now       func() time.Time
	logger    *zap.SugaredLogger
}

func newFileWatcher(name, handler string, templates Templates, queue JobQueue, interval time.Duration, log *zap.SugaredLogger) *FileWatcher {
	return &FileWatcher{
		name:      name,
		handler:   handler,
		templates: templates,
		queue:     queue,
		interval:  interval,
		nudge:     make(chan struct{}, 1),
		now:       time.Now,
		logger:    log.With(logger.FieldTemplate, name),
	}
}

// Nudge wakes the watcher before its poll interval elapses
func (w *FileWatcher) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled, the template goes away or the trigger
// cannot be cleaned up. Only the last case returns an error.
func (w *FileWatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		tmpl, err := w.templates.Template(w.name)
		if err != nil {
			w.logger.Infow("Template no longer usable, stopping watcher", logger.FieldError, err)
			return nil
		}
		if !tmpl.Watched() {
			w.logger.Infow("Template no longer auto-started, stopping watcher")
			return nil
		}

		present, err := triggerPresent(tmpl.Trigger.Path)
		if err != nil {
			return err
		}
		if !present {
			w.sleep(ctx)
			continue
		}

		if !w.ingest(ctx, tmpl) {
			// Shut down mid-job: the trigger stays so the next start picks it up
			return nil
		}
		if err := w.cleanup(tmpl); err != nil {
			return err
		}
	}
}

// ingest submits the job and waits for it. It reports false when ctx ended
// before the job finished.
func (w *FileWatcher) ingest(ctx context.Context, tmpl *catalog.Template) bool {
	w.logger.Infow("Trigger found, submitting job", logger.FieldTrigger, tmpl.Trigger.Path)
	start := w.now()

	job, err := async.NewJob(w.handler, tmpl.Name, async.SourceWatcher, "watcher")
	if err != nil {
		w.logger.Errorw("Failed to create job", logger.FieldError, err)
		return true
	}
	submitted, err := w.queue.Enqueue(ctx, job)
	if err != nil {
		if submitted == nil {
			w.logger.Errorw("Failed to submit job", logger.FieldError, err)
			return ctx.Err() == nil
		}
		w.logger.Warnw("Job failed before scheduling",
			logger.FieldJobID, submitted.ID,
			logger.FieldStatus, submitted.Status,
			logger.FieldError, err)
		return true
	}

	for {
		done, err := w.queue.Await(ctx, submitted.ID)
		if err == nil {
			w.logger.Infow("Job finished",
				logger.FieldJobID, done.ID,
				logger.FieldStatus, done.Status,
				logger.FieldProcessed, done.Processed,
				logger.FieldSkipped, done.Skipped,
				logger.FieldErrors, done.Errors,
				logger.FieldDurationMS, w.now().Sub(start).Milliseconds())
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		w.logger.Errorw("Waiting for job failed, retrying", logger.FieldJobID, submitted.ID, logger.FieldError, err)
		w.sleep(ctx)
	}
}

func (w *FileWatcher) cleanup(tmpl *catalog.Template) error {
	trigger := tmpl.Trigger.Path
	if tmpl.Trigger.DeleteOnCompletion {
		if err := os.Remove(trigger); err != nil {
			return errors.WithHint(errors.Wrapf(err, "delete trigger %s", trigger),
				"check that the trigger directory is writable")
		}
		w.logger.Debugw("Trigger deleted", logger.FieldTrigger, trigger)
		return nil
	}

	renamed := RenamedTrigger(trigger, w.now())
	if err := os.Rename(trigger, renamed); err != nil {
		return errors.WithHint(errors.Wrapf(err, "rename trigger %s", trigger),
			"check that the trigger directory is writable")
	}
	w.logger.Debugw("Trigger renamed", logger.FieldTrigger, trigger, logger.FieldPath, renamed)
	return nil
}

func (w *FileWatcher) sleep(ctx context.Context) {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-w.nudge:
	}
}

// RenamedTrigger returns the name a consumed trigger is moved to
func RenamedTrigger(trigger string, at time.Time) string {
	return trigger + "." + jodaTime.Format(TriggerSuffixFormat, at)
}

func triggerPresent(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "stat trigger %s", path)
}
