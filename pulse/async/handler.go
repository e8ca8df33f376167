package async

import (
	"context"
	"sort"
	"sync"

	"github.com/kulturgut/ingest/errors"
)

// JobHandler executes one kind of job, selected by Job.HandlerName.
//
// Execute copies its counters into job before returning; the worker derives
// the terminal status from the returned error. On cancellation a handler
// stops at its next suspension point and returns an error wrapping ctx.Err().
type JobHandler interface {
	Execute(ctx context.Context, job *Job) error
	Name() string
}

// JobExecutor runs a job to completion
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// HandlerRegistry maps handler names to handlers. Safe for concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]JobHandler)}
}

// Register adds handler under its name. Registering a name twice is a
// programming error and panics.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, dup := r.handlers[name]; dup {
		panic(errors.AssertionFailedf("handler %q registered twice", name))
	}
	r.handlers[name] = handler
}

// Lookup returns the handler for name or ErrNotFound
func (r *HandlerRegistry) Lookup(name string) (JobHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "no handler registered for %q", name)
	}
	return h, nil
}

// Names returns the registered handler names, sorted
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches job to the handler it names
func (r *HandlerRegistry) Execute(ctx context.Context, job *Job) error {
	if job.HandlerName == "" {
		return errors.Newf("job %s has no handler name", job.ID)
	}
	h, err := r.Lookup(job.HandlerName)
	if err != nil {
		return errors.Wrapf(err, "job %s", job.ID)
	}
	return h.Execute(ctx, job)
}
