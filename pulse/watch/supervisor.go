package watch

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/internal/metrics"
	"github.com/kulturgut/ingest/logger"
)

// Config controls the watcher pool
type Config struct {
	PoolSize     int           // maximum concurrent watchers
	PollInterval time.Duration // sleep while a trigger is absent
	StopGrace    time.Duration // how long Stop waits for watchers
	FSNotify     bool          // wake watchers early on trigger directory events
	HandlerName  string        // job handler the watchers submit to
}

// DefaultConfig returns the defaults used by the daemon
func DefaultConfig() Config {
	return Config{
		PoolSize:     16,
		PollInterval: 10 * time.Second,
		StopGrace:    30 * time.Second,
		FSNotify:     true,
		HandlerName:  "ixgest.ingest",
	}
}

// Supervisor runs the file watchers on a bounded goroutine pool
type Supervisor struct {
	templates Templates
	queue     JobQueue
	cfg       Config
	metrics   *metrics.Metrics
	pool      *ants.Pool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	watchers  map[string]*FileWatcher
	triggers  map[string]string // trigger path -> template
	notify    *fsnotify.Watcher
	logger    *zap.SugaredLogger
}

// NewSupervisor creates the pool. Watchers start with Start.
func NewSupervisor(ctx context.Context, templates Templates, queue JobQueue, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) (*Supervisor, error) {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.HandlerName == "" {
		cfg.HandlerName = def.HandlerName
	}

	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher pool")
	}

	s := &Supervisor{
		templates: templates,
		queue:     queue,
		cfg:       cfg,
		metrics:   m,
		pool:      pool,
		watchers:  make(map[string]*FileWatcher),
		triggers:  make(map[string]string),
		logger:    log.Named("watch"),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if cfg.FSNotify {
		notify, err := fsnotify.NewWatcher()
		if err != nil {
			// Polling still works
			s.logger.Warnw("fsnotify unavailable, polling only", logger.FieldError, err)
		} else {
			s.notify = notify
		}
	}
	return s, nil
}

// Start launches a watcher for every auto-started template
func (s *Supervisor) Start() error {
	if s.notify != nil {
		s.wg.Add(1)
		go s.forwardEvents()
	}
	return s.Reconcile()
}

// Reconcile starts watchers for templates that gained a trigger and nudges
// the running ones so removed or disabled templates stop promptly.
func (s *Supervisor) Reconcile() error {
	names, err := s.templates.Templates()
	if err != nil {
		return errors.Wrap(err, "list templates")
	}

	for _, name := range names {
		tmpl, err := s.templates.Template(name)
		if err != nil {
			s.logger.Warnw("Skipping invalid template", logger.FieldTemplate, name, logger.FieldError, err)
			continue
		}
		if !tmpl.Watched() {
			continue
		}
		s.launch(name, tmpl.Trigger.Path)
	}

	s.mu.Lock()
	for _, w := range s.watchers {
		w.Nudge()
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) launch(name, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if _, running := s.watchers[name]; running {
		return
	}

	w := newFileWatcher(name, s.cfg.HandlerName, s.templates, s.queue, s.cfg.PollInterval, s.logger)
	s.wg.Add(1)
	err := s.pool.Submit(func() {
		defer s.wg.Done()
		s.metrics.WatcherStarted()
		defer s.metrics.WatcherStopped()

		if err := w.Run(s.ctx); err != nil {
			w.logger.Errorw("Watcher terminated", logger.FieldError, err)
		}
		s.remove(name)
	})
	if err != nil {
		s.wg.Done()
		s.logger.Errorw("Cannot start watcher",
			logger.FieldTemplate, name,
			"pool_size", s.cfg.PoolSize,
			logger.FieldError, err)
		return
	}

	s.watchers[name] = w
	s.triggers[filepath.Clean(trigger)] = name
	if s.notify != nil {
		if err := s.notify.Add(filepath.Dir(trigger)); err != nil {
			w.logger.Debugw("Trigger directory not watched", logger.FieldPath, filepath.Dir(trigger), logger.FieldError, err)
		}
	}
	w.logger.Infow("Watcher started", logger.FieldTrigger, trigger)
}

func (s *Supervisor) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, name)
	for trigger, owner := range s.triggers {
		if owner == name {
			delete(s.triggers, trigger)
		}
	}
}

// forwardEvents nudges the watcher whose trigger was created
func (s *Supervisor) forwardEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-s.notify.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			s.mu.Lock()
			if name, ok := s.triggers[filepath.Clean(event.Name)]; ok {
				if w, ok := s.watchers[name]; ok {
					w.Nudge()
				}
			}
			s.mu.Unlock()
		case err, ok := <-s.notify.Errors:
			if !ok {
				return
			}
			s.logger.Warnw("fsnotify error", logger.FieldError, err)
		}
	}
}

// Running returns the templates with an active watcher
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.watchers))
	for name := range s.watchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop cancels every watcher and waits up to the grace period
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-time.After(s.cfg.StopGrace):
		stopErr = errors.Wrapf(errors.ErrTimeout, "watchers still running after %s", s.cfg.StopGrace)
	}

	if s.notify != nil {
		if err := s.notify.Close(); err != nil {
			s.logger.Debugw("fsnotify close", logger.FieldError, err)
		}
	}
	if err := s.pool.ReleaseTimeout(time.Second); err != nil && stopErr == nil {
		stopErr = errors.Wrap(err, "release watcher pool")
	}
	s.logger.Infow("Watchers stopped")
	return stopErr
}
