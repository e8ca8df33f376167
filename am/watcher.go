package am

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kulturgut/ingest/errors"
)

// ChangeCallback is called once per debounced burst of changes with the
// distinct paths that changed.
type ChangeCallback func(changed []string)

// CatalogWatcher watches the catalog directories for template, target and
// mapping edits so the daemon can reconcile its watchers.
type CatalogWatcher struct {
	watcher        *fsnotify.Watcher
	callbacks      []ChangeCallback
	mu             sync.Mutex
	pending        map[string]struct{}
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	logger         *zap.SugaredLogger
	started        bool
	done           chan struct{}
}

// NewCatalogWatcher watches each directory (non-recursively)
func NewCatalogWatcher(dirs []string, logger *zap.SugaredLogger) (*CatalogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "failed to watch %s", dir)
		}
	}

	return &CatalogWatcher{
		watcher:        watcher,
		pending:        make(map[string]struct{}),
		debouncePeriod: 500 * time.Millisecond,
		logger:         logger,
		done:           make(chan struct{}),
	}, nil
}

// OnChange registers a callback
func (cw *CatalogWatcher) OnChange(callback ChangeCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start begins watching for changes
func (cw *CatalogWatcher) Start() {
	cw.mu.Lock()
	cw.started = true
	cw.mu.Unlock()
	go cw.watchLoop()
}

func (cw *CatalogWatcher) watchLoop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if isEditorTempFile(event.Name) {
				continue
			}
			cw.logger.Debugw("Catalog change detected",
				"file", event.Name,
				"op", event.Op.String())
			cw.schedule(event.Name)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Catalog watcher error", "error", err)
		}
	}
}

// schedule debounces rapid edits (editors write, rename and chmod in bursts)
func (cw *CatalogWatcher) schedule(path string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.pending[path] = struct{}{}
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, cw.fire)
}

func (cw *CatalogWatcher) fire() {
	cw.mu.Lock()
	changed := make([]string, 0, len(cw.pending))
	for p := range cw.pending {
		changed = append(changed, p)
	}
	cw.pending = make(map[string]struct{})
	callbacks := make([]ChangeCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	for _, callback := range callbacks {
		callback(changed)
	}
}

// Stop stops watching and waits for the event loop to exit
func (cw *CatalogWatcher) Stop() error {
	cw.mu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	started := cw.started
	cw.mu.Unlock()
	err := cw.watcher.Close()
	if started {
		<-cw.done
	}
	return err
}

func isEditorTempFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".tmp")
}
