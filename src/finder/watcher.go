package finder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/danmuck/modsync/src/module"
	logs "github.com/danmuck/smplog"
)

const defaultDebounce = 200 * time.Millisecond

// WatcherConfig describes which deploy directories to follow.
type WatcherConfig struct {
	Dirs     map[module.Type]string
	Debounce time.Duration

	// OnRegistered is called after a module file has been scanned and
	// registered. It runs on a timer goroutine.
	OnRegistered func(fileName string, t module.Type)
}

// Watcher keeps a Registry in line with the JARs present in the deploy
// directories: files that appear or change are scanned and registered,
// files that disappear are unregistered.
type Watcher struct {
	registry *Registry
	cfg      WatcherConfig
	fsw      *fsnotify.Watcher
	dirs     map[string]module.Type
	debounce time.Duration
	started  atomic.Bool
	scanned  atomic.Bool

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewWatcher(registry *Registry, cfg WatcherConfig) (*Watcher, error) {
	if registry == nil {
		return nil, errors.New("finder: nil registry")
	}
	if len(cfg.Dirs) == 0 {
		return nil, errors.New("finder: no deploy directories to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("finder: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		registry: registry,
		cfg:      cfg,
		fsw:      fsw,
		dirs:     make(map[string]module.Type, len(cfg.Dirs)),
		debounce: cfg.Debounce,
		timers:   make(map[string]*time.Timer),
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}

	for t, dir := range cfg.Dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("finder: resolve %s: %w", dir, err)
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		if err := fsw.Add(abs); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("finder: watch %s: %w", abs, err)
		}
		w.dirs[abs] = t
	}
	return w, nil
}

// Scan registers the module files already present. Run calls it unless it
// has been called before.
func (w *Watcher) Scan() {
	if !w.scanned.CompareAndSwap(false, true) {
		return
	}
	for dir, t := range w.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logs.Warnf("finder: read %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() && isModuleFile(entry.Name()) {
				w.load(filepath.Join(dir, entry.Name()), t)
			}
		}
	}
}

// Run follows changes to the deploy directories until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("finder: Run called more than once")
	}
	defer func() {
		w.stopTimers()
		if err := w.fsw.Close(); err != nil {
			logs.Warnf("finder: close fsnotify: %v", err)
		}
	}()

	w.Scan()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("finder: fsnotify event channel closed unexpectedly")
			}
			w.handle(evt)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("finder: fsnotify error channel closed unexpectedly")
			}
			logs.Warnf("finder: fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) handle(evt fsnotify.Event) {
	if !isModuleFile(evt.Name) {
		return
	}
	t, ok := w.dirs[filepath.Dir(evt.Name)]
	if !ok {
		return
	}

	switch {
	case evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename):
		w.cancel(evt.Name)
		if w.registry.Unregister(t, filepath.Base(evt.Name)) {
			logs.Infof("finder: unloaded %s", evt.Name)
		}
	case evt.Has(fsnotify.Create) || evt.Has(fsnotify.Write):
		w.schedule(evt.Name, t)
	}
}

// schedule coalesces bursts of writes to one file into a single load.
func (w *Watcher) schedule(p string, t module.Type) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[p]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[p] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, p)
		w.mu.Unlock()
		w.load(p, t)
	})
}

func (w *Watcher) cancel(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[p]; ok {
		timer.Stop()
		delete(w.timers, p)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, timer := range w.timers {
		timer.Stop()
		delete(w.timers, p)
	}
}

func (w *Watcher) load(p string, t module.Type) {
	m, err := ScanJar(p, t)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logs.Warnf("finder: %v", err)
		}
		return
	}
	w.registry.Register(m)
	logs.Infof("finder: loaded %s (%d classes)", p, len(m.Classes))
	if w.cfg.OnRegistered != nil {
		w.cfg.OnRegistered(m.FileName, t)
	}
}
