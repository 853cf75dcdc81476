package logcall

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDebounce is the quiet period after the last change before a new run starts.
const DefaultWatchDebounce = 500 * time.Millisecond

// WatchStats tracks watcher activity.
type WatchStats struct {
	Events int
	Runs   int
	Errors int
}

// Watcher re-runs an Engine whenever Go source files of the project change.
type Watcher struct {
	engine      *Engine
	watcher     *fsnotify.Watcher
	debounceDur time.Duration
	// OnRun is invoked after every run, including the initial one.
	OnRun func(*RunSummary, error)

	mu          sync.Mutex
	debounceMap map[string]time.Time
	stats       WatchStats
}

// NewWatcher creates a Watcher for engine. Only the overlay and diff modes may be watched, since rewriting in place
// would change the watched files.
func NewWatcher(engine *Engine, debounce time.Duration) (*Watcher, error) {
	if engine.Config.Mode == ModeInPlace {
		return nil, errors.New("watch is not supported in inplace mode")
	} else if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		engine:      engine,
		watcher:     watcher,
		debounceDur: debounce,
		debounceMap: make(map[string]time.Time),
	}, nil
}

// Stats returns a snapshot of the watcher activity.
func (w *Watcher) Stats() WatchStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run performs an initial run then watches the project until ctx is done. The file watcher is closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			w.logger().Warn("file watcher close failure", zap.Error(err))
		}
	}()

	w.runEngine(ctx) // prepares the config, resolving the project and overlay directories
	if !w.engine.Config.prepared {
		return errors.New("engine config could not be prepared")
	}
	if err := w.addDirs(w.engine.Config.AbsProjDir); err != nil {
		return err
	}

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("file watcher event channel closed")
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("file watcher error channel closed")
			}
			w.logger().Warn("file watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-debounceTicker.C:
			if w.settled() {
				w.runEngine(ctx)
			}
		}
	}
}

func (w *Watcher) logger() *zap.Logger {
	return w.engine.Logger
}

// addDirs watches root and every source directory beneath it. Generated and hidden directories are skipped.
func (w *Watcher) addDirs(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // removed while walking
			}
			return err
		} else if !d.IsDir() {
			return nil
		} else if path != w.engine.Config.AbsProjDir && (w.ignoredDir(path) || skipSourceDir(d.Name())) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// ignoredDir reports directories holding generated output.
func (w *Watcher) ignoredDir(path string) bool {
	overlayDir := w.engine.Config.OverlayDir
	if overlayDir == "" {
		return false
	}
	within, err := fileWithinDir(path, overlayDir)
	return err == nil && within
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.ignoredDir(filepath.Dir(event.Name)) {
		return
	} else if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirs(event.Name); err != nil {
				w.logger().Warn("failed to watch new directory", zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}
	if !strings.HasSuffix(event.Name, ".go") ||
		event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return // ignore chmod and non source files
	}
	w.logger().Debug("source change", zap.String("file", event.Name), zap.String("op", event.Op.String()))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Events++
	w.debounceMap[event.Name] = time.Now()
}

// settled reports if changes are pending and none arrived within the debounce window. Settled changes are cleared.
func (w *Watcher) settled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.debounceMap) == 0 {
		return false
	}
	now := time.Now()
	for _, eventTime := range w.debounceMap {
		if now.Sub(eventTime) < w.debounceDur {
			return false
		}
	}
	clear(w.debounceMap)
	return true
}

func (w *Watcher) runEngine(ctx context.Context) {
	summary, err := w.engine.Run(ctx)
	w.mu.Lock()
	w.stats.Runs++
	if err != nil && !errors.Is(err, ErrInspect) {
		w.stats.Errors++
	}
	w.mu.Unlock()

	if errors.Is(err, ErrInspect) {
		w.logger().Info("debug output shown, no files written", zap.Error(err))
	} else if err != nil {
		w.logger().Error("rewrite failed", zap.Error(err))
	}
	if w.OnRun != nil {
		w.OnRun(summary, err)
	}
}
