package restart

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches a burst of file writes into one restart decision.
const watchDebounce = 2 * time.Second

// ignoredDirs never get watched.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"vendor":       true,
	"__pycache__":  true,
}

// Watcher monitors the workspace source tree for .go changes and asks the
// Restarter for a restart when they settle.
type Watcher struct {
	restarter *Restarter
	root      string
	fsw       *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]fsnotify.Op
}

func NewWatcher(restarter *Restarter, root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		restarter: restarter,
		root:      root,
		fsw:       fsw,
		pending:   make(map[string]fsnotify.Op),
	}, nil
}

// Start begins watching. Call Stop to clean up.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addDirRecursive(w.root); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	slog.Info("source watcher started", "root", w.root)
	return nil
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.fsw.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) addDirRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if ignoredDirs[info.Name()] {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("source watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	if !strings.HasSuffix(path, ".go") && filepath.Base(path) != "go.mod" {
		// New directory under the workspace gets watched too.
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(path); err == nil && info.IsDir() && !ignoredDirs[filepath.Base(path)] {
				_ = w.addDirRecursive(path)
			}
		}
		return
	}
	if strings.HasSuffix(path, "_test.go") {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) {
		return
	}

	w.schedule(path, event.Op)
}

// schedule debounces change events; each new event resets the timer.
func (w *Watcher) schedule(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = op

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	files := make([]string, 0, len(batch))
	for path := range batch {
		if rel, err := filepath.Rel(w.root, path); err == nil {
			files = append(files, rel)
		} else {
			files = append(files, path)
		}
	}
	slog.Info("source change detected", "files", files)
	w.restarter.Schedule(context.Background(), "source files changed: "+strings.Join(files, ", "))
}
