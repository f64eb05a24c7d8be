// Package watch re-runs a handler for files created or modified under a
// directory tree.
package watch

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

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 300 * time.Millisecond

// Handler is called once per settled file change. Errors are logged and do
// not stop the watcher.
type Handler func(ctx context.Context, path string) error

type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

func WithLogger(l *log.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithIgnore skips events under the given directories, typically the output
// directory when it lives inside the watched tree.
func WithIgnore(dirs ...string) Option {
	return func(w *Watcher) {
		for _, d := range dirs {
			if abs, err := filepath.Abs(d); err == nil {
				w.ignore = append(w.ignore, abs)
			}
		}
	}
}

type Watcher struct {
	dir      string
	handle   Handler
	debounce time.Duration
	ignore   []string
	logger   *log.Logger

	fs *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	running sync.WaitGroup
}

func New(dir string, handle Handler, opts ...Option) (*Watcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("watch directory is required")
	}
	if handle == nil {
		return nil, errors.New("handler is required")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		dir:      dir,
		handle:   handle,
		debounce: DefaultDebounce,
		logger:   log.Default(),
		fs:       fsw,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is done. Handlers still running at that point are
// waited for.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	if err := w.addTree(w.dir); err != nil {
		return err
	}
	w.logger.Infof("watching dir=%s", w.dir)

	defer func() {
		w.mu.Lock()
		for name, t := range w.pending {
			if t.Stop() {
				w.running.Done()
			}
			delete(w.pending, name)
		}
		w.mu.Unlock()
		w.running.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if w.ignored(event.Name) || strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	if event.Has(fsnotify.Create) {
		if isDir(event.Name) {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warnf("watch new dir=%s: %v", event.Name, err)
			}
			return
		}
	}

	w.schedule(ctx, event.Name)
}

// schedule runs the handler once path has been quiet for the debounce
// window.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok && t.Stop() {
		w.running.Done()
	}

	w.running.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.running.Done()

		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		w.mu.Unlock()

		if err := w.handle(ctx, path); err != nil {
			w.logger.Errorf("handle path=%s: %v", path, err)
		}
	})
	w.pending[path] = t
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watch dir %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, dir := range w.ignore {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
