// Package watcher reports debounced batches of file system changes below a
// root directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var ErrAlreadyStarted = errors.New("watcher already started")

// EventType is the kind of change observed.
type EventType int

const (
	EventCreate EventType = iota + 1
	EventWrite
	EventRemove
	EventRename
	EventChmod
)

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventWrite:
		return "write"
	case EventRemove:
		return "remove"
	case EventRename:
		return "rename"
	case EventChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// Event is one observed change.
type Event struct {
	Type      EventType
	Path      string
	Timestamp time.Time
	IsDir     bool
}

// Config controls debouncing.
type Config struct {
	DebounceDelay    time.Duration
	MaxDebounceDelay time.Duration
	QueueCapacity    int
	// Skip reports directories that are not watched, by base name.
	Skip func(name string) bool
}

// DefaultConfig returns the watcher defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay:    250 * time.Millisecond,
		MaxDebounceDelay: 2 * time.Second,
		QueueCapacity:    16,
		Skip:             func(name string) bool { return name == ".git" },
	}
}

// Watcher watches a directory tree recursively with fsnotify.
type Watcher struct {
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	config    Config
	logger    *slog.Logger
	errors    chan error

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a watcher; Start begins delivering batches.
func New(config Config, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if config.Skip == nil {
		config.Skip = func(string) bool { return false }
	}
	w := &Watcher{
		fsw:       fsw,
		debouncer: NewDebouncer(config.DebounceDelay, config.MaxDebounceDelay, config.QueueCapacity),
		config:    config,
		logger:    slog.Default(),
		errors:    make(chan error, 10),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches root and every directory below it.
func (w *Watcher) Start(ctx context.Context, root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	if err := w.addRecursive(root); err != nil {
		return err
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.watchLoop(ctx)

	w.logger.Info("File watcher started", "root", root)
	return nil
}

// Batches returns debounced change batches.
func (w *Watcher) Batches() <-chan []Event { return w.debouncer.Events() }

// Errors returns errors reported by fsnotify.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	w.debouncer.Close()
	return err
}

func (w *Watcher) addRecursive(root string) error {
	if err := w.fsw.Add(root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("Failed to walk directory for watching", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if w.config.Skip(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("Failed to watch subdirectory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			ev, ok := w.convertEvent(event)
			if !ok {
				continue
			}
			if ev.Type == EventCreate && ev.IsDir {
				w.mu.Lock()
				if err := w.addRecursive(ev.Path); err != nil {
					w.logger.Warn("Failed to watch new directory", "path", ev.Path, "error", err)
				}
				w.mu.Unlock()
			}
			w.debouncer.Add(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				w.logger.Warn("Error channel full, dropping watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) convertEvent(event fsnotify.Event) (Event, bool) {
	var t EventType
	switch {
	case event.Has(fsnotify.Create):
		t = EventCreate
	case event.Has(fsnotify.Write):
		t = EventWrite
	case event.Has(fsnotify.Remove):
		t = EventRemove
	case event.Has(fsnotify.Rename):
		t = EventRename
	case event.Has(fsnotify.Chmod):
		t = EventChmod
	default:
		return Event{}, false
	}
	if w.config.Skip(filepath.Base(event.Name)) {
		return Event{}, false
	}

	ev := Event{Type: t, Path: event.Name, Timestamp: time.Now()}
	if t == EventCreate {
		if info, err := os.Lstat(event.Name); err == nil {
			ev.IsDir = info.IsDir()
		}
	}
	return ev, true
}
