package config

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads the configuration file when it or anything under the
// configured resource directories changes. A reload that fails to load keeps
// the previous configuration.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config
	watched     map[string]bool
	roots       map[string]bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the watcher's logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long the watcher waits for events to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		logger:   slog.Default(),
		debounce: defaultDebounce,
		current:  cfg,
		watched:  make(map[string]bool),
		roots:    make(map[string]bool),
		watcher:  fsw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.add(filepath.Dir(absPath)); err != nil {
		cancel()
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	w.watchResources(cfg)

	go w.watchLoop(ctx)

	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel that receives every successfully reloaded
// configuration. A slow subscriber only sees the latest one.
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Close stops the watcher and cleans up resources.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			if event.Has(fsnotify.Create) {
				w.addIfDir(event.Name)
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				w.reload()
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}

	name := filepath.Clean(event.Name)
	if name == w.path {
		return true
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	for dir := range w.roots {
		if name == dir || strings.HasPrefix(name, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Error reloading config, keeping previous", "path", w.path, "error", err)
		return
	}
	w.watchResources(cfg)

	w.mu.Lock()
	w.current = cfg
	subscribers := make([]chan *Config, len(w.subscribers))
	copy(subscribers, w.subscribers)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", "path", w.path, "routes", len(cfg.Routes))

	for _, ch := range subscribers {
		// Replace a pending, unconsumed config with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}

// watchResources adds every directory below the configured mounts.
func (w *Watcher) watchResources(cfg *Config) {
	for _, m := range cfg.Resources {
		root := cfg.ResourceDir(m)
		w.mu.Lock()
		w.roots[root] = true
		w.mu.Unlock()
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return w.add(p)
			}
			return nil
		})
		if err != nil {
			w.logger.Warn("Cannot watch resource directory", "dir", root, "error", err)
		}
	}
}

func (w *Watcher) addIfDir(name string) {
	w.mu.RLock()
	parentWatched := w.watched[filepath.Dir(filepath.Clean(name))]
	w.mu.RUnlock()
	if !parentWatched {
		return
	}
	_ = filepath.WalkDir(name, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.add(p)
	})
}

func (w *Watcher) add(dir string) error {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	return nil
}
