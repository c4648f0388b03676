// Package watch signals when an activity source changes on disk.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher calls OnChange whenever one of the watched files, or a sidecar
// sharing its name prefix such as a SQLite "-wal" file, is written, created,
// removed or renamed. Bursts are not coalesced; callers throttle.
type Watcher struct {
	files    []string
	onChange func(path string)
	log      zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func New(files []string, onChange func(path string), log zerolog.Logger) *Watcher {
	var clean []string
	for _, f := range files {
		if strings.TrimSpace(f) != "" {
			clean = append(clean, filepath.Clean(f))
		}
	}
	return &Watcher{
		files:    clean,
		onChange: onChange,
		log:      log.With().Str("component", "watch").Logger(),
	}
}

// Start watches the parent directories of the files until ctx is done or
// Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	w.watcher = watcher
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	dirs := make(map[string]bool)
	for _, f := range w.files {
		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}
	w.log.Info().Strs("files", w.files).Msg("watching activity source")

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				path, ok := w.match(event.Name)
				if !ok {
					continue
				}
				w.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("source changed")
				if w.onChange != nil {
					w.onChange(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn().Err(err).Msg("watcher error")
			}
		}
	}()
	return nil
}

// match maps an event path to the watched file it belongs to.
func (w *Watcher) match(name string) (string, bool) {
	name = filepath.Clean(name)
	for _, f := range w.files {
		if filepath.Dir(name) != filepath.Dir(f) {
			continue
		}
		if strings.HasPrefix(filepath.Base(name), filepath.Base(f)) {
			return f, true
		}
	}
	return "", false
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// Wait blocks until the event loop has exited.
func (w *Watcher) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}
