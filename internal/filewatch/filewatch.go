// Package filewatch watches the configuration file and child-process
// socket paths for changes, publishing bus events when they appear or
// change (spec §2, §4.11).
package filewatch

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/jdrupes-project/vm-runner/internal/bus"
)

// Watcher wraps an fsnotify.Watcher and republishes its events onto the
// bus as FileEvent payloads, keyed by the bus event types the spec names:
// EventFileChanged for content modifications, EventFileCreated for paths
// that didn't exist before.
type Watcher struct {
	log *slog.Logger
	b   *bus.Bus
	fsw *fsnotify.Watcher

	known map[string]bool
}

// New creates a Watcher. Call Add for each path to watch, then Run in its
// own goroutine.
func New(log *slog.Logger, b *bus.Bus) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatch: create watcher: %w", err)
	}
	return &Watcher{log: log, b: b, fsw: fsw, known: make(map[string]bool)}, nil
}

// Add starts watching path. For a path that does not yet exist (e.g. an
// agent socket not yet created by QEMU), the parent directory is watched
// instead so the eventual create is observed.
func (w *Watcher) Add(path string) error {
	target := path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		target = parentDir(path)
	}
	if err := w.fsw.Add(target); err != nil {
		return fmt.Errorf("filewatch: watch %s: %w", target, err)
	}
	w.known[path] = pathExists(path)
	return nil
}

// Run drains fsnotify events until ctx-like stop is requested by closing
// the underlying watcher, or forever otherwise. It must run in its own
// goroutine; it hands events to the bus with FireAsync since it runs off
// the bus dispatch goroutine.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("filewatch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	path := ev.Name
	if _, tracked := w.known[path]; !tracked {
		return
	}

	switch {
	case ev.Op&(fsnotify.Create) != 0:
		w.known[path] = true
		w.b.FireAsync(bus.Event{Type: bus.EventFileCreated, Pipeline: "filewatch", Payload: bus.FileEvent{Path: path}})
	case ev.Op&(fsnotify.Write) != 0:
		w.b.FireAsync(bus.Event{Type: bus.EventFileChanged, Pipeline: "filewatch", Payload: bus.FileEvent{Path: path}})
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
