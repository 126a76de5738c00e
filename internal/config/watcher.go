package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific config files change.
// Used for hot-reload of classifier rules and the agent ban list without
// restarting the daemon. The running daemon sets these callbacks at startup.
type WatchTargets struct {
	// OnClassifierChange fires when classify.yaml is written or created.
	// Typically triggers classify.Classifier.Reload() to pick up new rules.
	OnClassifierChange func()

	// OnBanListChange fires when banned.yaml is written or created.
	// Typically triggers registry.BanList.Reload() to update the in-memory
	// banned agent set. This is what makes `sialockd ban` take effect
	// instantly — the CLI writes banned.yaml, the watcher fires, and the
	// daemon's ban list updates in memory.
	OnBanListChange func()
}

// Watcher monitors the sialockd config directory for file changes using
// fsnotify. It watches for modifications to classify.yaml and banned.yaml,
// firing the appropriate callback when a change is detected.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory.
// It watches for changes to classify.yaml and banned.yaml.
//
// The watcher immediately starts processing events in a background
// goroutine. Events are not debounced: every write or create event fires
// its callback, so a burst of writes can trigger several reloads.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the entire config directory. fsnotify will send events for
	// any file created, written, renamed, or removed in this directory.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// We only care about write and create events — not remove
			// or rename, which would indicate the file was deleted.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			switch name {
			case "classify.yaml":
				slog.Info("classify.yaml changed, triggering reload")
				if targets.OnClassifierChange != nil {
					targets.OnClassifierChange()
				}
			case "banned.yaml":
				slog.Info("banned.yaml changed, triggering reload")
				if targets.OnBanListChange != nil {
					targets.OnBanListChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
