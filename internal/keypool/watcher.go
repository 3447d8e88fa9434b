package keypool

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher emits a reload trigger whenever the credential file changes on
// disk. The parent directory is watched rather than the file itself so that
// atomic rewrites (write-then-rename) are still observed.
type Watcher struct {
	fw     *fsnotify.Watcher
	file   string
	Events chan struct{}
}

// NewWatcher starts watching the directory containing the credential file.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %q: %w", dir, err)
	}

	w := &Watcher{
		fw:     fw,
		file:   filepath.Clean(path),
		Events: make(chan struct{}, 1),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.Events)
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			slog.Debug("credential file changed", "op", event.Op.String())
			// Coalesce bursts; a pending trigger already covers this change.
			select {
			case w.Events <- struct{}{}:
			default:
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("credential watcher error", "err", err)
		}
	}
}

// Close stops the watcher and closes the Events channel.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
