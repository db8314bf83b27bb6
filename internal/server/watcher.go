package server

import (
	"log"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// reloadQuietPeriod coalesces the burst of events editors produce on save.
const reloadQuietPeriod = 100 * time.Millisecond

// Watcher reloads the wizard configuration when wizard.yaml or a step
// bundle in the watched directory changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	onReload func(filePath string) error
	debounce func(func())
	done     chan struct{}
	debug    bool
}

// NewWatcher creates a watcher for dir. Subdirectories are not watched;
// bundles are expected next to the config file or referenced by path.
func NewWatcher(dir string, onReload func(string) error, debug bool) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	if debug {
		log.Printf("[Watch] Added directory: %s", dir)
	}

	return &Watcher{
		watcher:  fsWatcher,
		dir:      dir,
		onReload: onReload,
		debounce: debounce.New(reloadQuietPeriod),
		done:     make(chan struct{}),
		debug:    debug,
	}, nil
}

// watched reports whether a change to name should trigger a reload.
func watched(name string) bool {
	base := filepath.Base(name)
	if base == "wizard.yaml" || base == "wizard.yml" {
		return true
	}
	return filepath.Ext(base) == ".wasm"
}

// Start begins watching for changes.
func (w *Watcher) Start() {
	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if !watched(event.Name) {
					continue
				}

				relPath, err := filepath.Rel(w.dir, event.Name)
				if err != nil {
					relPath = event.Name
				}
				if w.debug {
					log.Printf("[Watch] File changed: %s", relPath)
				}
				w.debounce(func() {
					if err := w.onReload(relPath); err != nil {
						log.Printf("[Watch] Reload failed for %s: %v", relPath, err)
					}
				})

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Watch] Error: %v", err)

			case <-w.done:
				return
			}
		}
	}()
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}
