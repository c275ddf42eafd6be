package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ProviderWatcher reloads the provider catalog when providers.json changes.
// A file that fails to parse leaves the previous catalog in place.
type ProviderWatcher struct {
	path     string
	catalog  *Catalog
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	debounce time.Duration
	onReload func(count int)
}

// NewProviderWatcher creates a watcher for path feeding catalog.
func NewProviderWatcher(path string, catalog *Catalog) (*ProviderWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ProviderWatcher{
		path:     filepath.Clean(path),
		catalog:  catalog,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}, nil
}

// OnReload registers a callback invoked after a successful reload.
func (pw *ProviderWatcher) OnReload(fn func(count int)) {
	pw.onReload = fn
}

// Start watches the directory containing providers.json. Watching the
// directory catches editors that replace the file via rename.
func (pw *ProviderWatcher) Start() error {
	dir := filepath.Dir(pw.path)
	if err := pw.watcher.Add(dir); err != nil {
		return err
	}
	go pw.watchForChanges()
	log.Info().Str("path", pw.path).Msg("Watching provider catalog for changes")
	return nil
}

// Stop ends the watch loop. Safe to call more than once.
func (pw *ProviderWatcher) Stop() {
	pw.stopOnce.Do(func() {
		close(pw.stopChan)
		_ = pw.watcher.Close()
	})
}

func (pw *ProviderWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != pw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Wait for the writer to finish.
			time.Sleep(pw.debounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected provider catalog change")
			pw.Reload()

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Provider watcher error")

		case <-pw.stopChan:
			return
		}
	}
}

// Reload re-reads the file and swaps the catalog on success.
func (pw *ProviderWatcher) Reload() bool {
	providers, err := LoadProviders(pw.path)
	if err != nil {
		log.Warn().Err(err).Str("path", pw.path).Msg("Keeping previous provider catalog")
		return false
	}
	pw.catalog.Replace(providers)
	log.Info().Int("providers", len(providers)).Msg("Provider catalog reloaded")
	if pw.onReload != nil {
		pw.onReload(len(providers))
	}
	return true
}
