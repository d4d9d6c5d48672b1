package verify

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher hot-reloads a FormatVerifier's rule file when it changes on
// disk. Reload failures keep the previous rule set.
type Watcher struct {
	path     string
	verifier *FormatVerifier
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	done     chan struct{}
}

const reloadDebounce = 200 * time.Millisecond

// NewWatcher starts watching the rules file. The file's directory is
// watched so editors that replace the file atomically are still seen.
func NewWatcher(path string, verifier *FormatVerifier, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:     path,
		verifier: verifier,
		watcher:  fw,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Rules watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	rules, err := LoadRules(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Failed to reload format rules, keeping previous set")
		return
	}
	if err := w.verifier.SetRules(rules); err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Rejected reloaded format rules, keeping previous set")
		return
	}
	w.logger.Info().Str("path", w.path).Int("rules", len(rules)).Msg("Format rules reloaded")
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
