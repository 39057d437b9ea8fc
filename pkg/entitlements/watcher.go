package entitlements

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/entitle/pkg/policy"
)

// CatalogActor is recorded as the actor of catalog file reloads
const CatalogActor = "system:catalog-file"

// CatalogWatcher registers the modules declared in a catalog file and
// re-registers them whenever the file changes. A reload that fails to parse
// or would introduce a cycle is rejected whole and the previous catalog
// stays in effect.
type CatalogWatcher struct {
	path     string
	admin    *Admin
	debounce time.Duration
	options

	mu   sync.Mutex
	last []byte
}

// NewCatalogWatcher creates a watcher for path. Changes are applied once the
// file has been quiet for debounce.
func NewCatalogWatcher(path string, admin *Admin, debounce time.Duration, opts ...Option) *CatalogWatcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &CatalogWatcher{
		path:     path,
		admin:    admin,
		debounce: debounce,
		options:  buildOptions(opts),
	}
}

// Reload reads the file and registers its modules. Unchanged content is a
// no-op.
func (w *CatalogWatcher) Reload(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		err = fmt.Errorf("failed to read catalog file: %w", err)
		w.metrics.ObserveCatalogReload(err)
		return err
	}
	if w.last != nil && bytes.Equal(data, w.last) {
		return nil
	}

	mods, err := policy.ParseCatalogFile(data)
	if err != nil {
		w.metrics.ObserveCatalogReload(err)
		return err
	}

	catalog, err := w.admin.RegisterModules(ctx, CatalogActor, mods...)
	if err != nil && !errors.Is(err, ErrAuditAppend) {
		w.metrics.ObserveCatalogReload(err)
		return err
	}
	w.last = data
	w.metrics.ObserveCatalogReload(nil)

	w.logger.WithFields(map[string]interface{}{
		"path":    w.path,
		"modules": len(mods),
		"version": catalog.Version(),
	}).Info("module catalog loaded")
	return err
}

// Run watches the file's directory until ctx is done. Editors that replace
// the file by rename are handled because the directory, not the file, is
// watched.
func (w *CatalogWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	name := filepath.Clean(w.path)

	var timer clockwork.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = w.clock.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.Chan()

		case <-fire:
			fire = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.WithError(err).WithField("path", w.path).Error("catalog reload rejected, keeping previous catalog")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("catalog watcher error")
		}
	}
}
