package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"patchvec/internal/logging"
)

// Watcher re-reads the tenants file when it changes on disk so API keys and
// tenant caps can rotate without a restart. Only the tenants file is watched;
// the base config requires a restart by design.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Config)
	logger   *slog.Logger
}

// WatchTenants starts watching the tenants file referenced by the given
// config. Returns nil (and no error) when no tenants file is configured.
// onChange receives the freshly re-merged configuration.
func WatchTenants(ctx context.Context, configPath string, cfg *Config, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	tenantsFile := cfg.GetPath("auth.tenants_file", "")
	if tenantsFile == "" {
		return nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and config management tools typically
	// replace the file via rename, which drops a watch on the file itself.
	if err := fw.Add(filepath.Dir(tenantsFile)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		path:     tenantsFile,
		onChange: onChange,
		logger:   logging.Default(logger).With("component", "config-watcher"),
	}
	go w.run(ctx, configPath)
	return w, nil
}

func (w *Watcher) run(ctx context.Context, configPath string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			fresh, err := Load(configPath)
			if err != nil {
				w.logger.Warn("tenants file changed but reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("tenants file reloaded", "path", w.path)
			w.onChange(fresh)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("tenants file watch error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	return w.watcher.Close()
}
