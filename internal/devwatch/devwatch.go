// Package devwatch watches source trees in development mode and reports
// settled batches of changes.
package devwatch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 300 * time.Millisecond

// alwaysIgnored directory names are never watched.
var alwaysIgnored = []string{".git", "node_modules"}

// Config selects what to watch.
type Config struct {
	Paths    []string      `mapstructure:"watch"`
	Ignore   []string      `mapstructure:"ignore"` // globs matched against base names and paths relative to the watched root
	Debounce time.Duration `mapstructure:"debounce"`
}

// Watcher turns file system events into debounced change batches.
type Watcher struct {
	cfg   Config
	roots []string
	fw    *fsnotify.Watcher
	log   *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("devwatch: no paths to watch")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{cfg: cfg, fw: fw, log: log.With("component", "devwatch")}
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fw.Close()
			return nil, err
		}
		w.roots = append(w.roots, abs)
		if err := w.addTree(abs); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, name := range alwaysIgnored {
		if base == name {
			return true
		}
	}
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			for _, name := range alwaysIgnored {
				if part == name {
					return true
				}
			}
		}
		for _, g := range w.cfg.Ignore {
			if ok, _ := filepath.Match(g, rel); ok {
				return true
			}
		}
	}
	for _, g := range w.cfg.Ignore {
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
	}
	return false
}

// Run delivers batches of changed paths to fire until ctx is done. A batch
// is delivered once no event has arrived for the debounce interval. fire is
// called from Run's goroutine.
func (w *Watcher) Run(ctx context.Context, fire func(changed []string)) error {
	defer func() { _ = w.fw.Close() }()

	pending := map[string]struct{}{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.log.Warn("watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.cfg.Debounce)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = map[string]struct{}{}
			w.log.Info("source changed", "files", len(changed), "first", changed[0])
			fire(changed)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	return !w.ignored(ev.Name)
}
