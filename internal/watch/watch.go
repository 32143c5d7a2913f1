// Package watch re-runs a sync whenever the local dataset tree changes.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/splitsync/internal/store"
	"github.com/rjeczalik/notify"
)

const (
	DefaultDebounce = 3 * time.Second
	eventBufferSize = 256

	// how long paths written by a run keep their events suppressed
	defaultIgnoreTimeout = 10 * time.Second
)

// RunFunc performs one sync and returns the local paths it wrote itself.
type RunFunc func(ctx context.Context) ([]string, error)

// FilterFunc reports whether a change to the slash separated path, relative to
// the watched root, is relevant.
type FilterFunc func(rel string) bool

type Options struct {
	// Debounce is the quiet period after the last change before a run starts.
	Debounce time.Duration
	Filter   FilterFunc
}

type Watcher struct {
	root          string
	debounce      time.Duration
	filter        FilterFunc
	ignoreTimeout time.Duration
	ignore        map[string]time.Time
	logger        *slog.Logger
}

func New(root string, opts Options, logger *slog.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:          filepath.Clean(root),
		debounce:      opts.Debounce,
		filter:        opts.Filter,
		ignoreTimeout: defaultIgnoreTimeout,
		ignore:        make(map[string]time.Time),
		logger:        logger,
	}
}

// Run calls fn once and then again every time relevant files change, until ctx
// is done. Errors from fn are logged; the watcher keeps going.
func (w *Watcher) Run(ctx context.Context, fn RunFunc) error {
	raw := make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(filepath.Join(w.root, "..."), raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return err
	}
	defer notify.Stop(raw)

	w.logger.Info("watching for changes", "root", w.root, "debounce", w.debounce)
	return w.loop(ctx, raw, fn)
}

func (w *Watcher) loop(ctx context.Context, raw <-chan notify.EventInfo, fn RunFunc) error {
	for {
		written, err := fn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Error("sync run failed", "error", err)
		}
		w.ignorePaths(written)

		changed, ok := w.wait(ctx, raw)
		if !ok {
			return nil
		}
		w.logger.Info("changes detected", "files", len(changed), "first", changed[0])
	}
}

// wait collects relevant changes until the debounce period passes without a
// new one. It returns false when ctx ends or the event channel closes.
func (w *Watcher) wait(ctx context.Context, raw <-chan notify.EventInfo) ([]string, bool) {
	var (
		pending []string
		seen    = make(map[string]bool)
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case ev, ok := <-raw:
			if !ok {
				return nil, false
			}
			rel, relevant := w.relevant(ev.Path())
			if !relevant {
				continue
			}
			if !seen[rel] {
				seen[rel] = true
				pending = append(pending, rel)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-fire:
			return pending, true
		}
	}
}

func (w *Watcher) relevant(path string) (string, bool) {
	if w.ignored(path) {
		return "", false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if w.filter != nil && !w.filter(rel) {
		return "", false
	}
	return rel, true
}

func (w *Watcher) ignorePaths(paths []string) {
	now := time.Now()
	for path, expiry := range w.ignore {
		if now.After(expiry) {
			delete(w.ignore, path)
		}
	}
	for _, p := range paths {
		w.ignore[filepath.Clean(p)] = now.Add(w.ignoreTimeout)
	}
}

// ignored reports whether path was written by the last run. The entry stays
// until it expires since one write produces several events.
func (w *Watcher) ignored(path string) bool {
	expiry, ok := w.ignore[filepath.Clean(path)]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(w.ignore, filepath.Clean(path))
		return false
	}
	return true
}

// SplitFilter accepts changes inside the given split folders whose name passes
// accept. accept may be nil.
func SplitFilter(splits []store.SplitID, accept func(name string) bool) FilterFunc {
	allowed := make(map[string]bool, len(splits))
	for _, s := range splits {
		allowed[string(s)] = true
	}
	return func(rel string) bool {
		split, name, ok := strings.Cut(rel, "/")
		if !ok || !allowed[split] || name == "" {
			return false
		}
		return accept == nil || accept(name)
	}
}
