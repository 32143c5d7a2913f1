// Package index turns raw adapter listings into the normalized manifests the
// diff engine compares.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/splitsync/internal/store"
	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultExtensions is the image set recognized when none is configured.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff"}

// files that never belong to a dataset, in gitignore syntax
var defaultIgnoreLines = []string{
	"**/*syftconflict*",
	"**/*syftrejected*",
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"Icon",
	"*.tmp",
	"*.part",
	"*.crdownload",
	"__MACOSX/",
	".ipynb_checkpoints/",
}

// Retrier runs op until it succeeds or the retry policy gives up, returning the
// number of attempts made.
type Retrier interface {
	Do(ctx context.Context, op func(ctx context.Context) error) (int, error)
}

type Options struct {
	// Extensions restricts indexed files by extension, case-insensitively. An
	// empty list accepts every extension.
	Extensions []string
	// Exclude holds doublestar globs matched against names.
	Exclude []string
	// Ignore holds extra gitignore lines added to the built-in list.
	Ignore []string
}

// Result is one normalized listing.
type Result struct {
	Manifest store.Manifest
	Warnings []string
	// Excluded counts entries filtered out by extension or ignore rules.
	Excluded int
	Attempts int
}

type Indexer struct {
	extensions mapset.Set[string]
	exclude    []string
	ignore     *gitignore.GitIgnore
	retrier    Retrier
	logger     *slog.Logger
}

// New validates the options. retrier may be nil, in which case listings are
// attempted once.
func New(opts Options, retrier Retrier, logger *slog.Logger) (*Indexer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	extensions := mapset.NewThreadUnsafeSet[string]()
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions.Add(ext)
	}

	for _, pattern := range opts.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	lines := append(append([]string{}, defaultIgnoreLines...), opts.Ignore...)

	return &Indexer{
		extensions: extensions,
		exclude:    opts.Exclude,
		ignore:     gitignore.CompileIgnoreLines(lines...),
		retrier:    retrier,
		logger:     logger,
	}, nil
}

// Index lists one split of one store and normalizes the entries. Only the
// listing itself can fail; bad entries are dropped with a warning.
func (ix *Indexer) Index(ctx context.Context, adapter store.Adapter, split store.SplitID) (*Result, error) {
	var raw store.Manifest
	list := func(ctx context.Context) error {
		m, err := adapter.List(ctx, split)
		if err != nil {
			return err
		}
		raw = m
		return nil
	}

	attempts := 1
	var err error
	if ix.retrier != nil {
		attempts, err = ix.retrier.Do(ctx, list)
	} else {
		err = list(ctx)
	}
	if err != nil {
		return nil, store.Wrap(err, adapter.ID(), "list", split, "")
	}

	names := raw.Names()
	sort.Strings(names)

	res := &Result{Manifest: store.NewManifest(), Attempts: attempts}
	for _, name := range names {
		rec := raw[name]
		if !ix.Accepts(rec.Name) {
			res.Excluded++
			continue
		}
		if reason := ix.reject(rec); reason != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s %s/%s: %s, excluded", adapter.ID(), split, rec.Name, reason))
			continue
		}
		if err := res.Manifest.Add(rec); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s %s/%s: %v", adapter.ID(), split, rec.Name, err))
		}
	}

	ix.logger.Debug("indexed",
		"store", adapter.ID(),
		"split", split,
		"files", len(res.Manifest),
		"excluded", res.Excluded,
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// reject returns why an entry cannot be synced at all, or "".
func (ix *Indexer) reject(rec store.FileRecord) string {
	switch {
	case rec.Name == "" || store.CleanName(rec.Name) != rec.Name || strings.ContainsRune(rec.Name, 0):
		return "invalid name"
	case rec.Problem != "":
		return "unreadable metadata (" + rec.Problem + ")"
	case rec.Size <= 0:
		return "zero size"
	}
	return ""
}

// Accepts reports whether a clean name passes the extension and ignore filters.
func (ix *Indexer) Accepts(name string) bool {
	if ix.extensions.Cardinality() > 0 && !ix.extensions.Contains(strings.ToLower(path.Ext(name))) {
		return false
	}
	if ix.ignore.MatchesPath(name) {
		return false
	}
	for _, pattern := range ix.exclude {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return false
		}
	}
	return true
}
