// Package localfs implements the local dataset folder as a store.Adapter on top
// of a go-billy filesystem. Split folders live directly under the root.
package localfs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/splitsync/internal/store"
)

const (
	defaultHashCacheSize = 16384
	tempPrefix           = ".splitsync-"
)

// Adapter is the local filesystem backend.
type Adapter struct {
	fs     billy.Filesystem
	hashes *lru.Cache[string, string]
}

// New opens the dataset folder at root. The folder does not need to exist yet;
// it is created by the first push.
func New(root string) (*Adapter, error) {
	return NewWithFS(osfs.New(root))
}

// NewWithFS wraps an arbitrary billy filesystem, e.g. memfs in tests.
func NewWithFS(fs billy.Filesystem) (*Adapter, error) {
	hashes, err := lru.New[string, string](defaultHashCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}
	return &Adapter{fs: fs, hashes: hashes}, nil
}

func (a *Adapter) ID() store.StoreID {
	return store.Local
}

// Root returns the filesystem root, empty for non-OS filesystems.
func (a *Adapter) Root() string {
	return a.fs.Root()
}

func (a *Adapter) fsPath(split store.SplitID, name string) string {
	return a.fs.Join(string(split), filepath.FromSlash(name))
}

func (a *Adapter) List(ctx context.Context, split store.SplitID) (store.Manifest, error) {
	info, err := a.fs.Stat(string(split))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.NewError(store.KindNotFound, store.Local, "list", split, "", err)
		}
		return nil, store.Wrap(err, store.Local, "list", split, "")
	}
	if !info.IsDir() {
		return nil, store.NewError(store.KindNotFound, store.Local, "list", split, "", fmt.Errorf("%s is not a directory", split))
	}

	manifest := store.NewManifest()
	if err := a.walk(ctx, split, "", manifest); err != nil {
		return nil, store.Wrap(err, store.Local, "list", split, "")
	}
	return manifest, nil
}

func (a *Adapter) walk(ctx context.Context, split store.SplitID, rel string, manifest store.Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := a.fs.ReadDir(a.fsPath(split, rel))
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := path.Join(rel, entry.Name())

		if entry.IsDir() {
			if err := a.walk(ctx, split, name, manifest); err != nil {
				return err
			}
			continue
		}
		if !entry.Mode().IsRegular() {
			continue
		}

		rec := store.FileRecord{
			Name:    name,
			Size:    entry.Size(),
			ModTime: entry.ModTime(),
		}
		sum, err := a.fingerprint(split, name, entry)
		if err != nil {
			rec.Problem = err.Error()
		}
		rec.Fingerprint = sum

		if err := manifest.Add(rec); err != nil {
			return err
		}
	}
	return nil
}

// fingerprint returns the md5 of a file, reusing the cached value while size and
// modification time are unchanged.
func (a *Adapter) fingerprint(split store.SplitID, name string, info os.FileInfo) (string, error) {
	key := fmt.Sprintf("%s/%s|%d|%d", split, name, info.Size(), info.ModTime().UnixNano())
	if sum, ok := a.hashes.Get(key); ok {
		return sum, nil
	}

	f, err := a.fs.Open(a.fsPath(split, name))
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	a.hashes.Add(key, sum)
	return sum, nil
}

func (a *Adapter) Fetch(ctx context.Context, split store.SplitID, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Wrap(err, store.Local, "fetch", split, name)
	}
	f, err := a.fs.Open(a.fsPath(split, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.NewError(store.KindMissingObject, store.Local, "fetch", split, name, err)
		}
		return nil, store.Wrap(err, store.Local, "fetch", split, name)
	}
	return f, nil
}

// Push writes through a temp file in the destination folder and renames it into
// place, so readers never observe a partial file.
func (a *Adapter) Push(ctx context.Context, split store.SplitID, name string, r io.Reader, meta store.PushMetadata) error {
	if err := a.push(ctx, split, name, r, meta); err != nil {
		return store.Wrap(err, store.Local, "push", split, name)
	}
	return nil
}

func (a *Adapter) push(ctx context.Context, split store.SplitID, name string, r io.Reader, meta store.PushMetadata) error {
	dst := a.fsPath(split, name)
	dir := path.Dir(filepath.ToSlash(dst))
	if err := a.fs.MkdirAll(filepath.FromSlash(dir), 0o755); err != nil {
		return fmt.Errorf("create folder: %w", err)
	}

	tmp, err := a.fs.TempFile(filepath.FromSlash(dir), tempPrefix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = a.fs.Remove(tmpName) }

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return err
	}
	if meta.Size > 0 && n != meta.Size {
		cleanup()
		return store.NewError(store.KindUnavailable, store.Local, "push", split, name,
			fmt.Errorf("short transfer: wrote %d of %d bytes", n, meta.Size))
	}

	if err := a.fs.Rename(tmpName, dst); err != nil {
		// some filesystems refuse to rename over an existing file
		if rmErr := a.fs.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
			cleanup()
			return fmt.Errorf("replace %s: %w", name, err)
		}
		if err := a.fs.Rename(tmpName, dst); err != nil {
			cleanup()
			return fmt.Errorf("rename into place: %w", err)
		}
	}

	if !meta.ModTime.IsZero() {
		if ch, ok := a.fs.(billy.Change); ok {
			if err := ch.Chtimes(dst, meta.ModTime, meta.ModTime); err != nil {
				return fmt.Errorf("set modification time: %w", err)
			}
		}
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, split store.SplitID, name string) error {
	if err := ctx.Err(); err != nil {
		return store.Wrap(err, store.Local, "delete", split, name)
	}
	err := a.fs.Remove(a.fsPath(split, name))
	if err == nil || os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return store.Wrap(err, store.Local, "delete", split, name)
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ store.Adapter = (*Adapter)(nil)
