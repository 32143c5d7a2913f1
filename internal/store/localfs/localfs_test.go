package localfs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/openmined/splitsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, root, rel, data string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
}

func TestListWalksSplitFolder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "train/a.jpg", "aaa")
	writeFile(t, root, "train/night/b.jpg", "bb")
	writeFile(t, root, "train/.hidden.jpg", "h")
	writeFile(t, root, "train/.cache/c.jpg", "c")
	writeFile(t, root, "valid/d.jpg", "d")

	a, err := New(root)
	require.NoError(t, err)

	m, err := a.List(context.Background(), store.Train)
	require.NoError(t, err)
	require.Len(t, m, 2)
	assert.Equal(t, int64(3), m["a.jpg"].Size)
	assert.Equal(t, md5hex("aaa"), m["a.jpg"].Fingerprint)
	assert.Equal(t, md5hex("bb"), m["night/b.jpg"].Fingerprint)
	assert.False(t, m["a.jpg"].ModTime.IsZero())
}

func TestListMissingSplit(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = a.List(context.Background(), store.Test)
	require.Error(t, err)
	assert.Equal(t, store.KindNotFound, store.KindOf(err))
}

func TestFingerprintCacheInvalidatesOnChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "train/a.jpg", "one")
	a, err := New(root)
	require.NoError(t, err)

	m, err := a.List(context.Background(), store.Train)
	require.NoError(t, err)
	assert.Equal(t, md5hex("one"), m["a.jpg"].Fingerprint)

	writeFile(t, root, "train/a.jpg", "three")
	m, err = a.List(context.Background(), store.Train)
	require.NoError(t, err)
	assert.Equal(t, md5hex("three"), m["a.jpg"].Fingerprint)
}

func TestPushIsAtomicAndOverwrites(t *testing.T) {
	root := t.TempDir()
	a, err := New(root)
	require.NoError(t, err)
	ctx := context.Background()
	mtime := time.Date(2023, 11, 5, 8, 0, 0, 0, time.UTC)

	require.NoError(t, a.Push(ctx, store.Valid, "sub/x.jpg", strings.NewReader("first"), store.PushMetadata{Size: 5, ModTime: mtime}))
	require.NoError(t, a.Push(ctx, store.Valid, "sub/x.jpg", strings.NewReader("second"), store.PushMetadata{Size: 6, ModTime: mtime}))

	data, err := os.ReadFile(filepath.Join(root, "valid", "sub", "x.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "valid", "sub"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestPushShortTransfer(t *testing.T) {
	root := t.TempDir()
	a, err := New(root)
	require.NoError(t, err)

	err = a.Push(context.Background(), store.Train, "x.jpg", strings.NewReader("abc"), store.PushMetadata{Size: 10})
	require.Error(t, err)
	assert.Equal(t, store.KindUnavailable, store.KindOf(err))
	assert.NoFileExists(t, filepath.Join(root, "train", "x.jpg"))
}

func TestFetchAndDelete(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "test/a.jpg", "payload")
	a, err := New(root)
	require.NoError(t, err)
	ctx := context.Background()

	rc, err := a.Fetch(ctx, store.Test, "a.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, a.Delete(ctx, store.Test, "a.jpg"))
	require.NoError(t, a.Delete(ctx, store.Test, "a.jpg"))

	_, err = a.Fetch(ctx, store.Test, "a.jpg")
	require.Error(t, err)
	assert.Equal(t, store.KindMissingObject, store.KindOf(err))
}

func TestMemoryFilesystem(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "train/a.png", []byte("png"), 0o644))
	a, err := NewWithFS(fs)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Push(ctx, store.Train, "deep/b.png", strings.NewReader("bb"), store.PushMetadata{Size: 2}))

	m, err := a.List(ctx, store.Train)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.png", "deep/b.png"}, m.Names())
	assert.Equal(t, md5hex("bb"), m["deep/b.png"].Fingerprint)
}
