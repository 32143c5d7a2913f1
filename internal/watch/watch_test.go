package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openmined/splitsync/internal/store"
	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvent struct {
	path string
}

func (e fakeEvent) Event() notify.Event { return notify.Write }
func (e fakeEvent) Path() string        { return e.path }
func (e fakeEvent) Sys() interface{}    { return nil }

func TestSplitFilter(t *testing.T) {
	accept := func(name string) bool { return filepath.Ext(name) == ".jpg" }
	f := SplitFilter([]store.SplitID{store.Train, store.Valid}, accept)

	assert.True(t, f("train/a.jpg"))
	assert.True(t, f("valid/night/b.jpg"))
	assert.False(t, f("test/a.jpg"))
	assert.False(t, f("train/notes.txt"))
	assert.False(t, f("train"))
	assert.False(t, f(".splitsync/history.db"))

	assert.True(t, SplitFilter(store.AllSplits, nil)("test/anything"))
}

func TestLoopDebouncesAndIgnoresOwnWrites(t *testing.T) {
	root := "/data/cats"
	w := New(root, Options{
		Debounce: 20 * time.Millisecond,
		Filter:   SplitFilter(store.AllSplits, nil),
	}, nil)

	raw := make(chan notify.EventInfo, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	runs := 0
	fn := func(ctx context.Context) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		runs++
		switch runs {
		case 1:
			// the first run downloads a file, producing events for it
			raw <- fakeEvent{filepath.Join(root, "train", "downloaded.jpg")}
			raw <- fakeEvent{filepath.Join(root, "train", "downloaded.jpg")}
			return []string{filepath.Join(root, "train", "downloaded.jpg")}, nil
		case 2:
			cancel()
		}
		return nil, nil
	}

	done := make(chan error, 1)
	go func() { done <- w.loop(ctx, raw, fn) }()

	// own writes alone never trigger a run
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()

	// a burst of user changes triggers exactly one more run
	raw <- fakeEvent{filepath.Join(root, "valid", "new.jpg")}
	raw <- fakeEvent{filepath.Join(root, "valid", "new2.jpg")}
	raw <- fakeEvent{filepath.Join(root, ".splitsync", "splitsync.lock")}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch loop did not stop")
	}
	assert.Equal(t, 2, runs)
}

func TestWaitCollectsDistinctPaths(t *testing.T) {
	w := New("/root", Options{Debounce: 10 * time.Millisecond}, nil)
	raw := make(chan notify.EventInfo, 8)
	raw <- fakeEvent{"/root/train/a.jpg"}
	raw <- fakeEvent{"/root/train/a.jpg"}
	raw <- fakeEvent{"/root/valid/b.jpg"}
	raw <- fakeEvent{"/elsewhere/c.jpg"}

	changed, ok := w.wait(context.Background(), raw)
	require.True(t, ok)
	assert.Equal(t, []string{"train/a.jpg", "valid/b.jpg"}, changed)

	close(raw)
	_, ok = w.wait(context.Background(), raw)
	assert.False(t, ok)
}

func TestIgnoreExpires(t *testing.T) {
	w := New("/root", Options{}, nil)
	w.ignoreTimeout = 10 * time.Millisecond
	w.ignorePaths([]string{"/root/train/a.jpg"})

	assert.True(t, w.ignored("/root/train/a.jpg"))
	assert.True(t, w.ignored("/root/train/a.jpg"), "entries survive repeated events")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, w.ignored("/root/train/a.jpg"))
}

func TestRunWatchesFilesystem(t *testing.T) {
	// tmp dirs can be symlinks (macOS), notify reports resolved paths
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "train"), 0o755))

	w := New(root, Options{Debounce: 50 * time.Millisecond, Filter: SplitFilter(store.AllSplits, nil)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runs := make(chan int, 4)
	n := 0
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(ctx context.Context) ([]string, error) {
			n++
			runs <- n
			if n == 2 {
				cancel()
			}
			return nil, nil
		})
	}()

	require.Equal(t, 1, <-runs)
	// give the watch a moment to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "train", "a.jpg"), []byte("x"), 0o644))

	select {
	case got := <-runs:
		assert.Equal(t, 2, got)
	case <-time.After(3 * time.Second):
		t.Fatal("no run after a file change")
	}
	require.NoError(t, <-done)
}
