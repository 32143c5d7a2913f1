// Package storetest provides an in-memory store.Adapter with fault injection for
// exercising the sync engine without real backends.
package storetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openmined/splitsync/internal/store"
)

const (
	OpList   = "list"
	OpFetch  = "fetch"
	OpPush   = "push"
	OpDelete = "delete"
)

type memFile struct {
	data    []byte
	modTime time.Time
}

type fault struct {
	kind      store.Kind
	remaining int // <0 fails forever
	names     map[string]bool
}

// Memory is a thread-safe in-memory adapter.
type Memory struct {
	id store.StoreID

	// NoFingerprint makes List omit checksums, like a document library that
	// only reports size and timestamps.
	NoFingerprint bool
	// StampPushes records the store clock on every push instead of the source
	// modification time, like a platform that reports its upload time.
	StampPushes bool

	mu      sync.Mutex
	files   map[store.SplitID]map[string]memFile
	missing map[store.SplitID]bool
	faults  map[string]*fault
	calls   map[string]int
	stalls  map[string]int
	now     func() time.Time
}

func NewMemory(id store.StoreID) *Memory {
	return &Memory{
		id:      id,
		files:   make(map[store.SplitID]map[string]memFile),
		missing: make(map[store.SplitID]bool),
		faults:  make(map[string]*fault),
		calls:   make(map[string]int),
		stalls:  make(map[string]int),
		now:     time.Now,
	}
}

func (m *Memory) ID() store.StoreID {
	return m.id
}

// Put seeds a file.
func (m *Memory) Put(split store.SplitID, name string, data string, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(split, name, []byte(data), modTime)
}

func (m *Memory) putLocked(split store.SplitID, name string, data []byte, modTime time.Time) {
	files, ok := m.files[split]
	if !ok {
		files = make(map[string]memFile)
		m.files[split] = files
	}
	files[name] = memFile{data: bytes.Clone(data), modTime: modTime}
	delete(m.missing, split)
}

// Get returns a file's content.
func (m *Memory) Get(split store.SplitID, name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[split][name]
	return string(f.data), ok
}

// Remove deletes a file behind the engine's back.
func (m *Memory) Remove(split store.SplitID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files[split], name)
}

// SetMissing makes List report the split as not found until something is pushed.
func (m *Memory) SetMissing(split store.SplitID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[split] = true
}

// Fail makes the next n calls of op fail with kind. A negative n fails forever.
// When names are given only calls for those names fail.
func (m *Memory) Fail(op string, kind store.Kind, n int, names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &fault{kind: kind, remaining: n}
	if len(names) > 0 {
		f.names = make(map[string]bool, len(names))
		for _, name := range names {
			f.names[name] = true
		}
	}
	m.faults[op] = f
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Stall makes the next n calls of op block until their context ends.
func (m *Memory) Stall(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalls[op] = n
}

// SetClock overrides the time used for pushes without a modification time.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) stall(ctx context.Context, op string, split store.SplitID, name string) error {
	m.mu.Lock()
	if m.stalls[op] == 0 {
		m.mu.Unlock()
		return nil
	}
	m.stalls[op]--
	m.calls[op]++
	m.mu.Unlock()

	<-ctx.Done()
	return store.Wrap(ctx.Err(), m.id, op, split, name)
}

func (m *Memory) enter(op string, split store.SplitID, name string) error {
	m.calls[op]++
	f, ok := m.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.names != nil && !f.names[name] {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return store.NewError(f.kind, m.id, op, split, name, fmt.Errorf("injected %s failure", f.kind))
}

func (m *Memory) List(ctx context.Context, split store.SplitID) (store.Manifest, error) {
	if err := m.stall(ctx, OpList, split, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, store.Wrap(err, m.id, OpList, split, "")
	}
	if err := m.enter(OpList, split, ""); err != nil {
		return nil, err
	}
	if m.missing[split] {
		return nil, store.NewError(store.KindNotFound, m.id, OpList, split, "", store.ErrNotFound)
	}

	manifest := store.NewManifest()
	for name, f := range m.files[split] {
		rec := store.FileRecord{Name: name, Size: int64(len(f.data)), ModTime: f.modTime}
		if !m.NoFingerprint {
			sum := md5.Sum(f.data)
			rec.Fingerprint = hex.EncodeToString(sum[:])
		}
		if err := manifest.Add(rec); err != nil {
			return nil, store.NewError(store.KindUnknown, m.id, OpList, split, name, err)
		}
	}
	return manifest, nil
}

func (m *Memory) Fetch(ctx context.Context, split store.SplitID, name string) (io.ReadCloser, error) {
	if err := m.stall(ctx, OpFetch, split, name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, store.Wrap(err, m.id, OpFetch, split, name)
	}
	if err := m.enter(OpFetch, split, name); err != nil {
		return nil, err
	}
	f, ok := m.files[split][name]
	if !ok {
		return nil, store.NewError(store.KindMissingObject, m.id, OpFetch, split, name, store.ErrMissingObject)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(f.data))), nil
}

func (m *Memory) Push(ctx context.Context, split store.SplitID, name string, r io.Reader, meta store.PushMetadata) error {
	if err := m.stall(ctx, OpPush, split, name); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return store.Wrap(err, m.id, OpPush, split, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return store.Wrap(err, m.id, OpPush, split, name)
	}
	if err := m.enter(OpPush, split, name); err != nil {
		return err
	}
	modTime := meta.ModTime
	if modTime.IsZero() || m.StampPushes {
		modTime = m.now()
	}
	m.putLocked(split, name, data, modTime)
	return nil
}

func (m *Memory) Delete(ctx context.Context, split store.SplitID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return store.Wrap(err, m.id, OpDelete, split, name)
	}
	if err := m.enter(OpDelete, split, name); err != nil {
		return err
	}
	delete(m.files[split], name)
	return nil
}

var _ store.Adapter = (*Memory)(nil)
