// Package store defines the capability contract every dataset backend implements,
// together with the data model shared by the indexer, planner and executor.
package store

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// StoreID identifies one of the three backends.
type StoreID string

const (
	Local   StoreID = "local"
	Remote  StoreID = "remote"
	Project StoreID = "project"
)

// AllStores lists the stores in pairing order.
var AllStores = []StoreID{Local, Remote, Project}

func (s StoreID) Valid() bool {
	switch s {
	case Local, Remote, Project:
		return true
	}
	return false
}

func (s StoreID) String() string {
	return string(s)
}

// SplitID identifies one dataset split.
type SplitID string

const (
	Train SplitID = "train"
	Valid SplitID = "valid"
	Test  SplitID = "test"
)

// AllSplits lists the splits in the order a run visits them.
var AllSplits = []SplitID{Train, Valid, Test}

func (s SplitID) Valid() bool {
	switch s {
	case Train, Valid, Test:
		return true
	}
	return false
}

func (s SplitID) String() string {
	return string(s)
}

// ParseSplit converts a user supplied split name.
func ParseSplit(s string) (SplitID, error) {
	split := SplitID(strings.ToLower(strings.TrimSpace(s)))
	if !split.Valid() {
		return "", fmt.Errorf("unknown split %q (expected train, valid or test)", s)
	}
	return split, nil
}

// FileRecord describes one file in a split as reported by a backend.
type FileRecord struct {
	// Name is the slash separated path relative to the split folder.
	Name string `json:"name"`
	Size int64  `json:"size"`
	// ModTime is zero when the backend cannot supply it.
	ModTime time.Time `json:"modTime"`
	// Fingerprint is a lowercase hex content checksum, empty when unavailable.
	Fingerprint string `json:"fingerprint,omitempty"`
	// Problem is set when the backend listed the entry but could not read its
	// metadata. The indexer drops such entries with a warning.
	Problem string `json:"problem,omitempty"`
}

// HasFingerprint reports whether the record carries a content checksum.
func (r FileRecord) HasFingerprint() bool {
	return r.Fingerprint != ""
}

// Manifest maps file names to records for one (store, split).
type Manifest map[string]FileRecord

func NewManifest() Manifest {
	return make(Manifest)
}

// Add inserts a record. Names are unique within a manifest.
func (m Manifest) Add(rec FileRecord) error {
	if _, ok := m[rec.Name]; ok {
		return fmt.Errorf("duplicate manifest entry %q", rec.Name)
	}
	m[rec.Name] = rec
	return nil
}

// Names returns the manifest names. Order is unspecified.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// PushMetadata accompanies content written to a backend.
type PushMetadata struct {
	Size        int64
	ModTime     time.Time
	ContentType string
	Fingerprint string
}

// Adapter is the capability surface the sync engine uses to talk to a backend.
// Implementations never retry; every error returned is a *Error.
type Adapter interface {
	ID() StoreID
	// List returns the files of a split. A missing split yields KindNotFound.
	List(ctx context.Context, split SplitID) (Manifest, error)
	// Fetch opens a file for reading. A vanished file yields KindMissingObject.
	Fetch(ctx context.Context, split SplitID, name string) (io.ReadCloser, error)
	// Push creates or overwrites a file. Re-pushing the same content is a no-op in effect.
	Push(ctx context.Context, split SplitID, name string, r io.Reader, meta PushMetadata) error
	// Delete removes a file. Deleting an absent file succeeds.
	Delete(ctx context.Context, split SplitID, name string) error
}

// CleanName normalizes a backend supplied relative name into slash form.
// Leading ".." segments are dropped so the result always stays inside the split
// folder. Empty names yield "".
func CleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Clean("/" + name)
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." {
		return ""
	}
	return name
}
