package syncer

import (
	"testing"
	"time"

	"github.com/openmined/splitsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	lr = Pair{A: store.Local, B: store.Remote}
)

func rec(name string, size int64, mod time.Time, fp string) store.FileRecord {
	return store.FileRecord{Name: name, Size: size, ModTime: mod, Fingerprint: fp}
}

func manifest(recs ...store.FileRecord) store.Manifest {
	m := store.NewManifest()
	for _, r := range recs {
		m[r.Name] = r
	}
	return m
}

func defaultDiff() DiffOptions {
	return DiffOptions{Tolerance: DefaultTimestampTolerance}
}

func TestDiffScenario(t *testing.T) {
	local := manifest(rec("img1.jpg", 10, t0.Add(time.Hour), "x"))
	remote := manifest(
		rec("img1.jpg", 12, t0, "y"),
		rec("img2.jpg", 7, t0, "z"),
	)

	actions := Diff(lr, store.Train, local, remote, defaultDiff())
	require.Len(t, actions, 2)

	assert.Equal(t, ActionUpload, actions[0].Kind)
	assert.Equal(t, "img1.jpg", actions[0].Name)
	assert.Equal(t, store.Local, actions[0].Source)
	assert.Equal(t, store.Remote, actions[0].Target)
	assert.Equal(t, ReasonNewer, actions[0].Reason)

	assert.Equal(t, ActionDownload, actions[1].Kind)
	assert.Equal(t, "img2.jpg", actions[1].Name)
	assert.Equal(t, store.Remote, actions[1].Source)
	assert.Equal(t, store.Local, actions[1].Target)
	assert.Equal(t, int64(7), actions[1].Record.Size)
}

func TestDiffRules(t *testing.T) {
	tests := []struct {
		name     string
		a, b     store.FileRecord
		opts     DiffOptions
		kind     ActionKind
		source   store.StoreID
		reason   string
		conflict bool
	}{
		{
			name: "identical fingerprints skip even when times differ",
			a:    rec("f.jpg", 5, t0.Add(time.Hour), "abc"),
			b:    rec("f.jpg", 5, t0, "abc"),
			kind: ActionSkip, source: store.Local, reason: ReasonIdentical,
		},
		{
			name: "different fingerprints, remote newer",
			a:    rec("f.jpg", 5, t0, "abc"),
			b:    rec("f.jpg", 6, t0.Add(time.Minute), "def"),
			kind: ActionDownload, source: store.Remote, reason: ReasonNewer,
		},
		{
			name: "no fingerprint, same size within tolerance",
			a:    rec("f.jpg", 5, t0, "abc"),
			b:    rec("f.jpg", 5, t0.Add(1500*time.Millisecond), ""),
			kind: ActionSkip, source: store.Local, reason: ReasonInSync,
		},
		{
			name: "no fingerprint, same size beyond tolerance",
			a:    rec("f.jpg", 5, t0.Add(10*time.Second), ""),
			b:    rec("f.jpg", 5, t0, ""),
			kind: ActionUpload, source: store.Local, reason: ReasonNewer,
		},
		{
			name: "no fingerprint, size differs, same time",
			a:    rec("f.jpg", 5, t0, ""),
			b:    rec("f.jpg", 9, t0, ""),
			kind: ActionSkip, source: store.Local, reason: ReasonNoRecency, conflict: true,
		},
		{
			name: "different fingerprints, equal times",
			a:    rec("f.jpg", 5, t0, "abc"),
			b:    rec("f.jpg", 5, t0.Add(time.Second), "def"),
			kind: ActionSkip, source: store.Local, reason: ReasonNoRecency, conflict: true,
		},
		{
			name: "different fingerprints, missing time",
			a:    rec("f.jpg", 5, time.Time{}, "abc"),
			b:    rec("f.jpg", 5, t0, "def"),
			kind: ActionSkip, source: store.Local, reason: ReasonNoRecency, conflict: true,
		},
		{
			name: "tie-break names the second store",
			a:    rec("f.jpg", 5, t0, "abc"),
			b:    rec("f.jpg", 5, t0, "def"),
			opts: DiffOptions{Tolerance: DefaultTimestampTolerance, TieBreak: store.Remote},
			kind: ActionDownload, source: store.Remote, reason: ReasonTieBreak + "remote",
		},
		{
			name: "tie-break for a store outside the pair is ignored",
			a:    rec("f.jpg", 5, t0, "abc"),
			b:    rec("f.jpg", 5, t0, "def"),
			opts: DiffOptions{Tolerance: DefaultTimestampTolerance, TieBreak: store.Project},
			kind: ActionSkip, source: store.Local, reason: ReasonNoRecency, conflict: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			if opts.Tolerance == 0 {
				opts = defaultDiff()
			}
			actions := Diff(lr, store.Valid, manifest(tt.a), manifest(tt.b), opts)
			require.Len(t, actions, 1)
			a := actions[0]
			assert.Equal(t, tt.kind, a.Kind)
			assert.Equal(t, tt.source, a.Source)
			assert.NotEqual(t, a.Source, a.Target)
			assert.Equal(t, tt.reason, a.Reason)
			assert.Equal(t, tt.conflict, a.Conflict)
			assert.Equal(t, store.Valid, a.Split)
		})
	}
}

func TestDiffIsDeterministic(t *testing.T) {
	a := manifest(
		rec("c.jpg", 1, t0.Add(time.Hour), "1"),
		rec("a.jpg", 1, t0, "2"),
		rec("e.jpg", 3, t0, "3"),
	)
	b := manifest(
		rec("c.jpg", 2, t0, "9"),
		rec("b.jpg", 1, t0, "4"),
		rec("e.jpg", 3, t0, "3"),
	)

	first := Diff(lr, store.Train, a, b, defaultDiff())
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Diff(lr, store.Train, a, b, defaultDiff()))
	}

	names := make([]string, len(first))
	for i, act := range first {
		names[i] = act.Name
	}
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg", "e.jpg"}, names)
}

func TestDiffEmptyManifests(t *testing.T) {
	assert.Empty(t, Diff(lr, store.Test, store.NewManifest(), store.NewManifest(), defaultDiff()))
}

func TestDiffWitnessConfirmsContent(t *testing.T) {
	rp := Pair{A: store.Remote, B: store.Project}
	// the project reports its upload time, the remote has no checksum
	remote := manifest(rec("a.jpg", 4, t0, ""))
	project := manifest(rec("a.jpg", 4, t0.Add(3*time.Hour), "aaaa"))

	opts := defaultDiff()
	actions := Diff(rp, store.Train, remote, project, opts)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionDownload, actions[0].Kind, "without a witness the later copy wins")

	opts.Witnesses = []store.Manifest{manifest(rec("a.jpg", 4, t0.Add(time.Second), "aaaa"))}
	actions = Diff(rp, store.Train, remote, project, opts)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSkip, actions[0].Kind)
	assert.Equal(t, ReasonInSync, actions[0].Reason)
	assert.False(t, actions[0].Conflict)

	for name, witness := range map[string]store.FileRecord{
		"other content": rec("a.jpg", 4, t0, "bbbb"),
		"other time":    rec("a.jpg", 4, t0.Add(time.Hour), "aaaa"),
		"other size":    rec("a.jpg", 5, t0, "aaaa"),
	} {
		opts.Witnesses = []store.Manifest{manifest(witness)}
		actions = Diff(rp, store.Train, remote, project, opts)
		assert.Equal(t, ActionDownload, actions[0].Kind, name)
	}
}
