package syncer

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/splitsync/internal/store"
)

const DefaultTimestampTolerance = 2 * time.Second

const (
	ReasonIdentical  = "identical"
	ReasonInSync     = "in sync"
	ReasonMissing    = "missing on target"
	ReasonNewer      = "newer on source"
	ReasonNoRecency  = "conflict: no recency signal"
	ReasonTieBreak   = "conflict: tie-break "
	ReasonRestricted = "direction-restricted"
	ReasonPrune      = "missing on source, pruned"
)

type DiffOptions struct {
	// Tolerance is the modification time window inside which two timestamps are
	// considered equal.
	Tolerance time.Duration
	// TieBreak names the store that wins conflicts without a recency signal.
	// Empty leaves such conflicts as flagged skips.
	TieBreak store.StoreID
	// Witnesses are manifests of the other stores in the split. A witness
	// holding the fingerprint of one side and the size and time of the other
	// confirms that a pair without two fingerprints carries the same content.
	Witnesses []store.Manifest
}

// Diff compares the manifests of a pair for one split. The result is sorted by
// name and depends only on its inputs.
func Diff(pair Pair, split store.SplitID, a, b store.Manifest, opts DiffOptions) []SyncAction {
	names := mapset.NewThreadUnsafeSet[string]()
	for name := range a {
		names.Add(name)
	}
	for name := range b {
		names.Add(name)
	}

	sorted := names.ToSlice()
	sort.Strings(sorted)

	actions := make([]SyncAction, 0, len(sorted))
	for _, name := range sorted {
		ra, inA := a[name]
		rb, inB := b[name]

		switch {
		case inA && !inB:
			actions = append(actions, transfer(ActionUpload, pair, split, ra, ReasonMissing))
		case !inA && inB:
			actions = append(actions, transfer(ActionDownload, pair, split, rb, ReasonMissing))
		default:
			actions = append(actions, compare(pair, split, ra, rb, opts))
		}
	}
	return actions
}

func compare(pair Pair, split store.SplitID, ra, rb store.FileRecord, opts DiffOptions) SyncAction {
	if ra.HasFingerprint() && rb.HasFingerprint() {
		if ra.Fingerprint == rb.Fingerprint {
			return skip(pair, split, ra.Name, ReasonIdentical)
		}
		return byRecency(pair, split, ra, rb, opts)
	}

	if ra.Size == rb.Size && bothTimed(ra.ModTime, rb.ModTime) && within(ra.ModTime, rb.ModTime, opts.Tolerance) {
		return skip(pair, split, ra.Name, ReasonInSync)
	}
	if ra.Size == rb.Size && vouched(ra, rb, opts.Witnesses, opts.Tolerance) {
		return skip(pair, split, ra.Name, ReasonInSync)
	}
	return byRecency(pair, split, ra, rb, opts)
}

// byRecency resolves differing copies: the later modification time wins.
func byRecency(pair Pair, split store.SplitID, ra, rb store.FileRecord, opts DiffOptions) SyncAction {
	if bothTimed(ra.ModTime, rb.ModTime) && !within(ra.ModTime, rb.ModTime, opts.Tolerance) {
		if ra.ModTime.After(rb.ModTime) {
			return transfer(ActionUpload, pair, split, ra, ReasonNewer)
		}
		return transfer(ActionDownload, pair, split, rb, ReasonNewer)
	}

	switch opts.TieBreak {
	case pair.A:
		return transfer(ActionUpload, pair, split, ra, ReasonTieBreak+string(pair.A))
	case pair.B:
		return transfer(ActionDownload, pair, split, rb, ReasonTieBreak+string(pair.B))
	}

	action := skip(pair, split, ra.Name, ReasonNoRecency)
	action.Conflict = true
	return action
}

// vouched reports whether a witness matches the fingerprinted record of the
// pair by content and the other record by size and modification time.
func vouched(ra, rb store.FileRecord, witnesses []store.Manifest, tolerance time.Duration) bool {
	printed, bare := ra, rb
	switch {
	case ra.HasFingerprint() && !rb.HasFingerprint():
	case rb.HasFingerprint() && !ra.HasFingerprint():
		printed, bare = rb, ra
	default:
		return false
	}

	for _, w := range witnesses {
		wr, ok := w[printed.Name]
		if !ok || wr.Fingerprint != printed.Fingerprint || wr.Size != bare.Size {
			continue
		}
		if bothTimed(wr.ModTime, bare.ModTime) && within(wr.ModTime, bare.ModTime, tolerance) {
			return true
		}
	}
	return false
}

func transfer(kind ActionKind, pair Pair, split store.SplitID, rec store.FileRecord, reason string) SyncAction {
	source, target := pair.A, pair.B
	if kind == ActionDownload {
		source, target = pair.B, pair.A
	}
	return SyncAction{
		Kind:   kind,
		Split:  split,
		Name:   rec.Name,
		Source: source,
		Target: target,
		Reason: reason,
		Record: rec,
	}
}

func skip(pair Pair, split store.SplitID, name, reason string) SyncAction {
	return SyncAction{
		Kind:   ActionSkip,
		Split:  split,
		Name:   name,
		Source: pair.A,
		Target: pair.B,
		Reason: reason,
	}
}

func bothTimed(a, b time.Time) bool {
	return !a.IsZero() && !b.IsZero()
}

func within(a, b time.Time, tolerance time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
