// Package syncer plans and applies the reconciliation of dataset splits across
// the local, remote and project stores.
package syncer

import (
	"fmt"
	"strings"
	"time"

	"github.com/openmined/splitsync/internal/store"
)

type ActionKind string

const (
	ActionUpload   ActionKind = "upload"   // first store of the pair to the second
	ActionDownload ActionKind = "download" // second store of the pair to the first
	ActionDelete   ActionKind = "delete"
	ActionSkip     ActionKind = "skip"
)

// Direction constrains which targets a run may write to.
type Direction string

const (
	DirectionToLocal  Direction = "to-local"
	DirectionToRemote Direction = "to-remote"
	DirectionBoth     Direction = "both"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionToLocal, DirectionToRemote, DirectionBoth:
		return d, nil
	case "":
		return DirectionBoth, nil
	}
	return "", fmt.Errorf("unknown direction %q (expected to-local, to-remote or both)", s)
}

// Permits reports whether the direction allows writing to target.
func (d Direction) Permits(target store.StoreID) bool {
	switch d {
	case DirectionToLocal:
		return target == store.Local
	case DirectionToRemote:
		return target != store.Local
	}
	return true
}

// Pair is an ordered store pair compared within one split.
type Pair struct {
	A store.StoreID
	B store.StoreID
}

func (p Pair) String() string {
	return string(p.A) + "<->" + string(p.B)
}

// Pairs returns the store pairs a run visits, in order, limited to enabled stores.
func Pairs(enabled func(store.StoreID) bool) []Pair {
	all := []Pair{
		{store.Local, store.Remote},
		{store.Local, store.Project},
		{store.Remote, store.Project},
	}
	pairs := make([]Pair, 0, len(all))
	for _, p := range all {
		if enabled(p.A) && enabled(p.B) {
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// SyncAction is one planned step. It is a value and is not modified after planning.
type SyncAction struct {
	Kind   ActionKind    `json:"kind"`
	Split  store.SplitID `json:"split"`
	Name   string        `json:"name"`
	Source store.StoreID `json:"source"`
	Target store.StoreID `json:"target"`
	Reason string        `json:"reason"`
	// Conflict marks a skip that needs manual resolution.
	Conflict bool `json:"conflict,omitempty"`
	// Restricted holds the original kind of an action the direction demoted to skip.
	Restricted ActionKind `json:"restricted,omitempty"`
	// Record is the source side record of a transfer.
	Record store.FileRecord `json:"-"`
}

func (a SyncAction) IsTransfer() bool {
	return a.Kind == ActionUpload || a.Kind == ActionDownload
}

func (a SyncAction) String() string {
	return fmt.Sprintf("%s %s/%s %s->%s (%s)", a.Kind, a.Split, a.Name, a.Source, a.Target, a.Reason)
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeRetried is a success that needed more than one attempt.
	OutcomeRetried Outcome = "retried"
)

type SyncResult struct {
	Action   SyncAction    `json:"action"`
	Outcome  Outcome       `json:"outcome"`
	Attempts int           `json:"attempts"`
	ErrKind  store.Kind    `json:"errKind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Bytes    int64         `json:"bytes,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r SyncResult) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// Wrote reports whether the result changed the target store.
func (r SyncResult) Wrote() bool {
	return !r.Failed() && r.Action.Kind != ActionSkip
}
