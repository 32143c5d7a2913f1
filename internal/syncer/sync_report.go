package syncer

import (
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/utils"
)

var ErrReportFinalized = errors.New("report already finalized")

type Counts struct {
	Succeeded   int   `json:"succeeded"`
	Failed      int   `json:"failed"`
	Skipped     int   `json:"skipped"`
	Conflicts   int   `json:"conflicts"`
	Retried     int   `json:"retried"`
	Transferred int   `json:"transferred"`
	Deleted     int   `json:"deleted"`
	Bytes       int64 `json:"bytes"`
}

func (c *Counts) add(r SyncResult) {
	if r.Failed() {
		c.Failed++
		return
	}
	c.Succeeded++
	if r.Outcome == OutcomeRetried {
		c.Retried++
	}
	switch r.Action.Kind {
	case ActionSkip:
		c.Skipped++
		if r.Action.Conflict {
			c.Conflicts++
		}
	case ActionDelete:
		c.Deleted++
	default:
		c.Transferred++
		c.Bytes += r.Bytes
	}
}

func (c *Counts) merge(o Counts) {
	c.Succeeded += o.Succeeded
	c.Failed += o.Failed
	c.Skipped += o.Skipped
	c.Conflicts += o.Conflicts
	c.Retried += o.Retried
	c.Transferred += o.Transferred
	c.Deleted += o.Deleted
	c.Bytes += o.Bytes
}

// SplitReport collects the results of one split. Appends are safe for
// concurrent use until the owning report is finalized.
type SplitReport struct {
	mu        sync.Mutex
	finalized bool

	Split    store.SplitID `json:"split"`
	Results  []SyncResult  `json:"results"`
	Planned  []SyncAction  `json:"planned,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Counts   Counts        `json:"counts"`
}

func (s *SplitReport) Add(r SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return ErrReportFinalized
	}
	s.Results = append(s.Results, r)
	s.Counts.add(r)
	return nil
}

// AddPlanned records actions of a dry run.
func (s *SplitReport) AddPlanned(actions ...SyncAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return ErrReportFinalized
	}
	s.Planned = append(s.Planned, actions...)
	return nil
}

func (s *SplitReport) Warn(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return ErrReportFinalized
	}
	s.Warnings = append(s.Warnings, msg)
	return nil
}

func (s *SplitReport) finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	sort.SliceStable(s.Results, func(i, j int) bool {
		return resultLess(s.Results[i], s.Results[j])
	})
}

func resultLess(a, b SyncResult) bool {
	if a.Action.Name != b.Action.Name {
		return a.Action.Name < b.Action.Name
	}
	if a.Action.Source != b.Action.Source {
		return a.Action.Source < b.Action.Source
	}
	return a.Action.Target < b.Action.Target
}

// Failures returns the failed results.
func (s *SplitReport) Failures() []SyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []SyncResult
	for _, r := range s.Results {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	return failed
}

// BackendError records a store level failure, e.g. a rejected listing.
type BackendError struct {
	Store store.StoreID `json:"store"`
	Split store.SplitID `json:"split,omitempty"`
	Kind  store.Kind    `json:"kind"`
	Error string        `json:"error"`
}

// SyncReport is the outcome of one run. It is append-only while the run is in
// progress and finalized exactly once.
type SyncReport struct {
	mu        sync.Mutex
	finalized bool
	splits    map[store.SplitID]*SplitReport

	RunID         string          `json:"runId"`
	Host          string          `json:"host,omitempty"`
	Direction     Direction       `json:"direction"`
	DryRun        bool            `json:"dryRun,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    time.Time       `json:"finishedAt"`
	Splits        []*SplitReport  `json:"splits"`
	BackendErrors []BackendError  `json:"backendErrors,omitempty"`
	Aborted       []store.StoreID `json:"aborted,omitempty"`
	Totals        Counts          `json:"totals"`
}

func NewSyncReport(runID string, splits []store.SplitID, dir Direction, dryRun bool) *SyncReport {
	r := &SyncReport{
		splits:    make(map[store.SplitID]*SplitReport, len(splits)),
		RunID:     runID,
		Direction: dir,
		DryRun:    dryRun,
		StartedAt: time.Now(),
	}
	for _, split := range splits {
		sr := &SplitReport{Split: split}
		r.splits[split] = sr
		r.Splits = append(r.Splits, sr)
	}
	return r
}

// Split returns the report of a split, nil when the split is not part of the run.
func (r *SyncReport) Split(split store.SplitID) *SplitReport {
	return r.splits[split]
}

func (r *SyncReport) AddBackendError(id store.StoreID, split store.SplitID, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrReportFinalized
	}
	r.BackendErrors = append(r.BackendErrors, BackendError{
		Store: id,
		Split: split,
		Kind:  store.KindOf(err),
		Error: err.Error(),
	})
	return nil
}

// Finalize seals the report and computes totals. Only the first call succeeds.
func (r *SyncReport) Finalize(aborted []store.StoreID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrReportFinalized
	}
	r.finalized = true
	r.FinishedAt = time.Now()
	r.Aborted = aborted

	r.Totals = Counts{}
	for _, sr := range r.Splits {
		sr.finalize()
		r.Totals.merge(sr.Counts)
	}
	return nil
}

func (r *SyncReport) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// Converged reports whether every store ended up consistent: nothing failed,
// no conflict was left unresolved and no backend dropped out.
func (r *SyncReport) Converged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Totals.Failed == 0 && r.Totals.Conflicts == 0 && len(r.BackendErrors) == 0
}

func (r *SyncReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// WriteJSON renders the report with every result.
func (r *SyncReport) WriteJSON(w io.Writer) error {
	return utils.JSONEncode(w, r)
}
