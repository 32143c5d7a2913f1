package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/splitsync/internal/db"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS sync_runs (
    run_id TEXT PRIMARY KEY,
    host TEXT NOT NULL,
    direction TEXT NOT NULL,
    dry_run INTEGER NOT NULL,
    started_at TEXT NOT NULL, -- RFC3339
    finished_at TEXT NOT NULL,
    succeeded INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    conflicts INTEGER NOT NULL,
    retried INTEGER NOT NULL,
    transferred INTEGER NOT NULL,
    deleted INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    converged INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_failures (
    run_id TEXT NOT NULL REFERENCES sync_runs(run_id) ON DELETE CASCADE,
    split TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    source TEXT NOT NULL,
    target TEXT NOT NULL,
    err_kind TEXT NOT NULL,
    error TEXT NOT NULL,
    attempts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON sync_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_failures_run ON sync_failures(run_id);
`

// RunSummary is one row of the run history.
type RunSummary struct {
	RunID       string `db:"run_id" json:"runId"`
	Host        string `db:"host" json:"host"`
	Direction   string `db:"direction" json:"direction"`
	DryRun      bool   `db:"dry_run" json:"dryRun"`
	StartedAt   string `db:"started_at" json:"startedAt"`
	FinishedAt  string `db:"finished_at" json:"finishedAt"`
	Succeeded   int    `db:"succeeded" json:"succeeded"`
	Failed      int    `db:"failed" json:"failed"`
	Skipped     int    `db:"skipped" json:"skipped"`
	Conflicts   int    `db:"conflicts" json:"conflicts"`
	Retried     int    `db:"retried" json:"retried"`
	Transferred int    `db:"transferred" json:"transferred"`
	Deleted     int    `db:"deleted" json:"deleted"`
	Bytes       int64  `db:"bytes" json:"bytes"`
	Converged   bool   `db:"converged" json:"converged"`
}

// Started parses the stored start time.
func (r RunSummary) Started() time.Time {
	t, _ := time.Parse(time.RFC3339, r.StartedAt)
	return t
}

type FailureRecord struct {
	Split    string `db:"split" json:"split"`
	Name     string `db:"name" json:"name"`
	Kind     string `db:"kind" json:"kind"`
	Source   string `db:"source" json:"source"`
	Target   string `db:"target" json:"target"`
	ErrKind  string `db:"err_kind" json:"errKind"`
	Error    string `db:"error" json:"error"`
	Attempts int    `db:"attempts" json:"attempts"`
}

// History persists finalized reports in sqlite.
type History struct {
	db *sqlx.DB
}

// OpenHistory opens (or creates) the history database. An empty path or
// db.MemoryPath keeps history in memory.
func OpenHistory(path string) (*History, error) {
	opts := []db.Option{}
	if path != "" {
		opts = append(opts, db.WithPath(path))
	}
	conn, err := db.Open(historySchema, opts...)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &History{db: conn}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// Record stores a finalized report and its failures in one transaction.
func (h *History) Record(ctx context.Context, rep *SyncReport) error {
	if !rep.Finalized() {
		return fmt.Errorf("record run %s: report is not finalized", rep.RunID)
	}

	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t := rep.Totals
	run := RunSummary{
		RunID:       rep.RunID,
		Host:        rep.Host,
		Direction:   string(rep.Direction),
		DryRun:      rep.DryRun,
		StartedAt:   rep.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:  rep.FinishedAt.UTC().Format(time.RFC3339),
		Succeeded:   t.Succeeded,
		Failed:      t.Failed,
		Skipped:     t.Skipped,
		Conflicts:   t.Conflicts,
		Retried:     t.Retried,
		Transferred: t.Transferred,
		Deleted:     t.Deleted,
		Bytes:       t.Bytes,
		Converged:   rep.Converged(),
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO sync_runs (run_id, host, direction, dry_run, started_at, finished_at,
			succeeded, failed, skipped, conflicts, retried, transferred, deleted, bytes, converged)
		VALUES (:run_id, :host, :direction, :dry_run, :started_at, :finished_at,
			:succeeded, :failed, :skipped, :conflicts, :retried, :transferred, :deleted, :bytes, :converged)`, run)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rep.RunID, err)
	}

	for _, sr := range rep.Splits {
		for _, res := range sr.Failures() {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sync_failures (run_id, split, name, kind, source, target, err_kind, error, attempts)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rep.RunID, string(sr.Split), res.Action.Name, string(res.Action.Kind),
				string(res.Action.Source), string(res.Action.Target), string(res.ErrKind), res.Error, res.Attempts)
			if err != nil {
				return fmt.Errorf("insert failure %s: %w", res.Action.Name, err)
			}
		}
	}

	return tx.Commit()
}

// Recent returns the latest runs, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	var runs []RunSummary
	err := h.db.SelectContext(ctx, &runs, `
		SELECT run_id, host, direction, dry_run, started_at, finished_at, succeeded, failed, skipped,
			conflicts, retried, transferred, deleted, bytes, converged
		FROM sync_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return runs, nil
}

// Failures returns the failed actions of a run.
func (h *History) Failures(ctx context.Context, runID string) ([]FailureRecord, error) {
	var failures []FailureRecord
	err := h.db.SelectContext(ctx, &failures, `
		SELECT split, name, kind, source, target, err_kind, error, attempts
		FROM sync_failures WHERE run_id = ? ORDER BY split, name`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures of %s: %w", runID, err)
	}
	return failures, nil
}
