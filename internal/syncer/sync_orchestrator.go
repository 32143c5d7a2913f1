package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/openmined/splitsync/internal/index"
	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/version"
	"golang.org/x/sync/errgroup"
)

var ErrNoStores = errors.New("at least two stores must be enabled")

type Options struct {
	Splits           []store.SplitID
	Direction        Direction
	Prune            bool
	DryRun           bool
	Parallelism      int
	SplitParallelism int
	OperationTimeout time.Duration
	Diff             DiffOptions
}

// Orchestrator drives one reconciliation run across every requested split and
// every pair of enabled stores.
type Orchestrator struct {
	stores  map[store.StoreID]store.Adapter
	indexer *index.Indexer
	retrier *Retrier
	history *History
	opts    Options
	logger  *slog.Logger
}

func NewOrchestrator(adapters []store.Adapter, indexer *index.Indexer, retrier *Retrier, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	stores := make(map[store.StoreID]store.Adapter, len(adapters))
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if !a.ID().Valid() {
			return nil, fmt.Errorf("adapter with unknown store id %q", a.ID())
		}
		if _, dup := stores[a.ID()]; dup {
			return nil, fmt.Errorf("store %s configured twice", a.ID())
		}
		stores[a.ID()] = a
	}
	if len(stores) < 2 {
		return nil, ErrNoStores
	}
	if indexer == nil {
		return nil, errors.New("indexer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if retrier == nil {
		retrier = NewRetrier(DefaultRetryPolicy(), logger)
	}
	if len(opts.Splits) == 0 {
		opts.Splits = store.AllSplits
	}
	if opts.Direction == "" {
		opts.Direction = DirectionBoth
	}
	if opts.SplitParallelism < 1 {
		opts.SplitParallelism = 1
	}

	return &Orchestrator{
		stores:  stores,
		indexer: indexer,
		retrier: retrier,
		opts:    opts,
		logger:  logger,
	}, nil
}

// WithHistory records finalized reports in h.
func (o *Orchestrator) WithHistory(h *History) *Orchestrator {
	o.history = h
	return o
}

func (o *Orchestrator) enabled(id store.StoreID) bool {
	_, ok := o.stores[id]
	return ok
}

// Run reconciles every requested split. Backend failures end up in the report;
// only cancellation is returned as an error, together with the partial report.
func (o *Orchestrator) Run(ctx context.Context) (*SyncReport, error) {
	runID := uuid.NewString()
	logger := o.logger.With("run", runID)

	rep := NewSyncReport(runID, o.opts.Splits, o.opts.Direction, o.opts.DryRun)
	rep.Host = hostID()

	guard := NewBackendGuard()
	exec := NewExecutor(o.stores, guard, o.retrier, ExecutorOptions{
		Parallelism:      o.opts.Parallelism,
		OperationTimeout: o.opts.OperationTimeout,
	}, logger)

	logger.Info("sync start",
		"splits", o.opts.Splits,
		"direction", o.opts.Direction,
		"pairs", len(Pairs(o.enabled)),
		"dryRun", o.opts.DryRun,
	)

	var g errgroup.Group
	g.SetLimit(o.opts.SplitParallelism)
	for _, split := range o.opts.Splits {
		g.Go(func() error {
			o.runSplit(ctx, split, rep, guard, exec, logger.With("split", split))
			return nil
		})
	}
	_ = g.Wait()

	if err := rep.Finalize(guard.AbortedStores()); err != nil {
		return rep, err
	}

	t := rep.Totals
	logger.Info("sync done",
		"transferred", t.Transferred,
		"deleted", t.Deleted,
		"skipped", t.Skipped,
		"conflicts", t.Conflicts,
		"failed", t.Failed,
		"retried", t.Retried,
		"took", rep.Duration().Round(time.Millisecond),
	)

	if o.history != nil && !o.opts.DryRun {
		if err := o.history.Record(context.WithoutCancel(ctx), rep); err != nil {
			logger.Warn("history not recorded", "error", err)
		}
	}

	return rep, ctx.Err()
}

// splitState holds the manifests of one split and which of them are stale.
type splitState struct {
	manifests map[store.StoreID]store.Manifest
	stale     map[store.StoreID]bool
}

func (o *Orchestrator) runSplit(ctx context.Context, split store.SplitID, rep *SyncReport, guard *BackendGuard, exec *Executor, logger *slog.Logger) {
	sr := rep.Split(split)
	state := &splitState{
		manifests: make(map[store.StoreID]store.Manifest),
		stale:     make(map[store.StoreID]bool),
	}

	ids := make([]store.StoreID, 0, len(o.stores))
	for _, id := range store.AllStores {
		if o.enabled(id) && !guard.Aborted(id) {
			ids = append(ids, id)
		}
	}
	o.indexStores(ctx, split, ids, state, rep, guard, logger)

	for _, pair := range Pairs(o.enabled) {
		if ctx.Err() != nil {
			return
		}
		if !o.ready(ctx, split, pair, state, rep, guard, logger) {
			_ = sr.Warn(fmt.Sprintf("pair %s skipped for %s: a store is unavailable", pair, split))
			continue
		}

		plan := BuildPlan(pair, split, state.manifests[pair.A], state.manifests[pair.B], PlanOptions{
			Direction: o.opts.Direction,
			Diff:      o.opts.Diff,
			Prune:     o.opts.Prune,
			Others:    o.others(ctx, split, pair, state, rep, guard, logger),
		})
		for _, w := range plan.Warnings {
			_ = sr.Warn(w)
			logger.Warn(w)
		}
		logger.Info("plan", "pair", pair.String(), "actions", len(plan.Actions), "transfers", plan.Transfers())

		if o.opts.DryRun {
			_ = sr.AddPlanned(plan.Actions...)
			applyPlanned(state, plan.Actions)
			continue
		}

		for _, res := range exec.Execute(ctx, plan.Actions, sr) {
			if res.Wrote() {
				state.stale[res.Action.Target] = true
			}
		}
	}
}

// indexStores lists the given stores concurrently. A missing split counts as
// empty; rejected credentials abort the store for the rest of the run.
func (o *Orchestrator) indexStores(ctx context.Context, split store.SplitID, ids []store.StoreID, state *splitState, rep *SyncReport, guard *BackendGuard, logger *slog.Logger) {
	var mu sync.Mutex
	var g errgroup.Group

	for _, id := range ids {
		g.Go(func() error {
			m, ok := o.indexOne(ctx, split, id, rep, guard, logger)
			if ok {
				mu.Lock()
				state.manifests[id] = m
				state.stale[id] = false
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) indexOne(ctx context.Context, split store.SplitID, id store.StoreID, rep *SyncReport, guard *BackendGuard, logger *slog.Logger) (store.Manifest, bool) {
	sr := rep.Split(split)
	res, err := o.indexer.Index(ctx, o.stores[id], split)
	if err != nil {
		switch store.KindOf(err) {
		case store.KindNotFound:
			_ = sr.Warn(fmt.Sprintf("%s has no %s folder, treating it as empty", id, split))
			return store.NewManifest(), true
		case store.KindAuth:
			if guard.Abort(id, err) {
				logger.Error("backend aborted", "store", id, "error", err)
			}
		default:
			logger.Warn("index failed", "store", id, "error", err)
		}
		_ = rep.AddBackendError(id, split, err)
		return nil, false
	}

	for _, w := range res.Warnings {
		_ = sr.Warn(w)
	}
	return res.Manifest, true
}

// ready makes sure both manifests of a pair exist and are fresh, re-listing
// stores written by an earlier pair of this split.
func (o *Orchestrator) ready(ctx context.Context, split store.SplitID, pair Pair, state *splitState, rep *SyncReport, guard *BackendGuard, logger *slog.Logger) bool {
	for _, id := range []store.StoreID{pair.A, pair.B} {
		if !o.refresh(ctx, split, id, state, rep, guard, logger) {
			return false
		}
	}
	return true
}

// others returns the fresh manifests of the enabled stores outside pair, with
// nil for stores that could not be listed.
func (o *Orchestrator) others(ctx context.Context, split store.SplitID, pair Pair, state *splitState, rep *SyncReport, guard *BackendGuard, logger *slog.Logger) map[store.StoreID]store.Manifest {
	others := make(map[store.StoreID]store.Manifest)
	for _, id := range store.AllStores {
		if id == pair.A || id == pair.B || !o.enabled(id) {
			continue
		}
		others[id] = nil
		if o.refresh(ctx, split, id, state, rep, guard, logger) {
			others[id] = state.manifests[id]
		}
	}
	return others
}

func (o *Orchestrator) refresh(ctx context.Context, split store.SplitID, id store.StoreID, state *splitState, rep *SyncReport, guard *BackendGuard, logger *slog.Logger) bool {
	if guard.Aborted(id) {
		return false
	}
	if _, ok := state.manifests[id]; !ok {
		return false
	}
	if !state.stale[id] {
		return true
	}
	m, ok := o.indexOne(ctx, split, id, rep, guard, logger)
	if !ok {
		delete(state.manifests, id)
		return false
	}
	state.manifests[id] = m
	state.stale[id] = false
	return true
}

// applyPlanned updates manifests as if the planned actions had succeeded, so a
// dry run previews later pairs realistically.
func applyPlanned(state *splitState, actions []SyncAction) {
	for _, a := range actions {
		switch a.Kind {
		case ActionUpload, ActionDownload:
			state.manifests[a.Target][a.Name] = a.Record
		case ActionDelete:
			delete(state.manifests[a.Target], a.Name)
		}
	}
}

func hostID() string {
	if id, err := machineid.ProtectedID(version.AppName); err == nil {
		return id[:12]
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "unknown"
}
