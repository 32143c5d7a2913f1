package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/openmined/splitsync/internal/config"
	"github.com/openmined/splitsync/internal/index"
	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/syncer"
	"github.com/openmined/splitsync/internal/watch"
	"github.com/spf13/cobra"
)

// errRunFailed is returned when a run finished with failed actions or backend
// errors. The summary already explains why.
var errRunFailed = errors.New("sync run did not converge")

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the dataset splits across every enabled store",
		Long: `Reconcile train, valid and test across the local folder, the remote
document library and the annotation project.

Each pair of stores is compared by name, content and modification time. The
newer copy wins; files that differ without a clear winner are reported as
conflicts and left untouched unless tie_break names a store.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringSliceP("split", "s", nil, "splits to sync (default train,valid,test)")
	cmd.Flags().StringP("direction", "d", "", "to-local, to-remote or both")
	cmd.Flags().Bool("prune", false, "delete files missing from the authoritative side (one-way directions only)")
	cmd.Flags().BoolP("dry-run", "n", false, "plan without changing any store")
	cmd.Flags().Bool("json", false, "print the full report as JSON")
	cmd.Flags().BoolP("watch", "w", false, "keep running and sync again when local files change")
	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	asJSON, _ := cmd.Flags().GetBool("json")
	watching, _ := cmd.Flags().GetBool("watch")
	if watching && dryRun {
		return errors.New("--watch and --dry-run cannot be combined")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := setupLogging(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()

	lock := syncer.NewRunLock(cfg.Local.Root)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	adapters, err := buildAdapters(ctx, cfg, logger)
	if err != nil {
		return err
	}

	opts := cfg.SyncOptions()
	opts.DryRun = dryRun

	retrier := syncer.NewRetrier(cfg.RetryPolicy(), logger)
	ix, err := index.New(cfg.IndexOptions(), retrier, logger)
	if err != nil {
		return err
	}
	orch, err := syncer.NewOrchestrator(adapters, ix, retrier, opts, logger)
	if err != nil {
		return err
	}

	if path := cfg.HistoryPath(); path != "" && !dryRun {
		history, err := syncer.OpenHistory(path)
		if err != nil {
			return err
		}
		defer history.Close()
		orch.WithHistory(history)
	}

	out := cmd.OutOrStdout()
	if watching {
		w := watch.New(cfg.Local.Root, watch.Options{
			Debounce: cfg.Watch.Debounce,
			Filter:   watch.SplitFilter(opts.Splits, ix.Accepts),
		}, logger)
		return w.Run(ctx, func(ctx context.Context) ([]string, error) {
			rep, err := orch.Run(ctx)
			if rep != nil {
				if werr := render(out, rep, asJSON); werr != nil {
					logger.Warn("write report", "error", werr)
				}
			}
			return localWrites(cfg, rep), err
		})
	}

	rep, err := orch.Run(ctx)
	if rep != nil {
		if werr := render(out, rep, asJSON); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	return runOutcome(rep, logger)
}

func render(w io.Writer, rep *syncer.SyncReport, asJSON bool) error {
	if asJSON {
		return rep.WriteJSON(w)
	}
	writeSummary(w, rep)
	return nil
}

func runOutcome(rep *syncer.SyncReport, logger *slog.Logger) error {
	if rep.Totals.Failed == 0 && len(rep.BackendErrors) == 0 {
		return nil
	}
	logger.Debug("run finished with errors",
		"failed", rep.Totals.Failed,
		"backend_errors", len(rep.BackendErrors),
	)
	return errRunFailed
}

// localWrites lists the local files a run created, overwrote or removed so the
// watcher does not react to them.
func localWrites(cfg *config.Config, rep *syncer.SyncReport) []string {
	if rep == nil {
		return nil
	}
	var paths []string
	for _, sr := range rep.Splits {
		for _, r := range sr.Results {
			if r.Action.Target != store.Local || !r.Wrote() {
				continue
			}
			paths = append(paths, filepath.Join(cfg.Local.Root, string(r.Action.Split), filepath.FromSlash(r.Action.Name)))
		}
	}
	return paths
}
