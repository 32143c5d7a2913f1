package syncer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/openmined/splitsync/internal/queue"
	"github.com/openmined/splitsync/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultParallelism      = 4
	DefaultOperationTimeout = 2 * time.Minute

	// bytes inspected to detect the content type of a transfer
	sniffLen = 3072

	priorityTransfer = 0
	priorityDelete   = 1
)

type ExecutorOptions struct {
	Parallelism      int
	OperationTimeout time.Duration
}

// Executor applies planned actions through the adapters with a bounded worker
// pool. A failing action never stops the others.
type Executor struct {
	stores  map[store.StoreID]store.Adapter
	guard   *BackendGuard
	retrier *Retrier
	opts    ExecutorOptions
	logger  *slog.Logger
}

func NewExecutor(stores map[store.StoreID]store.Adapter, guard *BackendGuard, retrier *Retrier, opts ExecutorOptions, logger *slog.Logger) *Executor {
	if opts.Parallelism < 1 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = NewBackendGuard()
	}
	return &Executor{
		stores:  stores,
		guard:   guard,
		retrier: retrier,
		opts:    opts,
		logger:  logger,
	}
}

// Execute runs the actions and appends every result to rep. It returns the
// results in completion order. Transfers are dispatched before deletes.
func (e *Executor) Execute(ctx context.Context, actions []SyncAction, rep *SplitReport) []SyncResult {
	results := make(chan SyncResult, e.opts.Parallelism)
	collected := make([]SyncResult, 0, len(actions))
	done := make(chan struct{})

	// supervisor
	go func() {
		defer close(done)
		for res := range results {
			collected = append(collected, res)
			if rep != nil {
				if err := rep.Add(res); err != nil {
					e.logger.Warn("dropping result", "action", res.Action.String(), "error", err)
				}
			}
		}
	}()

	pending := queue.NewPriorityQueue[SyncAction]()
	for _, a := range actions {
		switch a.Kind {
		case ActionSkip:
			results <- SyncResult{Action: a, Outcome: OutcomeSucceeded}
		case ActionDelete:
			pending.Enqueue(a, priorityDelete)
		default:
			pending.Enqueue(a, priorityTransfer)
		}
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for {
		a, ok := pending.Dequeue()
		if !ok {
			break
		}
		if err := e.guard.Check(a); err != nil {
			results <- failed(a, 0, err, 0)
			continue
		}
		if ctx.Err() != nil {
			results <- failed(a, 0, store.Wrap(ctx.Err(), a.Target, string(a.Kind), a.Split, a.Name), 0)
			continue
		}
		g.Go(func() error {
			results <- e.run(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-done

	return collected
}

func (e *Executor) run(ctx context.Context, a SyncAction) SyncResult {
	start := time.Now()
	var written int64

	attempts, err := e.retrier.Do(ctx, func(ctx context.Context) error {
		if err := e.guard.Check(a); err != nil {
			return err
		}
		n, err := e.apply(ctx, a)
		written = n
		return err
	})
	elapsed := time.Since(start)

	if err != nil {
		if store.KindOf(err) == store.KindAuth {
			id := a.Target
			var se *store.Error
			if errors.As(err, &se) && se.Store != "" {
				id = se.Store
			}
			if e.guard.Abort(id, err) {
				e.logger.Error("backend aborted", "store", id, "error", err)
			}
		}
		e.logger.Warn("sync action failed", "action", a.String(), "attempts", attempts, "error", err)
		return failed(a, attempts, err, elapsed)
	}

	outcome := OutcomeSucceeded
	if attempts > 1 {
		outcome = OutcomeRetried
	}
	e.logger.Debug("sync action done",
		"action", a.String(),
		"attempts", attempts,
		"size", humanize.Bytes(uint64(written)),
		"took", elapsed,
	)
	return SyncResult{Action: a, Outcome: outcome, Attempts: attempts, Bytes: written, Duration: elapsed}
}

func (e *Executor) apply(ctx context.Context, a SyncAction) (int64, error) {
	target, ok := e.stores[a.Target]
	if !ok {
		return 0, store.NewError(store.KindUnknown, a.Target, string(a.Kind), a.Split, a.Name, fmt.Errorf("store %s is not configured", a.Target))
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.OperationTimeout)
	defer cancel()

	if a.Kind == ActionDelete {
		return 0, target.Delete(ctx, a.Split, a.Name)
	}

	source, ok := e.stores[a.Source]
	if !ok {
		return 0, store.NewError(store.KindUnknown, a.Source, string(a.Kind), a.Split, a.Name, fmt.Errorf("store %s is not configured", a.Source))
	}
	return copyObject(ctx, source, target, a)
}

// copyObject streams one file from source to target, carrying over the source
// modification time and the sniffed content type.
func copyObject(ctx context.Context, source, target store.Adapter, a SyncAction) (int64, error) {
	rc, err := source.Fetch(ctx, a.Split, a.Name)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return 0, store.Wrap(err, a.Source, "fetch", a.Split, a.Name)
	}

	meta := store.PushMetadata{
		Size:        a.Record.Size,
		ModTime:     a.Record.ModTime,
		ContentType: mimetype.Detect(head).String(),
		Fingerprint: a.Record.Fingerprint,
	}

	cr := &countingReader{r: br}
	if err := target.Push(ctx, a.Split, a.Name, cr, meta); err != nil {
		return cr.n, err
	}
	return cr.n, nil
}

func failed(a SyncAction, attempts int, err error, elapsed time.Duration) SyncResult {
	return SyncResult{
		Action:   a,
		Outcome:  OutcomeFailed,
		Attempts: attempts,
		ErrKind:  store.KindOf(err),
		Error:    err.Error(),
		Duration: elapsed,
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
