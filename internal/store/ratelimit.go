package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const (
	defaultMaxRateWait = 30 * time.Second
	minRateWait        = 50 * time.Millisecond
)

// RateLimited throttles calls to a backend on the client side so that a wide
// worker pool does not trip the service's own limits.
type RateLimited struct {
	Adapter
	limiter *limiter.Limiter
	maxWait time.Duration
}

// WithRateLimit wraps an adapter with a formatted rate such as "10-S" or "600-M".
// An empty rate returns the adapter unchanged.
func WithRateLimit(a Adapter, formattedRate string) (Adapter, error) {
	if formattedRate == "" {
		return a, nil
	}
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		return nil, fmt.Errorf("parse rate %q for %s: %w", formattedRate, a.ID(), err)
	}
	return &RateLimited{
		Adapter: a,
		limiter: limiter.New(memory.NewStore(), rate),
		maxWait: defaultMaxRateWait,
	}, nil
}

// wait blocks until the limiter admits one more call. When the window reset is
// further away than maxWait the call is rejected with KindQuotaExceeded and left
// to the executor's backoff.
func (r *RateLimited) wait(ctx context.Context, op string, split SplitID, name string) error {
	for {
		lctx, err := r.limiter.Get(ctx, string(r.ID()))
		if err != nil {
			return NewError(KindUnknown, r.ID(), op, split, name, fmt.Errorf("rate limiter: %w", err))
		}
		if !lctx.Reached {
			return nil
		}

		delay := time.Until(time.Unix(lctx.Reset, 0))
		if delay > r.maxWait {
			return NewError(KindQuotaExceeded, r.ID(), op, split, name, fmt.Errorf("client rate limit of %d reached", lctx.Limit))
		}
		// Reset has second granularity.
		if delay < minRateWait {
			delay = minRateWait
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Wrap(ctx.Err(), r.ID(), op, split, name)
		case <-timer.C:
		}
	}
}

func (r *RateLimited) List(ctx context.Context, split SplitID) (Manifest, error) {
	if err := r.wait(ctx, "list", split, ""); err != nil {
		return nil, err
	}
	return r.Adapter.List(ctx, split)
}

func (r *RateLimited) Fetch(ctx context.Context, split SplitID, name string) (io.ReadCloser, error) {
	if err := r.wait(ctx, "fetch", split, name); err != nil {
		return nil, err
	}
	return r.Adapter.Fetch(ctx, split, name)
}

func (r *RateLimited) Push(ctx context.Context, split SplitID, name string, rd io.Reader, meta PushMetadata) error {
	if err := r.wait(ctx, "push", split, name); err != nil {
		return err
	}
	return r.Adapter.Push(ctx, split, name, rd, meta)
}

func (r *RateLimited) Delete(ctx context.Context, split SplitID, name string) error {
	if err := r.wait(ctx, "delete", split, name); err != nil {
		return err
	}
	return r.Adapter.Delete(ctx, split, name)
}
