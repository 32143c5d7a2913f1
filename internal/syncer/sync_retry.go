package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openmined/splitsync/internal/store"
)

type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	// QuotaFactor stretches the delay after a quota or rate limit rejection.
	QuotaFactor float64
	// Jitter is the randomization factor applied to every delay, 0 disables it.
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 4,
		QuotaFactor: 4,
		Jitter:      0.2,
	}
}

// Retrier retries operations failing with a transient store error kind.
// Permanent kinds fail on the first attempt.
type Retrier struct {
	policy RetryPolicy
	logger *slog.Logger
}

func NewRetrier(policy RetryPolicy, logger *slog.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.QuotaFactor < 1 {
		policy.QuotaFactor = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{policy: policy, logger: logger}
}

// Do runs op and returns the number of attempts made with the last error.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	kb := r.newBackOff()
	b := backoff.WithContext(backoff.WithMaxRetries(kb, uint64(r.policy.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		kind := store.KindOf(err)
		if !kind.Transient() || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		kb.last = kind
		return err
	}, b, func(err error, wait time.Duration) {
		r.logger.Debug("retrying", "attempt", attempts, "wait", wait, "error", err)
	})

	return attempts, err
}

func (r *Retrier) newBackOff() *kindBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.BaseDelay
	exp.Multiplier = r.policy.Multiplier
	exp.MaxInterval = r.policy.MaxDelay
	exp.RandomizationFactor = r.policy.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &kindBackOff{
		exp:      exp,
		factor:   r.policy.QuotaFactor,
		maxDelay: time.Duration(float64(r.policy.MaxDelay) * r.policy.QuotaFactor),
	}
}

// kindBackOff follows an exponential schedule and stretches the delay when the
// last failure was a quota rejection.
type kindBackOff struct {
	exp      *backoff.ExponentialBackOff
	factor   float64
	maxDelay time.Duration
	last     store.Kind
}

func (k *kindBackOff) NextBackOff() time.Duration {
	d := k.exp.NextBackOff()
	if d == backoff.Stop || k.last != store.KindQuotaExceeded {
		return d
	}
	d = time.Duration(float64(d) * k.factor)
	if k.maxDelay > 0 && d > k.maxDelay {
		d = k.maxDelay
	}
	return d
}

func (k *kindBackOff) Reset() {
	k.exp.Reset()
	k.last = ""
}
