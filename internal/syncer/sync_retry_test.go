package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openmined/splitsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Millisecond,
		Multiplier:  1,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: 3,
		QuotaFactor: 2,
	}
}

func failing(kind store.Kind) error {
	return store.NewError(kind, store.Remote, "push", store.Train, "a.jpg", errors.New("boom"))
}

func TestRetrierRecoversFromTransientErrors(t *testing.T) {
	r := NewRetrier(fastPolicy(), nil)
	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return failing(store.KindUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetrierStopsOnPermanentErrors(t *testing.T) {
	r := NewRetrier(fastPolicy(), nil)
	for _, kind := range []store.Kind{store.KindAuth, store.KindNotFound, store.KindMissingObject, store.KindUnknown} {
		attempts, err := r.Do(context.Background(), func(context.Context) error {
			return failing(kind)
		})
		require.Error(t, err)
		assert.Equal(t, 1, attempts, kind.String())
		assert.Equal(t, kind, store.KindOf(err))
	}
}

func TestRetrierGivesUpAfterMaxAttempts(t *testing.T) {
	r := NewRetrier(fastPolicy(), nil)
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		return failing(store.KindTimeout)
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, store.KindTimeout, store.KindOf(err))
}

func TestRetrierSingleAttemptPolicy(t *testing.T) {
	r := NewRetrier(RetryPolicy{}, nil)
	attempts, err := r.Do(context.Background(), func(context.Context) error {
		return failing(store.KindQuotaExceeded)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrierHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(fastPolicy(), nil)

	attempts, err := r.Do(ctx, func(context.Context) error {
		cancel()
		return failing(store.KindUnavailable)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestKindBackOffStretchesQuotaDelays(t *testing.T) {
	r := NewRetrier(RetryPolicy{
		BaseDelay:   10 * time.Millisecond,
		Multiplier:  1,
		MaxDelay:    time.Second,
		MaxAttempts: 5,
		QuotaFactor: 4,
	}, nil)

	kb := r.newBackOff()
	assert.Equal(t, 10*time.Millisecond, kb.NextBackOff())

	kb.last = store.KindQuotaExceeded
	assert.Equal(t, 40*time.Millisecond, kb.NextBackOff())

	kb.maxDelay = 25 * time.Millisecond
	assert.Equal(t, 25*time.Millisecond, kb.NextBackOff())

	kb.Reset()
	assert.Equal(t, 10*time.Millisecond, kb.NextBackOff())
}
