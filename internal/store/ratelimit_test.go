package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRateLimitPassthrough(t *testing.T) {
	mem := storetest.NewMemory(store.Remote)
	a, err := store.WithRateLimit(mem, "")
	require.NoError(t, err)
	assert.Same(t, mem, a)
}

func TestWithRateLimitInvalidRate(t *testing.T) {
	_, err := store.WithRateLimit(storetest.NewMemory(store.Remote), "lots")
	assert.Error(t, err)
}

func TestRateLimitWaitsForWindow(t *testing.T) {
	mem := storetest.NewMemory(store.Project)
	mem.Put(store.Train, "a.jpg", "a", time.Now())
	a, err := store.WithRateLimit(mem, "2-S")
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := a.List(ctx, store.Train)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, mem.Calls(storetest.OpList))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRateLimitQuotaWhenWindowTooFar(t *testing.T) {
	mem := storetest.NewMemory(store.Remote)
	a, err := store.WithRateLimit(mem, "1-M")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = a.List(ctx, store.Train)
	require.NoError(t, err)

	err = a.Delete(ctx, store.Train, "a.jpg")
	require.Error(t, err)
	assert.Equal(t, store.KindQuotaExceeded, store.KindOf(err))
	assert.Equal(t, 0, mem.Calls(storetest.OpDelete))
}

func TestRateLimitHonoursCancel(t *testing.T) {
	mem := storetest.NewMemory(store.Remote)
	a, err := store.WithRateLimit(mem, "1-S")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = a.List(ctx, store.Train)
	require.NoError(t, err)

	cancel()
	_, err = a.Fetch(ctx, store.Train, "a.jpg")
	require.Error(t, err)
	assert.Equal(t, 0, mem.Calls(storetest.OpFetch))
}
