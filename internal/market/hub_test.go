package market

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"curtail-control/internal/cache"
	"curtail-control/internal/retry"
)

type fakePriceSource struct {
	name  string
	calls atomic.Int32
	price float64
	err   error
	delay time.Duration
}

func (f *fakePriceSource) Name() string { return f.name }

func (f *fakePriceSource) FetchPrice(ctx context.Context) (PriceData, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return PriceData{}, ctx.Err()
		}
	}
	if f.err != nil {
		return PriceData{}, f.err
	}
	return PriceData{ValueUSD: f.price}, nil
}

type fakeChainSource struct {
	name  string
	calls atomic.Int32
	err   error
}

func (f *fakeChainSource) Name() string { return f.name }

func (f *fakeChainSource) FetchChain(ctx context.Context) (ChainData, error) {
	f.calls.Add(1)
	if f.err != nil {
		return ChainData{}, f.err
	}
	return ChainData{Difficulty: 110e12, BlockRewardBTC: 3.125, NetworkHashratePHS: 750000}, nil
}

func testHub(now *time.Time, price []PriceSource, chain []ChainSource) *Hub {
	store := cache.NewWithClock(func() time.Time { return *now })
	h := NewHub(zap.NewNop(), store, nil, HubConfig{
		Policy:   retry.Policy{MaxAttempts: 2, AttemptTimeout: time.Second},
		PriceTTL: 30 * time.Second,
		ChainTTL: 60 * time.Second,
	}, price, chain)
	h.now = func() time.Time { return *now }
	return h
}

func TestGetPriceCachesAndSkipsProvidersOnHit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	primary := &fakePriceSource{name: "primary", price: 50000}
	h := testHub(&now, []PriceSource{primary}, nil)

	res, err := h.GetPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50000.0, res.ValueUSD)
	assert.False(t, res.Cached)
	assert.Equal(t, "primary", res.Source)
	require.EqualValues(t, 1, primary.calls.Load())

	// t=10: served from cache, provider untouched
	now = now.Add(10 * time.Second)
	res, err = h.GetPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "primary", res.Source)
	assert.EqualValues(t, 1, primary.calls.Load())

	// t=31: TTL elapsed, a fresh fetch occurs
	now = now.Add(21 * time.Second)
	res, err = h.GetPrice(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, primary.calls.Load())
}

func TestGetPriceFallsBackAndCachesFallbackSource(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	primary := &fakePriceSource{name: "primary", err: errors.New("503")}
	fallback := &fakePriceSource{name: "fallback", price: 49900}
	h := testHub(&now, []PriceSource{primary, fallback}, nil)

	res, err := h.GetPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Source)
	// primary exhausted its 2-attempt budget before the fallback ran
	assert.EqualValues(t, 2, primary.calls.Load())

	now = now.Add(5 * time.Second)
	res, err = h.GetPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "fallback", res.Source)
}

func TestGetPriceAggregatesAllFailuresAndCachesNothing(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	primary := &fakePriceSource{name: "primary", err: errors.New("dns fail")}
	fallback := &fakePriceSource{name: "fallback", err: errors.New("rate limited")}
	h := testHub(&now, []PriceSource{primary, fallback}, nil)

	_, err := h.GetPrice(context.Background())
	require.Error(t, err)

	var agg *AllSourcesFailedError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Failures, 2)
	assert.Contains(t, err.Error(), "primary")
	assert.Contains(t, err.Error(), "fallback")
	assert.Contains(t, err.Error(), "dns fail")
	assert.Contains(t, err.Error(), "rate limited")

	// nothing cached: next call hits providers again
	_, err = h.GetPrice(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 4, primary.calls.Load())
}

func TestGetPriceSingleFlightDedupesConcurrentMisses(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	primary := &fakePriceSource{name: "primary", price: 51000, delay: 50 * time.Millisecond}
	h := testHub(&now, []PriceSource{primary}, nil)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.GetPrice(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 51000.0, res.ValueUSD)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, primary.calls.Load())
}

func TestGetAllIsFailureIndependent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	primary := &fakePriceSource{name: "primary", err: errors.New("down")}
	chain := &fakeChainSource{name: "mempool"}
	h := testHub(&now, []PriceSource{primary}, []ChainSource{chain})

	snap := h.GetAll(context.Background())
	require.Nil(t, snap.Price)
	assert.NotEmpty(t, snap.PriceError)
	require.NotNil(t, snap.Chain)
	assert.Equal(t, 3.125, snap.Chain.BlockRewardBTC)
	assert.Empty(t, snap.ChainError)
}
