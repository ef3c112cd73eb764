package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curtail-control/internal/miner"
	"curtail-control/internal/miner/sim"
)

type staticSource struct {
	cfgs []miner.Config
}

func (s staticSource) Load(ctx context.Context) ([]miner.Config, error) {
	return s.cfgs, nil
}

func testConfigs() []miner.Config {
	return []miner.Config{
		{ID: "m2", Model: "Antminer S19", Address: "10.0.0.2", Protocol: miner.ProtocolSim},
		{ID: "m1", Model: "Antminer S19", Address: "10.0.0.1", Protocol: miner.ProtocolSim},
	}
}

func TestLoadConfigsOrderedByID(t *testing.T) {
	r := New(staticSource{cfgs: testConfigs()})
	cfgs, err := r.LoadConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "m1", cfgs[0].ID)
	assert.Equal(t, "m2", cfgs[1].ID)
}

func TestAdapterCachedPerID(t *testing.T) {
	r := New(staticSource{cfgs: testConfigs()})
	cfg := testConfigs()[0]

	a1, err := r.Adapter(cfg)
	require.NoError(t, err)
	a2, err := r.Adapter(cfg)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestAdapterUnknownProtocol(t *testing.T) {
	r := New(staticSource{})
	_, err := r.Adapter(miner.Config{ID: "x", Protocol: "telepathy"})
	assert.ErrorIs(t, err, miner.ErrInvalidArgument)
}

func TestConcurrentCallersConvergeOnOneInstance(t *testing.T) {
	r := New(staticSource{})
	cfg := miner.Config{ID: "m1", Model: "Antminer S19", Protocol: miner.ProtocolSim}

	const n = 32
	got := make([]miner.Adapter, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := r.Adapter(cfg)
			require.NoError(t, err)
			got[i] = a
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
}

func TestLookupUnknownID(t *testing.T) {
	r := New(staticSource{cfgs: testConfigs()})
	_, err := r.LoadConfigs(context.Background())
	require.NoError(t, err)

	_, err = r.Lookup("ghost")
	assert.ErrorIs(t, err, miner.ErrNotFound)

	a, err := r.Lookup("m1")
	require.NoError(t, err)
	assert.IsType(t, &sim.Adapter{}, a)
}

func TestAllReturnsEveryConfiguredMiner(t *testing.T) {
	r := New(staticSource{cfgs: testConfigs()})
	_, err := r.LoadConfigs(context.Background())
	require.NoError(t, err)

	all, err := r.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "m1")
	assert.Contains(t, all, "m2")
}
