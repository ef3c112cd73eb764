package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curtail-control/internal/miner"
)

func newTestAdapter(now *time.Time) *Adapter {
	cfg := miner.Config{ID: "m1", Model: "Antminer S19 XP", Address: "10.0.0.10", Protocol: miner.ProtocolSim}
	return New(cfg,
		WithClock(func() time.Time { return *now }),
		WithSeed(1),
		WithRecovery(90*time.Second),
	)
}

func TestHashrateScalesWithPowerLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAdapter(&now)
	ctx := context.Background()

	require.NoError(t, a.SetPowerLimit(ctx, 0.8))
	st, err := a.ReadState(ctx)
	require.NoError(t, err)
	require.True(t, st.Online)

	// baseline 140 TH/s at limit 1.0; expect 140*0.8 within ±5% jitter
	want := 140.0 * 0.8
	assert.InDelta(t, want, st.HashrateTHS, want*0.05)
	assert.Equal(t, 0.8, st.PowerLimit)
}

func TestSetPowerLimitRejectsOutOfRange(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAdapter(&now)
	ctx := context.Background()

	err := a.SetPowerLimit(ctx, 1.5)
	require.ErrorIs(t, err, miner.ErrInvalidArgument)
	err = a.SetPowerLimit(ctx, -0.1)
	require.ErrorIs(t, err, miner.ErrInvalidArgument)

	// rejected command must not mutate state
	lim, err := a.PowerLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, lim)
}

func TestRebootOfflineWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAdapter(&now)
	ctx := context.Background()

	require.NoError(t, a.Reboot(ctx))

	st, err := a.ReadState(ctx)
	require.NoError(t, err)
	assert.False(t, st.Online)

	_, err = a.PowerLimit(ctx)
	assert.ErrorIs(t, err, miner.ErrConnectivity)

	// device returns online on its own once the window elapses
	now = now.Add(91 * time.Second)
	st, err = a.ReadState(ctx)
	require.NoError(t, err)
	assert.True(t, st.Online)
}
