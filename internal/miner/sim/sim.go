package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"curtail-control/internal/miner"
	"curtail-control/internal/models"
)

const defaultRecovery = 90 * time.Second

// Adapter simulates a miner so callers can be exercised under realistic
// noise without real hardware. Hashrate, temperature and fan speeds jitter
// within ±5% around a model-specific baseline scaled by the power limit.
type Adapter struct {
	cfg      miner.Config
	baseline models.Baseline
	recovery time.Duration

	mu           sync.Mutex
	powerLimit   float64
	offlineUntil time.Time

	now  func() time.Time
	rand *rand.Rand
}

type Option func(*Adapter)

// WithClock replaces the wall clock; tests use it to step through the
// reboot recovery window deterministically.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithSeed makes jitter reproducible.
func WithSeed(seed int64) Option {
	return func(a *Adapter) { a.rand = rand.New(rand.NewSource(seed)) }
}

// WithRecovery overrides the post-reboot offline window.
func WithRecovery(d time.Duration) Option {
	return func(a *Adapter) { a.recovery = d }
}

func New(cfg miner.Config, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:        cfg,
		baseline:   models.BaselineFor(cfg.Model),
		recovery:   defaultRecovery,
		powerLimit: 1.0,
		now:        time.Now,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// jitter returns v varied by at most ±5%.
func (a *Adapter) jitter(v float64) float64 {
	return v * (0.95 + 0.10*a.rand.Float64())
}

func (a *Adapter) ReadState(ctx context.Context) (miner.State, error) {
	if err := ctx.Err(); err != nil {
		return miner.State{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	st := miner.State{
		ID:         a.cfg.ID,
		Model:      a.cfg.Model,
		Address:    a.cfg.Address,
		PowerLimit: a.powerLimit,
		LastSeen:   now.UTC(),
	}
	// Online is computed from the stored offline_until timestamp; no
	// background timer flips the device back.
	if now.Before(a.offlineUntil) {
		st.Online = false
		return st, nil
	}
	st.Online = true
	st.HashrateTHS = a.jitter(a.baseline.HashrateTHS * a.powerLimit)
	st.TempC = a.jitter(a.baseline.TempC)
	st.PowerW = a.jitter(a.baseline.PowerW * a.powerLimit)
	st.FansRPM = make([]int, a.baseline.Fans)
	for i := range st.FansRPM {
		st.FansRPM[i] = int(a.jitter(5200))
	}
	return st, nil
}

func (a *Adapter) SetPowerLimit(ctx context.Context, fraction float64) error {
	if err := miner.ValidateFraction(fraction); err != nil {
		return fmt.Errorf("set power limit %v: %w", fraction, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now().Before(a.offlineUntil) {
		return fmt.Errorf("%s: %w", a.cfg.ID, miner.ErrConnectivity)
	}
	a.powerLimit = fraction
	return nil
}

func (a *Adapter) PowerLimit(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now().Before(a.offlineUntil) {
		return 0, fmt.Errorf("%s: %w", a.cfg.ID, miner.ErrConnectivity)
	}
	return a.powerLimit, nil
}

func (a *Adapter) Reboot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now().Before(a.offlineUntil) {
		return fmt.Errorf("%s: %w", a.cfg.ID, miner.ErrConnectivity)
	}
	a.offlineUntil = a.now().Add(a.recovery)
	return nil
}
