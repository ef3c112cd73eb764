package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"curtail-control/internal/miner"
	"curtail-control/internal/miner/antminer"
	"curtail-control/internal/miner/sim"
	"curtail-control/internal/miner/vnish"
)

// Source supplies the fleet configuration. Implementations live in
// internal/fleetcfg; the registry never writes configs back.
type Source interface {
	Load(ctx context.Context) ([]miner.Config, error)
}

// Factory builds an adapter for a protocol kind. Tests register fakes here.
type Factory func(cfg miner.Config) miner.Adapter

// Registry resolves device configuration to a cached adapter instance.
// Exactly one live adapter exists per miner id, so shared device state
// (current power limit, session tokens) cannot diverge across callers.
type Registry struct {
	source    Source
	factories map[string]Factory

	mu       sync.Mutex
	adapters map[string]miner.Adapter
	configs  map[string]miner.Config
}

func New(source Source) *Registry {
	return &Registry{
		source: source,
		factories: map[string]Factory{
			miner.ProtocolAntminer: func(cfg miner.Config) miner.Adapter { return antminer.New(cfg) },
			miner.ProtocolVnish:    func(cfg miner.Config) miner.Adapter { return vnish.New(cfg) },
			miner.ProtocolSim:      func(cfg miner.Config) miner.Adapter { return sim.New(cfg) },
		},
		adapters: map[string]miner.Adapter{},
		configs:  map[string]miner.Config{},
	}
}

// RegisterFactory overrides or adds a protocol constructor.
func (r *Registry) RegisterFactory(protocol string, f Factory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// LoadConfigs refreshes the known fleet from the config source, ordered by id.
// Adapters for ids that disappeared are dropped.
func (r *Registry) LoadConfigs(ctx context.Context) ([]miner.Config, error) {
	cfgs, err := r.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load miner configs: %w", err)
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].ID < cfgs[j].ID })

	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	for _, c := range cfgs {
		r.configs[c.ID] = c
		seen[c.ID] = true
	}
	for id := range r.adapters {
		if !seen[id] {
			delete(r.adapters, id)
			delete(r.configs, id)
		}
	}
	return cfgs, nil
}

// Adapter returns the cached instance for cfg.ID, constructing one selected
// by protocol kind on first use. Construction is serialized so concurrent
// callers converge on one instance.
func (r *Registry) Adapter(cfg miner.Config) (miner.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[cfg.ID]; ok {
		return a, nil
	}
	f, ok := r.factories[cfg.Protocol]
	if !ok {
		return nil, fmt.Errorf("miner %s: unknown protocol %q: %w", cfg.ID, cfg.Protocol, miner.ErrInvalidArgument)
	}
	a := f(cfg)
	r.adapters[cfg.ID] = a
	r.configs[cfg.ID] = cfg
	return a, nil
}

// Lookup resolves a known miner id to its adapter.
func (r *Registry) Lookup(id string) (miner.Adapter, error) {
	r.mu.Lock()
	cfg, ok := r.configs[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, miner.ErrNotFound)
	}
	return r.Adapter(cfg)
}

// All returns id -> adapter for every known config, constructing missing
// adapters on the way. Used for fleet-wide reads.
func (r *Registry) All() (map[string]miner.Adapter, error) {
	r.mu.Lock()
	cfgs := make([]miner.Config, 0, len(r.configs))
	for _, c := range r.configs {
		cfgs = append(cfgs, c)
	}
	r.mu.Unlock()

	out := make(map[string]miner.Adapter, len(cfgs))
	for _, c := range cfgs {
		a, err := r.Adapter(c)
		if err != nil {
			return nil, err
		}
		out[c.ID] = a
	}
	return out, nil
}
