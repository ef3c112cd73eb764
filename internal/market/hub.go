package market

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"curtail-control/internal/audit"
	"curtail-control/internal/cache"
	"curtail-control/internal/retry"
)

// Hub is the unified facade for price and chain-metric reads. On a cache
// miss it walks an ordered provider list under the retry policy, caching
// the first success. Concurrent misses for the same key are deduped with
// singleflight so only one upstream fetch is in flight per key.
type Hub struct {
	log   *zap.Logger
	cache *cache.Store
	audit audit.Recorder

	policy   retry.Policy
	price    []PriceSource
	chain    []ChainSource
	priceTTL time.Duration
	chainTTL time.Duration

	sf  singleflight.Group
	now func() time.Time
}

type HubConfig struct {
	Policy   retry.Policy
	PriceTTL time.Duration
	ChainTTL time.Duration
}

func NewHub(log *zap.Logger, store *cache.Store, rec audit.Recorder, cfg HubConfig, price []PriceSource, chain []ChainSource) *Hub {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Hub{
		log:      log.Named("market"),
		cache:    store,
		audit:    rec,
		policy:   cfg.Policy,
		price:    price,
		chain:    chain,
		priceTTL: cfg.PriceTTL,
		chainTTL: cfg.ChainTTL,
		now:      time.Now,
	}
}

// GetPrice returns the cached BTC/USD price or fetches it from the ordered
// source list. Cached results carry the original fetch timestamp.
func (h *Hub) GetPrice(ctx context.Context) (PriceResult, error) {
	if v, ok := h.cache.Get(priceKey); ok {
		d := v.(PriceData)
		return PriceResult{PriceData: d, Cached: true, RefreshedAt: d.FetchedAt}, nil
	}

	v, err, _ := h.sf.Do(priceKey, func() (any, error) {
		return h.fetchPrice(ctx)
	})
	if err != nil {
		return PriceResult{}, err
	}
	d := v.(PriceData)
	return PriceResult{PriceData: d, Cached: false, RefreshedAt: h.now()}, nil
}

func (h *Hub) fetchPrice(ctx context.Context) (PriceData, error) {
	var failures []SourceFailure
	for _, src := range h.price {
		start := h.now()
		d, err := retry.Result(ctx, h.policy, func(ctx context.Context) (PriceData, error) {
			return src.FetchPrice(ctx)
		})
		latency := h.now().Sub(start)
		if err == nil {
			d.Source = src.Name()
			if d.FetchedAt.IsZero() {
				d.FetchedAt = h.now().UTC()
			}
			h.cache.Set(priceKey, d, h.priceTTL)
			h.audit.RecordDataFetch(src.Name(), "price", "ok", latency, "")
			return d, nil
		}
		h.audit.RecordDataFetch(src.Name(), "price", fetchStatus(err), latency, err.Error())
		h.log.Warn("price source failed", zap.String("source", src.Name()), zap.Error(err))
		failures = append(failures, SourceFailure{Source: src.Name(), Err: err})
	}
	return PriceData{}, &AllSourcesFailedError{Metric: "price", Failures: failures}
}

// GetChainData is symmetric with GetPrice over the chain source list.
func (h *Hub) GetChainData(ctx context.Context) (ChainResult, error) {
	if v, ok := h.cache.Get(chainKey); ok {
		d := v.(ChainData)
		return ChainResult{ChainData: d, Cached: true, RefreshedAt: d.FetchedAt}, nil
	}

	v, err, _ := h.sf.Do(chainKey, func() (any, error) {
		return h.fetchChain(ctx)
	})
	if err != nil {
		return ChainResult{}, err
	}
	d := v.(ChainData)
	return ChainResult{ChainData: d, Cached: false, RefreshedAt: h.now()}, nil
}

func (h *Hub) fetchChain(ctx context.Context) (ChainData, error) {
	var failures []SourceFailure
	for _, src := range h.chain {
		start := h.now()
		d, err := retry.Result(ctx, h.policy, func(ctx context.Context) (ChainData, error) {
			return src.FetchChain(ctx)
		})
		latency := h.now().Sub(start)
		if err == nil {
			d.Source = src.Name()
			if d.FetchedAt.IsZero() {
				d.FetchedAt = h.now().UTC()
			}
			h.cache.Set(chainKey, d, h.chainTTL)
			h.audit.RecordDataFetch(src.Name(), "chain", "ok", latency, "")
			return d, nil
		}
		h.audit.RecordDataFetch(src.Name(), "chain", fetchStatus(err), latency, err.Error())
		h.log.Warn("chain source failed", zap.String("source", src.Name()), zap.Error(err))
		failures = append(failures, SourceFailure{Source: src.Name(), Err: err})
	}
	return ChainData{}, &AllSourcesFailedError{Metric: "chain", Failures: failures}
}

// Snapshot bundles both reads; either side may fail independently.
type Snapshot struct {
	Price      *PriceResult `json:"price,omitempty"`
	PriceError string       `json:"price_error,omitempty"`
	Chain      *ChainResult `json:"chain,omitempty"`
	ChainError string       `json:"chain_error,omitempty"`
}

// GetAll fetches price and chain data concurrently. A failure in one must
// not affect the other's result.
func (h *Hub) GetAll(ctx context.Context) Snapshot {
	var snap Snapshot
	done := make(chan struct{})
	go func() {
		defer close(done)
		if p, err := h.GetPrice(ctx); err != nil {
			snap.PriceError = err.Error()
		} else {
			snap.Price = &p
		}
	}()
	if c, err := h.GetChainData(ctx); err != nil {
		snap.ChainError = err.Error()
	} else {
		snap.Chain = &c
	}
	<-done
	return snap
}

func fetchStatus(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUpstreamTimeout) {
		return "timeout"
	}
	return "error"
}
