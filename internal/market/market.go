package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cache keys. One entry per metric; overwritten on each successful fetch.
const (
	priceKey = "price:btc_usd"
	chainKey = "chain:btc"
)

var (
	// ErrUpstreamTimeout marks a fetch attempt that ran out its deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstream marks any other provider failure (transport, status, parse).
	ErrUpstream = errors.New("upstream error")
)

// PriceData is produced by a provider; immutable once created.
type PriceData struct {
	ValueUSD  float64   `json:"value_usd"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ChainData carries the network metrics curtailment planning needs.
type ChainData struct {
	Difficulty         float64   `json:"difficulty"`
	BlockRewardBTC     float64   `json:"block_reward_btc"`
	NetworkHashratePHS float64   `json:"network_hashrate_phs"`
	Source             string    `json:"source"`
	FetchedAt          time.Time `json:"fetched_at"`
}

type PriceResult struct {
	PriceData
	Cached      bool      `json:"cached"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

type ChainResult struct {
	ChainData
	Cached      bool      `json:"cached"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// PriceSource fetches a spot price. The hub holds an ordered list of these;
// order encodes primary-before-fallback.
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context) (PriceData, error)
}

type ChainSource interface {
	Name() string
	FetchChain(ctx context.Context) (ChainData, error)
}

// SourceFailure is one provider's terminal failure inside an aggregated error.
type SourceFailure struct {
	Source string
	Err    error
}

// AllSourcesFailedError aggregates the per-source causes after the whole
// ordered list is exhausted. Nothing was cached.
type AllSourcesFailedError struct {
	Metric   string
	Failures []SourceFailure
}

func (e *AllSourcesFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Source, f.Err))
	}
	return fmt.Sprintf("all %s sources failed: %s", e.Metric, strings.Join(parts, "; "))
}

func (e *AllSourcesFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
