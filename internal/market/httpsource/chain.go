package httpsource

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"curtail-control/internal/market"
)

// blockSubsidyBTC derives the current coinbase reward from chain height.
func blockSubsidyBTC(height int64) float64 {
	subsidy := 50.0
	for h := height; h >= 210000; h -= 210000 {
		subsidy /= 2
	}
	return subsidy
}

// Mempool reads network metrics from a mempool.space instance (primary).
type Mempool struct {
	base   string
	client *http.Client
}

func NewMempool(baseURL string, timeout time.Duration) *Mempool {
	if baseURL == "" {
		baseURL = "https://mempool.space"
	}
	return &Mempool{base: baseURL, client: newClient(timeout)}
}

func (s *Mempool) Name() string { return "mempool" }

func (s *Mempool) FetchChain(ctx context.Context) (market.ChainData, error) {
	var hr struct {
		CurrentHashrate   float64 `json:"currentHashrate"` // H/s
		CurrentDifficulty float64 `json:"currentDifficulty"`
	}
	if err := getJSON(ctx, s.client, s.base+"/api/v1/mining/hashrate/3d", &hr); err != nil {
		return market.ChainData{}, err
	}
	var height int64
	if err := getJSON(ctx, s.client, s.base+"/api/blocks/tip/height", &height); err != nil {
		return market.ChainData{}, err
	}
	if hr.CurrentDifficulty <= 0 || hr.CurrentHashrate <= 0 {
		return market.ChainData{}, fmt.Errorf("mempool: empty metrics: %w", market.ErrUpstream)
	}
	return market.ChainData{
		Difficulty:         hr.CurrentDifficulty,
		NetworkHashratePHS: hr.CurrentHashrate / 1e15,
		BlockRewardBTC:     blockSubsidyBTC(height),
		FetchedAt:          time.Now().UTC(),
	}, nil
}

// BlockchainInfo reads the same metrics from blockchain.info (fallback).
// The /q endpoints return bare numbers.
type BlockchainInfo struct {
	base   string
	client *http.Client
}

func NewBlockchainInfo(baseURL string, timeout time.Duration) *BlockchainInfo {
	if baseURL == "" {
		baseURL = "https://blockchain.info"
	}
	return &BlockchainInfo{base: baseURL, client: newClient(timeout)}
}

func (s *BlockchainInfo) Name() string { return "blockchain.info" }

func (s *BlockchainInfo) FetchChain(ctx context.Context) (market.ChainData, error) {
	var difficulty float64
	if err := getJSON(ctx, s.client, s.base+"/q/getdifficulty", &difficulty); err != nil {
		return market.ChainData{}, err
	}
	var hashrateGHS float64
	if err := getJSON(ctx, s.client, s.base+"/q/hashrate", &hashrateGHS); err != nil {
		return market.ChainData{}, err
	}
	var rewardBTC float64
	if err := getJSON(ctx, s.client, s.base+"/q/bcperblock", &rewardBTC); err != nil {
		return market.ChainData{}, err
	}
	if difficulty <= 0 || hashrateGHS <= 0 {
		return market.ChainData{}, fmt.Errorf("blockchain.info: empty metrics: %w", market.ErrUpstream)
	}
	return market.ChainData{
		Difficulty:         difficulty,
		NetworkHashratePHS: hashrateGHS / 1e6,
		BlockRewardBTC:     rewardBTC,
		FetchedAt:          time.Now().UTC(),
	}, nil
}
