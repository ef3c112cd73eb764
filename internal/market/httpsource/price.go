package httpsource

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"curtail-control/internal/market"
)

// CoinGecko is the primary spot-price source.
type CoinGecko struct {
	base   string
	client *http.Client
}

func NewCoinGecko(baseURL string, timeout time.Duration) *CoinGecko {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com"
	}
	return &CoinGecko{base: baseURL, client: newClient(timeout)}
}

func (s *CoinGecko) Name() string { return "coingecko" }

func (s *CoinGecko) FetchPrice(ctx context.Context) (market.PriceData, error) {
	var out struct {
		Bitcoin struct {
			USD float64 `json:"usd"`
		} `json:"bitcoin"`
	}
	url := s.base + "/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"
	if err := getJSON(ctx, s.client, url, &out); err != nil {
		return market.PriceData{}, err
	}
	if out.Bitcoin.USD <= 0 {
		return market.PriceData{}, fmt.Errorf("coingecko: zero price: %w", market.ErrUpstream)
	}
	return market.PriceData{ValueUSD: out.Bitcoin.USD, FetchedAt: time.Now().UTC()}, nil
}

// Coinbase is the fallback spot-price source.
type Coinbase struct {
	base   string
	client *http.Client
}

func NewCoinbase(baseURL string, timeout time.Duration) *Coinbase {
	if baseURL == "" {
		baseURL = "https://api.coinbase.com"
	}
	return &Coinbase{base: baseURL, client: newClient(timeout)}
}

func (s *Coinbase) Name() string { return "coinbase" }

func (s *Coinbase) FetchPrice(ctx context.Context) (market.PriceData, error) {
	var out struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := getJSON(ctx, s.client, s.base+"/v2/prices/BTC-USD/spot", &out); err != nil {
		return market.PriceData{}, err
	}
	v, err := strconv.ParseFloat(out.Data.Amount, 64)
	if err != nil || v <= 0 {
		return market.PriceData{}, fmt.Errorf("coinbase: bad amount %q: %w", out.Data.Amount, market.ErrUpstream)
	}
	return market.PriceData{ValueUSD: v, FetchedAt: time.Now().UTC()}, nil
}
