package vnish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"curtail-control/internal/miner"
	"curtail-control/internal/models"
)

// Vnish/Anthill-style JSON API. The UI is an SPA; data and commands live
// under /api/v1 behind a short-lived unlock token.
const (
	pathUnlock      = "/api/v1/unlock"
	pathSummary     = "/api/v1/summary"
	pathInfo        = "/api/v1/info"
	pathPowerTarget = "/api/v1/settings/power-target"
	pathRestart     = "/api/v1/mining/restart"
)

const tokenLifetime = 10 * time.Minute

type Adapter struct {
	cfg      miner.Config
	baseline models.Baseline
	client   *http.Client

	mu         sync.Mutex
	token      string
	tokenUntil time.Time
	lastLimit  float64 // -1 when unknown
}

func New(cfg miner.Config) *Adapter {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 1500 * time.Millisecond, KeepAlive: -1}).DialContext,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		TLSHandshakeTimeout: 900 * time.Millisecond,
	}
	return &Adapter{
		cfg:       cfg,
		baseline:  models.BaselineFor(cfg.Model),
		client:    &http.Client{Timeout: 6 * time.Second, Transport: tr},
		lastLimit: -1,
	}
}

func (a *Adapter) unlock(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Now().Before(a.tokenUntil) {
		tok := a.token
		a.mu.Unlock()
		return tok, nil
	}
	a.mu.Unlock()

	body, _ := json.Marshal(map[string]string{"pw": a.cfg.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+a.cfg.Address+pathUnlock, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Close = true
	req.Header.Set("Connection", "close")
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s unlock: %v: %w", a.cfg.ID, err, miner.ErrConnectivity)
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s unlock: http %s", a.cfg.ID, resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.Token == "" {
		return "", fmt.Errorf("%s unlock: no token in response", a.cfg.ID)
	}

	a.mu.Lock()
	a.token = out.Token
	a.tokenUntil = time.Now().Add(tokenLifetime)
	a.mu.Unlock()
	return out.Token, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte, out any) error {
	tok, err := a.unlock(ctx)
	if err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+a.cfg.Address+path, rd)
	if err != nil {
		return err
	}
	req.Close = true
	req.Header.Set("Connection", "close")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", a.cfg.ID, path, err, miner.ErrConnectivity)
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// stale token; drop and let the next call re-unlock
		a.mu.Lock()
		a.token = ""
		a.mu.Unlock()
		return fmt.Errorf("%s %s: unauthorized", a.cfg.ID, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: http %s", a.cfg.ID, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	low := strings.TrimSpace(strings.ToLower(string(b)))
	if strings.HasPrefix(low, "<!doctype html") || strings.HasPrefix(low, "<html") {
		return fmt.Errorf("%s %s: html response (no json api)", a.cfg.ID, path)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s %s: parse: %w", a.cfg.ID, path, err)
	}
	return nil
}

func (a *Adapter) ReadState(ctx context.Context) (miner.State, error) {
	st := miner.State{
		ID:      a.cfg.ID,
		Model:   a.cfg.Model,
		Address: a.cfg.Address,
	}
	var sum summaryResp
	if err := a.do(ctx, http.MethodGet, pathSummary, nil, &sum); err != nil {
		return st, err
	}
	st.Online = true
	st.LastSeen = time.Now().UTC()
	applySummary(&st, sum)

	if st.Model == "" {
		var info infoResp
		if err := a.do(ctx, http.MethodGet, pathInfo, nil, &info); err == nil && info.Model != "" {
			st.Model = info.Model
		}
	}

	if lim, err := a.PowerLimit(ctx); err == nil {
		st.PowerLimit = lim
	}
	return st, nil
}

func (a *Adapter) SetPowerLimit(ctx context.Context, fraction float64) error {
	if err := miner.ValidateFraction(fraction); err != nil {
		return fmt.Errorf("set power limit %v: %w", fraction, err)
	}
	// The firmware takes an absolute watt target; scale from nameplate.
	watt := int(a.baseline.PowerW * fraction)
	body, _ := json.Marshal(map[string]any{"watt": watt})
	if err := a.do(ctx, http.MethodPost, pathPowerTarget, body, nil); err != nil {
		return err
	}
	a.mu.Lock()
	a.lastLimit = fraction
	a.mu.Unlock()
	return nil
}

func (a *Adapter) PowerLimit(ctx context.Context) (float64, error) {
	var pt powerTargetResp
	if err := a.do(ctx, http.MethodGet, pathPowerTarget, nil, &pt); err != nil {
		return 0, err
	}
	if pt.Watt > 0 && a.baseline.PowerW > 0 {
		lim := float64(pt.Watt) / a.baseline.PowerW
		if lim > 1 {
			lim = 1
		}
		a.mu.Lock()
		a.lastLimit = lim
		a.mu.Unlock()
		return lim, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastLimit >= 0 {
		return a.lastLimit, nil
	}
	return 1.0, nil
}

func (a *Adapter) Reboot(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, pathRestart, nil, nil)
}
