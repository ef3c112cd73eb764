package antminer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// Stock Antminer JSON CGI endpoints.
const (
	pathSystemInfo = "/cgi-bin/get_system_info.cgi"
	pathSummary    = "/cgi-bin/summary.cgi"
	pathStats      = "/cgi-bin/stats.cgi"
	pathMinerConf  = "/cgi-bin/get_miner_conf.cgi"
	pathSetConf    = "/cgi-bin/set_miner_conf.cgi"
	pathReboot     = "/cgi-bin/reboot.cgi"
)

// Adapter speaks the stock Antminer HTTP CGI API with Basic auth and a
// Digest fallback (common on lighttpd builds). Power limiting uses the
// freq-level percent knob exposed by S19-era firmwares.
type Adapter struct {
	cfg      miner.Config
	baseline models.Baseline
	client   *http.Client

	mu        sync.Mutex
	lastLimit float64 // last limit we applied or read; -1 when unknown
}

func New(cfg miner.Config) *Adapter {
	// ASIC web servers are fragile with keep-alive; force Connection: close.
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 1400 * time.Millisecond, KeepAlive: -1}).DialContext,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		TLSHandshakeTimeout: 900 * time.Millisecond,
	}
	return &Adapter{
		cfg:       cfg,
		baseline:  models.BaselineFor(cfg.Model),
		client:    &http.Client{Timeout: 5 * time.Second, Transport: tr},
		lastLimit: -1,
	}
}

// doJSON issues one CGI request, retrying once with Digest auth on 401.
func (a *Adapter) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	url := "http://" + a.cfg.Address + path

	build := func(auth string) (*http.Request, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		req.Close = true
		req.Header.Set("Connection", "close")
		req.Header.Set("Accept", "application/json,text/plain;q=0.9,*/*;q=0.8")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		} else if a.cfg.Username != "" {
			req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
		}
		return req, nil
	}

	req, err := build("")
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", a.cfg.ID, path, err, miner.ErrConnectivity)
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		ch, ok := parseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
		if !ok || a.cfg.Username == "" {
			return fmt.Errorf("%s %s: unauthorized", a.cfg.ID, path)
		}
		req, err = build(buildDigestAuth(a.cfg.Username, a.cfg.Password, method, path, ch))
		if err != nil {
			return err
		}
		resp, err = a.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w: %w", a.cfg.ID, path, err, miner.ErrConnectivity)
		}
		b, _ = io.ReadAll(io.LimitReader(resp.Body, 256*1024))
		_ = resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: http %s", a.cfg.ID, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	// Some firmwares prepend junk before the JSON body.
	if err := json.Unmarshal(sanitizeJSON(b), out); err != nil {
		return fmt.Errorf("%s %s: parse: %w", a.cfg.ID, path, err)
	}
	return nil
}

func sanitizeJSON(b []byte) []byte {
	s := string(b)
	if i := strings.Index(s, "{"); i >= 0 {
		return []byte(strings.TrimSpace(s[i:]))
	}
	if i := strings.Index(s, "["); i >= 0 {
		return []byte(strings.TrimSpace(s[i:]))
	}
	return b
}

func (a *Adapter) ReadState(ctx context.Context) (miner.State, error) {
	st := miner.State{
		ID:      a.cfg.ID,
		Model:   a.cfg.Model,
		Address: a.cfg.Address,
	}

	var summary summaryResp
	if err := a.doJSON(ctx, http.MethodGet, pathSummary, nil, &summary); err != nil {
		return st, err
	}
	st.Online = true
	st.LastSeen = time.Now().UTC()
	applySummary(&st, summary)

	var stats statsResp
	if err := a.doJSON(ctx, http.MethodGet, pathStats, nil, &stats); err == nil {
		applyStats(&st, stats)
	}

	var info systemInfoResp
	if err := a.doJSON(ctx, http.MethodGet, pathSystemInfo, nil, &info); err == nil {
		if info.MinerType != "" {
			st.Model = info.MinerType
		}
	}
	// Estimate draw from the nameplate curve when firmware reports none.
	if st.PowerW == 0 && st.HashrateTHS > 0 && a.baseline.HashrateTHS > 0 {
		st.PowerW = a.baseline.PowerW * (st.HashrateTHS / a.baseline.HashrateTHS)
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
	body, _ := json.Marshal(map[string]any{
		"freq-level": int(fraction * 100),
	})
	if err := a.doJSON(ctx, http.MethodPost, pathSetConf, body, nil); err != nil {
		return err
	}
	a.mu.Lock()
	a.lastLimit = fraction
	a.mu.Unlock()
	return nil
}

func (a *Adapter) PowerLimit(ctx context.Context) (float64, error) {
	var conf minerConfResp
	if err := a.doJSON(ctx, http.MethodGet, pathMinerConf, nil, &conf); err != nil {
		return 0, err
	}
	if conf.FreqLevel != nil {
		lim := float64(*conf.FreqLevel) / 100
		a.mu.Lock()
		a.lastLimit = lim
		a.mu.Unlock()
		return lim, nil
	}
	// Firmware without the freq-level knob: fall back to the last value we
	// applied, else assume full power.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastLimit >= 0 {
		return a.lastLimit, nil
	}
	return 1.0, nil
}

func (a *Adapter) Reboot(ctx context.Context) error {
	err := a.doJSON(ctx, http.MethodGet, pathReboot, nil, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, miner.ErrConnectivity) {
		return err
	}
	// A dial failure means the command never left this host; that is a real
	// error, not a reboot in progress.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return err
	}
	// The board drops the connection while restarting; losing the link after
	// the request was written counts as acknowledged.
	return nil
}
