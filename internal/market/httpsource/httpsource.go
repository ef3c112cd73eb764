package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"curtail-control/internal/market"
)

// Shared HTTP plumbing for upstream market providers. Keep-alives stay
// off and bodies are bounded, same discipline as the device clients.
func newClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 2 * time.Second, KeepAlive: -1}).DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: 3 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "curtail-control")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", url, market.ErrUpstreamTimeout)
		}
		return fmt.Errorf("%s: %v: %w", url, err, market.ErrUpstream)
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: http %s: %w", url, resp.Status, market.ErrUpstream)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s: parse: %v: %w", url, err, market.ErrUpstream)
	}
	return nil
}
