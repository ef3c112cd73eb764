//go:build mikrotik
// +build mikrotik

// Package mikrotikleases discovers miners from RouterOS DHCP leases.
// A lease whose comment starts with the configured prefix (default "asic:")
// is treated as a fleet member; the rest of the comment names the protocol,
// e.g. "asic:antminer" or "asic:vnish".
package mikrotikleases

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-routeros/routeros"

	"curtail-control/internal/miner"
	"curtail-control/internal/settings"
)

type Source struct {
	cfg      settings.MikroTik
	password string
	timeout  time.Duration
}

func New(cfg settings.MikroTik, password string) *Source {
	return &Source{cfg: cfg, password: password, timeout: 5 * time.Second}
}

func (s *Source) Load(ctx context.Context) ([]miner.Config, error) {
	// go-routeros doesn't accept context; bound the dial instead.
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.Dial("tcp", s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("routeros dial %s: %w", s.cfg.Address, err)
	}
	c, err := routeros.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer c.Close()
	if _, err := c.Login(s.cfg.Username, s.password); err != nil {
		return nil, fmt.Errorf("routeros login: %w", err)
	}

	rep, err := c.Run("/ip/dhcp-server/lease/print")
	if err != nil {
		return nil, err
	}

	prefix := s.cfg.LeaseCommentPrefix
	if prefix == "" {
		prefix = "asic:"
	}
	out := make([]miner.Config, 0, len(rep.Re))
	for _, re := range rep.Re {
		comment := re.Map["comment"]
		if !strings.HasPrefix(comment, prefix) {
			continue
		}
		ip := net.ParseIP(re.Map["address"])
		if ip == nil {
			continue
		}
		protocol := strings.TrimSpace(strings.TrimPrefix(comment, prefix))
		if protocol == "" {
			protocol = miner.ProtocolAntminer
		}
		id := re.Map["host-name"]
		if id == "" {
			id = normalizeMAC(re.Map["mac-address"])
		}
		out = append(out, miner.Config{
			ID:       id,
			Model:    re.Map["host-name"],
			Address:  ip.String(),
			Protocol: protocol,
		})
	}
	return out, nil
}

func normalizeMAC(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
