//go:build mikrotik
// +build mikrotik

package main

import (
	"context"

	"go.uber.org/zap"

	"curtail-control/internal/fleetcfg"
	"curtail-control/internal/fleetcfg/mikrotikleases"
	"curtail-control/internal/miner"
	"curtail-control/internal/registry"
	"curtail-control/internal/secrets"
	"curtail-control/internal/settings"
)

// mergedSource unions the static fleet with RouterOS DHCP discovery.
// Static entries win on id collisions so operator overrides stick.
type mergedSource struct {
	log    *zap.Logger
	static *fleetcfg.Store
	st     *settings.Store
	sec    *secrets.Secrets
}

func (m *mergedSource) Load(ctx context.Context) ([]miner.Config, error) {
	out, err := m.static.Load(ctx)
	if err != nil {
		return nil, err
	}
	cur := m.st.Get()
	if !cur.MikroTik.Enabled {
		return out, nil
	}
	pass, err := m.sec.DecryptString(cur.MikroTik.PasswordEnc)
	if err != nil {
		return nil, err
	}
	leases, err := mikrotikleases.New(cur.MikroTik, pass).Load(ctx)
	if err != nil {
		// discovery is additive; a down router must not hide the static fleet
		m.log.Warn("mikrotik lease discovery failed", zap.Error(err))
		return out, nil
	}
	have := map[string]bool{}
	for _, c := range out {
		have[c.ID] = true
	}
	for _, c := range leases {
		if !have[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func fleetSource(log *zap.Logger, st *settings.Store, sec *secrets.Secrets) registry.Source {
	return &mergedSource{log: log, static: fleetcfg.New(st, sec), st: st, sec: sec}
}
