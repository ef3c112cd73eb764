//go:build !mikrotik
// +build !mikrotik

package main

import (
	"go.uber.org/zap"

	"curtail-control/internal/fleetcfg"
	"curtail-control/internal/registry"
	"curtail-control/internal/secrets"
	"curtail-control/internal/settings"
)

func fleetSource(log *zap.Logger, st *settings.Store, sec *secrets.Secrets) registry.Source {
	if st.Get().MikroTik.Enabled {
		log.Warn("mikrotik discovery configured but binary built without mikrotik tag")
	}
	return fleetcfg.New(st, sec)
}
