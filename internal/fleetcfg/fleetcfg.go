// Package fleetcfg resolves the miner fleet from persisted settings.
package fleetcfg

import (
	"context"
	"fmt"

	"curtail-control/internal/miner"
	"curtail-control/internal/secrets"
	"curtail-control/internal/settings"
)

// Store loads miner configs from settings.json, decrypting credentials on
// the way out. It satisfies registry.Source.
type Store struct {
	settings *settings.Store
	secrets  *secrets.Secrets
}

func New(st *settings.Store, sec *secrets.Secrets) *Store {
	return &Store{settings: st, secrets: sec}
}

func (s *Store) Load(ctx context.Context) ([]miner.Config, error) {
	cur := s.settings.Get()
	out := make([]miner.Config, 0, len(cur.Miners))
	for _, m := range cur.Miners {
		if !m.Enabled {
			continue
		}
		user, err := s.secrets.DecryptString(m.UsernameEnc)
		if err != nil {
			return nil, fmt.Errorf("miner %s: decrypt username: %w", m.ID, err)
		}
		pass, err := s.secrets.DecryptString(m.PasswordEnc)
		if err != nil {
			return nil, fmt.Errorf("miner %s: decrypt password: %w", m.ID, err)
		}
		out = append(out, miner.Config{
			ID:       m.ID,
			Model:    m.Model,
			Address:  m.Address,
			Protocol: m.Protocol,
			Username: user,
			Password: pass,
		})
	}
	return out, nil
}

// Seal encrypts plaintext credentials into a settings entry. Handlers call
// this before persisting a PUT body so plaintext never reaches disk.
func Seal(sec *secrets.Secrets, m *settings.Miner, username, password string) error {
	var err error
	if username != "" {
		if m.UsernameEnc, err = sec.EncryptString(username); err != nil {
			return err
		}
	}
	if password != "" {
		if m.PasswordEnc, err = sec.EncryptString(password); err != nil {
			return err
		}
	}
	return nil
}
