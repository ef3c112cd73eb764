package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	cur := s.Get()
	assert.Equal(t, 1, cur.Version)
	assert.Equal(t, ":8080", cur.HTTPAddr)
	assert.Equal(t, 30*time.Second, cur.Market.PriceTTL)

	_, err = os.Stat(filepath.Join(dir, "settings.json"))
	assert.NoError(t, err)
}

func TestUpdateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	cur := s.Get()
	cur.HTTPAddr = ":9000"
	cur.Miners = []Miner{{ID: "m1", Address: "10.0.0.5", Protocol: "antminer", Enabled: true}}
	require.NoError(t, s.Update(cur))

	s2, err := Open(dir)
	require.NoError(t, err)
	got := s2.Get()
	assert.Equal(t, ":9000", got.HTTPAddr)
	require.Len(t, got.Miners, 1)
	assert.Equal(t, "m1", got.Miners[0].ID)
}

func TestCorruptFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0o644))

	s, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, Defaults().HTTPAddr, s.Get().HTTPAddr)
}

func TestPatchAppliesSingleField(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Patch(func(c *Settings) { c.LogLevel = "debug" }))
	got := s.Get()
	assert.Equal(t, "debug", got.LogLevel)
	assert.Equal(t, Defaults().HTTPAddr, got.HTTPAddr)
}
