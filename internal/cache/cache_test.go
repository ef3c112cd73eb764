package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsLastSetBeforeTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewWithClock(func() time.Time { return now })

	s.Set("price:btc_usd", 50000.0, 30*time.Second)
	s.Set("price:btc_usd", 51000.0, 30*time.Second)

	now = now.Add(10 * time.Second)
	v, ok := s.Get("price:btc_usd")
	require.True(t, ok)
	assert.Equal(t, 51000.0, v)
}

func TestGetMissesAfterTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewWithClock(func() time.Time { return now })

	s.Set("k", "v", 30*time.Second)

	now = now.Add(30 * time.Second) // boundary: now == expires_at is a miss
	_, ok := s.Get("k")
	assert.False(t, ok)

	now = now.Add(time.Second)
	_, ok = s.Get("k")
	assert.False(t, ok)
}

func TestGetMissesOnAbsentKey(t *testing.T) {
	s := New()
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestSetOverwritesExpiredEntry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewWithClock(func() time.Time { return now })

	s.Set("k", 1, time.Second)
	now = now.Add(2 * time.Second)
	_, ok := s.Get("k")
	require.False(t, ok)

	s.Set("k", 2, time.Second)
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, s.Len())
}
