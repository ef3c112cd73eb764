package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	enc, err := s.EncryptString("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", enc)

	dec, err := s.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", dec)
}

func TestEmptyStringPassesThrough(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	enc, err := s.EncryptString("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := s.DecryptString("")
	require.NoError(t, err)
	assert.Empty(t, dec)
}

func TestKeyPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	enc, err := s1.EncryptString("secret")
	require.NoError(t, err)

	s2, err := Open(dir)
	require.NoError(t, err)
	dec, err := s2.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "secret", dec)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	s1, err := Open(t.TempDir())
	require.NoError(t, err)
	enc, err := s1.EncryptString("secret")
	require.NoError(t, err)

	s2, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s2.DecryptString(enc)
	assert.Error(t, err)
}
