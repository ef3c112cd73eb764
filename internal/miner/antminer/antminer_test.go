package antminer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curtail-control/internal/miner"
)

func adapterFor(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	return New(miner.Config{
		ID:       "m1",
		Model:    "Antminer S19",
		Address:  strings.TrimPrefix(srv.URL, "http://"),
		Username: "root",
		Password: "root",
	})
}

func TestRebootAckOnHTTPOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cgi-bin/reboot.cgi", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := adapterFor(t, srv)
	assert.NoError(t, a.Reboot(context.Background()))
}

func TestRebootAckWhenBoardDropsConnection(t *testing.T) {
	// the board kills the link mid-restart; the command was already written
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer srv.Close()

	a := adapterFor(t, srv)
	assert.NoError(t, a.Reboot(context.Background()))
}

func TestRebootDialFailureIsAnError(t *testing.T) {
	// grab a port and close it so nothing is listening
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	a := New(miner.Config{ID: "m1", Model: "Antminer S19", Address: addr})
	err := a.Reboot(context.Background())
	require.Error(t, err, "a command that never left the host is not acknowledged")
	assert.ErrorIs(t, err, miner.ErrConnectivity)
}
