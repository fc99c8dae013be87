package admin

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_WaitsForSessionsOnShutdown(t *testing.T) {
	e := newEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(e.ctx)
	served := make(chan error, 1)
	go func() { served <- e.srv.serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Read the banner so the session goroutine is definitely running.
	banner := make([]byte, len(welcomeBanner))
	_, err = io.ReadFull(conn, banner)
	require.NoError(t, err)
	assert.Equal(t, welcomeBanner, string(banner))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}

	// serve returned only after the session closed its connection, so
	// the remaining stream drains straight to EOF, not a read timeout.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.Copy(io.Discard, conn)
	assert.NoError(t, err)
}
