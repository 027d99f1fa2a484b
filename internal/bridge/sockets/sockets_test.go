package sockets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/streambridge/internal/bridge/portpool"
)

func TestOpenServerBindsPoolPort(t *testing.T) {
	pool := portpool.New(14000, 14010)
	f := NewFactory(pool)

	srv, err := f.OpenServer()
	require.NoError(t, err)
	defer f.Close(srv)

	require.GreaterOrEqual(t, srv.Port, 14000)
	require.LessOrEqual(t, srv.Port, 14010)
	require.False(t, srv.IsClient())
	require.Equal(t, 1, pool.Allocated())
}

func TestOpenClientConnectsToServer(t *testing.T) {
	pool := portpool.New(14020, 14030)
	f := NewFactory(pool)

	srv, err := f.OpenServer()
	require.NoError(t, err)
	defer f.Close(srv)

	cli, err := f.OpenClient(srv.Port)
	require.NoError(t, err)
	defer f.Close(cli)

	require.True(t, cli.IsClient())
	require.Equal(t, srv.Port, cli.PeerPort)
	require.NotEqual(t, srv.Port, cli.Port)

	_, err = cli.Conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, srv.Conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := srv.Conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestAttachReadDeliversDatagrams(t *testing.T) {
	pool := portpool.New(14040, 14050)
	f := NewFactory(pool)

	srv, err := f.OpenServer()
	require.NoError(t, err)
	defer f.Close(srv)

	cli, err := f.OpenClient(srv.Port)
	require.NoError(t, err)
	defer f.Close(cli)

	got := make(chan string, 1)
	f.AttachRead(srv, func(buf []byte) bool {
		got <- string(buf)
		return true
	})

	_, err = cli.Conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered to callback")
	}

	f.DetachRead(srv)
}

func TestReadCallbackCanDetachItself(t *testing.T) {
	pool := portpool.New(14060, 14070)
	f := NewFactory(pool)

	srv, err := f.OpenServer()
	require.NoError(t, err)
	defer f.Close(srv)

	cli, err := f.OpenClient(srv.Port)
	require.NoError(t, err)
	defer f.Close(cli)

	var delivered int
	done := make(chan struct{})
	f.AttachRead(srv, func(buf []byte) bool {
		delivered++
		close(done)
		return false
	})

	_, err = cli.Conn.Write([]byte("one"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
	require.Equal(t, 1, delivered)
}

func TestCloseReturnsPortOnce(t *testing.T) {
	pool := portpool.New(14080, 14081)
	f := NewFactory(pool)

	srv, err := f.OpenServer()
	require.NoError(t, err)

	f.Close(srv)
	f.Close(srv) // second close must not double-release

	require.Equal(t, 2, pool.Available())
	require.Equal(t, 0, pool.Allocated())
}

func TestOpenServerExhaustsPool(t *testing.T) {
	pool := portpool.New(14090, 14090)
	f := NewFactory(pool)

	srv, err := f.OpenServer()
	require.NoError(t, err)
	defer f.Close(srv)

	_, err = f.OpenServer()
	require.ErrorIs(t, err, portpool.ErrExhausted)
}
