package portpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireRequestedPort(t *testing.T) {
	p := New(4000, 4010)

	port, err := p.Acquire(4005)
	require.NoError(t, err)
	require.Equal(t, 4005, port)
	require.Equal(t, 1, p.Allocated())
}

func TestAcquireAnyPortStaysInRange(t *testing.T) {
	p := New(4000, 4003)

	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		port, err := p.Acquire(0)
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, 4000)
		require.LessOrEqual(t, port, 4003)
		require.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
}

func TestAcquireExhausted(t *testing.T) {
	p := New(4000, 4001)

	_, err := p.Acquire(0)
	require.NoError(t, err)
	_, err = p.Acquire(0)
	require.NoError(t, err)

	_, err = p.Acquire(0)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestAcquireTakenRequestedFallsBack(t *testing.T) {
	p := New(4000, 4001)

	port, err := p.Acquire(4000)
	require.NoError(t, err)
	require.Equal(t, 4000, port)

	// requested port is taken, any free port will do
	port, err = p.Acquire(4000)
	require.NoError(t, err)
	require.Equal(t, 4001, port)
}

func TestReleaseReturnsPort(t *testing.T) {
	p := New(4000, 4000)

	port, err := p.Acquire(0)
	require.NoError(t, err)
	p.Release(port)

	again, err := p.Acquire(0)
	require.NoError(t, err)
	require.Equal(t, port, again)
}

func TestReleaseUnknownPortIgnored(t *testing.T) {
	p := New(4000, 4001)

	p.Release(9999)
	p.Release(4000) // never acquired

	require.Equal(t, 2, p.Available())
	require.Equal(t, 0, p.Allocated())
}
