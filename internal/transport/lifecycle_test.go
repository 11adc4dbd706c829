// ABOUTME: Tests for the adapter lifecycle state machine and endpoint resolution
// ABOUTME: Covers ordered transitions, repeated stops and missing endpoints

package transport

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/ipn/ipnstate"
)

func TestLifecycle_Transitions(t *testing.T) {
	var l Lifecycle
	assert.Equal(t, StateUnbound, l.State())

	assert.ErrorIs(t, l.MarkServing(), ErrInvalidTransition, "cannot serve before bind")

	require.NoError(t, l.MarkBound())
	assert.ErrorIs(t, l.MarkBound(), ErrInvalidTransition)
	require.NoError(t, l.MarkServing())
	assert.Equal(t, StateServing, l.State())

	prev, ok := l.MarkStopped()
	assert.True(t, ok)
	assert.Equal(t, StateServing, prev)

	_, ok = l.MarkStopped()
	assert.False(t, ok, "second stop is a no-op")

	assert.ErrorIs(t, l.MarkBound(), ErrInvalidTransition, "stopped adapters cannot rebind")
}

func TestLifecycle_StopBeforeBind(t *testing.T) {
	var l Lifecycle
	prev, ok := l.MarkStopped()
	assert.True(t, ok)
	assert.Equal(t, StateUnbound, prev)
	assert.Equal(t, StateStopped, l.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "UNBOUND", StateUnbound.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestListenStream(t *testing.T) {
	_, err := ListenStream(nil, "  ")
	assert.ErrorIs(t, err, ErrNoEndpoint)

	ln, err := ListenStream(nil, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEmpty(t, ln.Addr().String())

	_, err = ListenStream(TCP{}, "not-an-address")
	assert.Error(t, err)
}

type refusingListener struct{}

func (refusingListener) Listen(network, addr string) (net.Listener, error) {
	return nil, errors.New("tailnet down")
}

func TestListenStream_CustomListener(t *testing.T) {
	_, err := ListenStream(refusingListener{}, ":80")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tailnet down")
}

func TestResolveTailnetAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailnetAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailnetAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailnetAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailnetStateDir(t *testing.T) {
	dir, err := resolveTailnetStateDir("/var/lib/edge-c2/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/edge-c2/ts", dir)

	dir, err = resolveTailnetStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, "edge-c2")
}

func TestTailnetBaseURL(t *testing.T) {
	assert.Equal(t, "", TailnetBaseURL(nil))
	assert.Equal(t, "", TailnetBaseURL(&ipnstate.Status{}))
	assert.Equal(t, "http://edge-c2.tail1234.ts.net", TailnetBaseURL(&ipnstate.Status{
		Self: &ipnstate.PeerStatus{DNSName: "edge-c2.tail1234.ts.net."},
	}))
}
