package portforward

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilc/campers/internal/cerrors"
)

// fakeDialer satisfies Dialer without an SSH connection. These tests never
// drive traffic through a tunnel, so Dial is never actually invoked.
type fakeDialer struct{}

func (fakeDialer) Dial(network, address string) (net.Conn, error) {
	return nil, fmt.Errorf("fakeDialer: no remote side in this test")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestCreateAllSucceedsAndEmptyReflectsIt(t *testing.T) {
	m := New(fakeDialer{})
	specs := []Spec{{LocalPort: freePort(t), RemotePort: 80}}

	require.NoError(t, m.CreateAll(specs))
	assert.False(t, m.Empty())

	m.StopAll()
	assert.True(t, m.Empty())
}

func TestCreateAllRollsBackOnPortInUse(t *testing.T) {
	okPort := freePort(t)
	busyPort := freePort(t)

	blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", busyPort))
	require.NoError(t, err)
	defer blocker.Close()

	m := New(fakeDialer{})
	specs := []Spec{
		{LocalPort: okPort, RemotePort: 80},
		{LocalPort: busyPort, RemotePort: 81},
	}

	err = m.CreateAll(specs)
	require.Error(t, err)
	var portErr *cerrors.PortInUseError
	require.ErrorAs(t, err, &portErr)
	assert.Equal(t, busyPort, portErr.Port)

	assert.True(t, m.Empty(), "the first tunnel created in the batch should have been rolled back")

	// The freed port should be bindable again now that rollback ran.
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", okPort))
	require.NoError(t, err)
	l.Close()
}
