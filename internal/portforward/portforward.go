// Package portforward manages a set of local→remote TCP tunnels over an
// SSH connection, created all-or-nothing and torn down in reverse order:
// if any single tunnel fails to bind, everything already created in the
// same batch is stopped and the bound local ports are freed again.
package portforward

import (
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/kamilc/campers/internal/cerrors"
	"github.com/kamilc/campers/internal/log"
)

// Spec is one tunnel request: local_port on this host forwards to
// remote_port on the instance, over the shared SSH connection.
type Spec struct {
	LocalPort  int
	RemotePort int
}

// Dialer opens a channel to remote_port on the instance. sshconn.Conn
// satisfies this via its underlying *ssh.Client.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

type tunnel struct {
	spec     Spec
	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Manager owns the set of tunnels created by one CreateAll call.
type Manager struct {
	dialer  Dialer
	mu      sync.Mutex
	tunnels []*tunnel
}

// New returns a Manager that dials new channels through dialer (the shared
// SSH connection).
func New(dialer Dialer) *Manager {
	return &Manager{dialer: dialer}
}

// CreateAll creates every spec's tunnel. On any single failure, every tunnel
// already created in this call is stopped and the error is returned: this
// is the all-or-nothing contract for the initial forwarding set.
func (m *Manager) CreateAll(specs []Spec) error {
	logger := log.WithComponent("portforward")
	for _, spec := range specs {
		logger.Info().Int("remote_port", spec.RemotePort).Msg("Creating SSH tunnel for port")

		t, err := m.createOne(spec)
		if err != nil {
			logger.Warn().Int("remote_port", spec.RemotePort).Err(err).Msg("tunnel creation failed, rolling back batch")
			m.StopAll()
			return err
		}

		logger.Info().Int("local_port", spec.LocalPort).Int("remote_port", spec.RemotePort).
			Msgf("SSH tunnel established: localhost:%d -> remote:%d", spec.LocalPort, spec.RemotePort)

		m.mu.Lock()
		m.tunnels = append(m.tunnels, t)
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) createOne(spec Spec) (*tunnel, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", spec.LocalPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &cerrors.PortInUseError{Port: spec.LocalPort}
	}

	t := &tunnel{spec: spec, listener: listener, stop: make(chan struct{})}
	t.wg.Add(1)
	go t.acceptLoop(m.dialer)
	return t, nil
}

func (t *tunnel) acceptLoop(dialer Dialer) {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
				log.WithComponent("portforward").Warn().Err(err).Int("local_port", t.spec.LocalPort).Msg("tunnel accept failed")
				return
			}
		}
		go t.pump(conn, dialer)
	}
}

func (t *tunnel) pump(local net.Conn, dialer Dialer) {
	defer local.Close()

	remote, err := dialer.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", t.spec.RemotePort))
	if err != nil {
		log.WithComponent("portforward").Warn().Err(err).Int("remote_port", t.spec.RemotePort).Msg("failed to dial remote side of tunnel")
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(remote, local) }()
	go func() { defer wg.Done(); io.Copy(local, remote) }()
	wg.Wait()
}

// StopAll stops every recorded tunnel in reverse insertion order. Per-tunnel
// errors are logged but do not abort the loop.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = nil
	m.mu.Unlock()

	logger := log.WithComponent("portforward")
	for i := len(tunnels) - 1; i >= 0; i-- {
		t := tunnels[i]
		logger.Info().Int("remote_port", t.spec.RemotePort).Msg("Stopping SSH tunnel for port")
		close(t.stop)
		if err := t.listener.Close(); err != nil {
			logger.Warn().Int("remote_port", t.spec.RemotePort).Err(err).Msg("error closing tunnel listener")
		}
		t.wg.Wait()
	}
}

// Empty reports whether no tunnels are currently recorded.
func (m *Manager) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels) == 0
}
