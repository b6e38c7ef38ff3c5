// Package sshconn implements the SSH Connection Manager:
// exactly one authenticated channel to the instance, sequential exec with
// merged stdout/stderr streamed line-by-line, and the remote exit
// status — grounded on the golang.org/x/crypto/ssh wiring in Aureuma-si's
// tools/si/paas_ssh_transport_cmd.go (dial, auth methods, host key policy).
package sshconn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kamilc/campers/internal/cerrors"
	"github.com/kamilc/campers/internal/log"
	"github.com/kamilc/campers/internal/waiter"
)

// ExecResult is the outcome of one exec call: merged output is streamed
// line-by-line to Exec's onLine callback as it arrives, and ExitStatus reflects the remote
// command's exit code, or -1 on mid-exec disconnect.
type ExecResult struct {
	ExitStatus int
}

// Conn is a single authenticated SSH channel to one instance. connect() is
// idempotent: calling it again while already connected is a no-op; close()
// is idempotent and safe to call from cleanup.
type Conn struct {
	host     string
	port     int
	user     string
	keyPath  string

	mu     sync.Mutex
	client *ssh.Client
}

// New returns an unconnected Conn for host:port authenticating as user with
// the private key at keyPath.
func New(host string, port int, user, keyPath string) *Conn {
	return &Conn{host: host, port: port, user: user, keyPath: keyPath}
}

// Connect establishes the channel, retrying with backoff while the host is
// unreachable (the public IP is slow to become routable right after the
// instance reaches "running"). A second call while already connected is a
// no-op.
func (c *Conn) Connect(ctxAttempts int, delay time.Duration) error {
	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	key, err := os.ReadFile(c.keyPath)
	if err != nil {
		return fmt.Errorf("reading private key %s: %w", c.keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parsing private key %s: %w", c.keyPath, err)
	}

	config := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: acceptFirstContact,
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))

	var client *ssh.Client
	var dialErr error
	err = waiter.Retry(context.Background(), ctxAttempts, delay, 30*time.Second, func() error {
		client, dialErr = ssh.Dial("tcp", addr, config)
		return dialErr
	})
	if err != nil {
		return &cerrors.UnreachableError{Host: addr, Cause: dialErr}
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

// acceptFirstContact is the key acceptance policy this connection manager
// uses: accept on first contact, no prompt, no verification against a
// known_hosts store. Documented tradeoff: the security group and disposable key
// mitigate.
func acceptFirstContact(hostname string, remote net.Addr, key ssh.PublicKey) error {
	return nil
}

// Dial opens a new channel to address over the existing connection,
// satisfying portforward.Dialer so the Port Forward Manager can multiplex
// tunnels over this single authenticated channel.
func (c *Conn) Dial(network, address string) (net.Conn, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("dial called before connect")
	}
	return client.Dial(network, address)
}

// IsConnected reports whether Connect has succeeded and Close has not been
// called since.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Close is idempotent and safe in cleanup.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Exec runs cmd in a fresh session over the existing connection, streaming
// merged stdout/stderr line-by-line to onLine. deadline bounds the whole
// call.
func (c *Conn) Exec(cmd string, deadline time.Duration, onLine func(line string)) (*ExecResult, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("exec called before connect")
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
	}()

	timer := time.AfterFunc(deadline, func() {
		log.WithComponent("ssh").Warn().Str("cmd", cmd).Msg("exec deadline exceeded, closing session")
		session.Close()
	})
	defer timer.Stop()

	runErr := session.Run(cmd)
	pw.Close()
	<-done

	if runErr == nil {
		return &ExecResult{ExitStatus: 0}, nil
	}
	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		return &ExecResult{ExitStatus: exitErr.ExitStatus()}, nil
	}
	// Mid-exec disconnect or other transport failure: surface as -1 and let
	// the caller bubble it to cleanup.
	return &ExecResult{ExitStatus: -1}, fmt.Errorf("ssh exec %q: %w", cmd, runErr)
}

// RunStartupScript writes script to a remote temp file, makes it
// executable, runs it from workingDir with the user's default shell, and
// best-effort removes the temp file afterward.
func (c *Conn) RunStartupScript(script, workingDir string, onLine func(line string)) (*ExecResult, error) {
	remotePath := fmt.Sprintf("/home/%s/.campers-startup-%d.sh", c.user, time.Now().UnixNano())

	if err := c.writeRemoteFile(remotePath, script); err != nil {
		return nil, fmt.Errorf("writing startup script: %w", err)
	}

	// A leading "~/" stays unquoted so the remote shell expands it.
	dir := shellQuote(workingDir)
	if strings.HasPrefix(workingDir, "~/") {
		dir = "~/" + shellQuote(strings.TrimPrefix(workingDir, "~/"))
	}

	cmd := fmt.Sprintf("chmod +x %s && cd %s && $SHELL %s; rc=$?; rm -f %s; exit $rc",
		shellQuote(remotePath), dir, shellQuote(remotePath), shellQuote(remotePath))

	return c.Exec(cmd, 3600*time.Second, onLine)
}

func (c *Conn) writeRemoteFile(remotePath, content string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("writeRemoteFile called before connect")
	}

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}

	if err := session.Start(fmt.Sprintf("cat > %s", shellQuote(remotePath))); err != nil {
		return err
	}
	if _, err := io.WriteString(stdin, content); err != nil {
		return err
	}
	stdin.Close()
	return session.Wait()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
