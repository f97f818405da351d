package tunnel

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	ncerr "tcpfwd/internal/errors"
	"tcpfwd/util"
)

// DefaultSSHPort is used when the gateway spec omits a port.
const DefaultSSHPort = 22

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string // non-interactive password; wins over PromptPass
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAlive is the interval between keepalive@openssh.com probes.
	// A failed probe closes the client so the next Dial reconnects.
	// Zero disables probing.
	KeepAlive time.Duration

	// HostKeyCallback overrides StrictHostKey/KnownHosts when set.
	HostKeyCallback ssh.HostKeyCallback

	// Prompt asks the user for a password or key passphrase.  Nil
	// reads from the terminal.
	Prompt func(prompt string) ([]byte, error)
}

func (c *SSHConfig) prompt(p string) ([]byte, error) {
	if c.Prompt != nil {
		return c.Prompt(p)
	}
	return readSecret(p)
}

// Addr returns the gateway's "host:port".
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHTunnel implements [Tunnel] by opening an SSH connection and
// forwarding traffic over direct-tcpip channels.
type SSHTunnel struct {
	config *SSHConfig
	client *ssh.Client
	auth   *Auth
	stop   chan struct{}
	logger *util.Logger
	mu     sync.RWMutex
	alive  bool
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = DefaultSSHPort
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// Authenticate gathers the credentials offered to the gateway,
// prompting for a password or passphrase if configured to.  It runs
// once; later calls and reconnects reuse the result until Close.
func (t *SSHTunnel) Authenticate() error {
	_, err := t.credentials()
	return err
}

func (t *SSHTunnel) credentials() (*Auth, error) {
	t.mu.RLock()
	auth := t.auth
	t.mu.RUnlock()
	if auth != nil {
		return auth, nil
	}

	auth, err := BuildAuth(t.config)
	if err != nil {
		return nil, ncerr.WrapSSH(ncerr.SSHOpAuth, t.config.Host, t.config.Port, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.auth != nil {
		auth.Close()
		return t.auth, nil
	}
	t.auth = auth
	return auth, nil
}

// Connect dials the SSH gateway and completes the handshake.  Any
// previous client is replaced.  Cancelling ctx aborts the handshake.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	auth, err := t.credentials()
	if err != nil {
		return err
	}

	hkCallback, err := hostKeyCallback(t.config)
	if err != nil {
		return ncerr.WrapSSH(ncerr.SSHOpHostKey, t.config.Host, t.config.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            auth.Methods,
		HostKeyCallback: hkCallback,
		Timeout:         t.config.ConnTimeout,
	}

	addr := t.config.Addr()
	t.logger.Debug("SSH: dialing %s as %s", addr, t.config.User)

	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ncerr.Wrap(ncerr.OpConnect, addr, err)
	}

	// The handshake has no context of its own; bound it with a deadline
	// and close the socket if ctx ends first.
	if deadline, ok := ctx.Deadline(); ok {
		tcpConn.SetDeadline(deadline) //nolint:errcheck
	} else {
		tcpConn.SetDeadline(time.Now().Add(t.config.ConnTimeout)) //nolint:errcheck
	}
	abort := context.AfterFunc(ctx, func() { tcpConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if !abort() {
		if err == nil {
			sshConn.Close()
		}
		tcpConn.Close()
		return ncerr.WrapSSH(ncerr.SSHOpHandshake, t.config.Host, t.config.Port, ctx.Err())
	}
	if err != nil {
		tcpConn.Close()
		return classifyHandshake(t.config, err)
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(sshConn, chans, reqs)
	stop := make(chan struct{})

	t.mu.Lock()
	if t.client != nil {
		close(t.stop)
		t.client.Close()
	}
	t.client = client
	t.stop = stop
	t.alive = true
	t.mu.Unlock()

	go t.monitor(client)
	if t.config.KeepAlive > 0 {
		go t.keepalive(client, stop)
	}
	return nil
}

// Dial forwards a connection through the tunnel.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client := t.client
	alive := t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, ncerr.ErrNotConnected
	}

	t.logger.Debug("tunnel: dialing %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, ncerr.Wrap(ncerr.OpConnect, address,
			ncerr.WrapSSH(ncerr.SSHOpChannel, t.config.Host, t.config.Port, err))
	}
	return conn, nil
}

// Close shuts down the SSH connection and releases the credentials.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.auth != nil {
		t.auth.Close()
		t.auth = nil
	}
	if t.client == nil {
		return nil
	}
	close(t.stop)
	err := t.client.Close()
	t.client = nil
	return err
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until the SSH connection closes and flips the alive
// flag, unless a newer client has already replaced this one.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Verbose("SSH gateway closed: %v", err)
	} else {
		t.logger.Verbose("SSH gateway closed")
	}
}

// keepalive probes the gateway until stop closes or a probe fails.
func (t *SSHTunnel) keepalive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("SSH keepalive failed: %v", err)
				client.Close()
				return
			}
			t.logger.Debug("SSH keepalive OK")
		}
	}
}

// classifyHandshake tags handshake failures the retry loop must not
// repeat: a rejected credential or an unknown host key.
func classifyHandshake(cfg *SSHConfig, err error) error {
	var keyErr *knownhosts.KeyError
	msg := err.Error()
	switch {
	case ncerr.As(err, &keyErr) || strings.Contains(msg, "knownhosts:"):
		return ncerr.WrapSSH(ncerr.SSHOpHostKey, cfg.Host, cfg.Port, ncerr.Join(ncerr.ErrHostKeyMismatch, err))
	case strings.Contains(msg, "unable to authenticate"):
		return ncerr.WrapSSH(ncerr.SSHOpAuth, cfg.Host, cfg.Port, ncerr.Join(ncerr.ErrAuthFailed, err))
	default:
		return ncerr.WrapSSH(ncerr.SSHOpHandshake, cfg.Host, cfg.Port, err)
	}
}
