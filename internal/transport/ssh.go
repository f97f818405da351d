package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ncerr "tcpfwd/internal/errors"
	"tcpfwd/internal/retry"
	"tcpfwd/tunnel"
	"tcpfwd/util"
)

// SSHDialer routes connections through an SSH gateway.  The gateway
// session is established lazily on the first Dial, shared by every
// session afterwards, and re-established on a later Dial if it drops.
//
// Establishment runs in the background.  Dials that find the gateway
// down join the attempt in flight and give up on their own context,
// so one slow gateway never holds a session past its connect timeout.
type SSHDialer struct {
	tunnel  tunnel.Tunnel
	config  *tunnel.SSHConfig
	backoff *retry.Backoff
	logger  *util.Logger

	// ctx bounds background establishment; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *gatewayAttempt
}

// gatewayAttempt is one establishment shared by every waiting Dial.
// err is written before done is closed.
type gatewayAttempt struct {
	done chan struct{}
	err  error
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH gateway.  attempts bounds how many times establishing the
// gateway is tried (1 = once).
func NewSSHDialer(cfg *tunnel.SSHConfig, attempts int, logger *util.Logger) *SSHDialer {
	return newSSHDialer(tunnel.NewSSHTunnel(cfg, logger), cfg, attempts, logger)
}

func newSSHDialer(t tunnel.Tunnel, cfg *tunnel.SSHConfig, attempts int, logger *util.Logger) *SSHDialer {
	if attempts < 1 {
		attempts = 1
	}
	b := retry.DefaultBackoff()
	b.MaxAttempts = attempts
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("SSH gateway attempt %d failed, retrying in %v: %v", attempt, wait.Truncate(time.Millisecond), err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SSHDialer{
		tunnel:  t,
		config:  cfg,
		backoff: b,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Prepare gathers gateway credentials, prompting if configured to, so
// that no session ever waits on the user.
func (d *SSHDialer) Prepare() error {
	return d.tunnel.Authenticate()
}

// connect waits until the gateway is up, starting an establishment if
// none is in flight.
func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	if d.tunnel.IsAlive() {
		d.mu.Unlock()
		return nil
	}
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return fmt.Errorf("gateway: %w", net.ErrClosed)
	}
	a := d.pending
	if a == nil {
		a = &gatewayAttempt{done: make(chan struct{})}
		d.pending = a
		go d.establish(a)
	}
	d.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return fmt.Errorf("gateway: %w", ctx.Err())
	}
}

func (d *SSHDialer) establish(a *gatewayAttempt) {
	d.logger.Verbose("establishing SSH gateway %s@%s:%d",
		d.config.User, d.config.Host, d.config.Port)

	err := d.backoff.Do(d.ctx, func(int) error {
		err := d.tunnel.Connect(d.ctx)
		if err == nil {
			return nil
		}
		// Credentials and host keys do not fix themselves.
		var se *ncerr.SSHError
		if errors.As(err, &se) && (se.Op == ncerr.SSHOpAuth || se.Op == ncerr.SSHOpHostKey) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil && d.ctx.Err() != nil {
		// Close ran while the handshake was finishing.
		d.tunnel.Close()
		err = net.ErrClosed
	}

	if err != nil {
		a.err = fmt.Errorf("gateway: %w", err)
	} else {
		d.logger.Verbose("SSH gateway established")
	}

	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
	close(a.done)
}

// Dial connects to address through the SSH gateway.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close abandons any establishment in flight and tears down the
// gateway session.  Later Dials fail.
func (d *SSHDialer) Close() error {
	d.cancel()
	return d.tunnel.Close()
}
