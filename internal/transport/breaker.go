package transport

import (
	"context"
	"net"

	"tcpfwd/internal/retry"
)

// BreakerDialer guards another Dialer with a circuit breaker.  While
// the remote keeps refusing, new sessions fail immediately instead of
// each waiting out its own connect timeout.  It never retries.
type BreakerDialer struct {
	Dialer  Dialer
	Breaker *retry.CircuitBreaker
}

// Dial forwards to the wrapped dialer unless the circuit is open, in
// which case the error wraps errors.ErrCircuitOpen.
func (d *BreakerDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var conn net.Conn
	err := d.Breaker.Execute(func() error {
		c, err := d.Dialer.Dial(ctx, network, address)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Prepare prepares the wrapped dialer.
func (d *BreakerDialer) Prepare() error { return Prepare(d.Dialer) }

// Close closes the wrapped dialer.
func (d *BreakerDialer) Close() error { return d.Dialer.Close() }
