package transport

import (
	"context"
	"net"
	"time"
)

// DefaultConnectTimeout bounds an outbound connect when the caller
// does not set one.
const DefaultConnectTimeout = 5 * time.Second

// TCPDialer establishes plain TCP connections with a bounded connect
// timeout.  It never retries: a refused or timed-out attempt is
// returned to the caller immediately.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // 0 keeps the Go default, <0 disables
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := net.Dialer{Timeout: timeout, KeepAlive: d.KeepAlive}
	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
