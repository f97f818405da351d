// Package tunnel carries the outbound leg of a forwarded session
// through an SSH gateway.  The gateway is a single SSH client
// connection; each session opens its own direct-tcpip channel on it.
package tunnel

import (
	"context"
	"net"
)

// Tunnel abstracts an encrypted channel through which TCP connections
// can be forwarded.
type Tunnel interface {
	// Authenticate prepares credentials ahead of the first Connect.
	Authenticate() error

	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel and frees resources.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool
}
