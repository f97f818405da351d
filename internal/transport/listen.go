package transport

import (
	"context"
	"net"
)

// DefaultBacklog is the accept queue length requested from the kernel.
const DefaultBacklog = 128

// Listen binds a TCP listener on address.  A positive backlog is
// passed to listen(2) directly where the platform allows it; zero or a
// negative value keeps the system default.
func Listen(ctx context.Context, address string, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", address)
	}
	return listenBacklog(ctx, address, backlog)
}
