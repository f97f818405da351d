//go:build !unix

package transport

import (
	"context"
	"net"
)

// listenBacklog falls back to the standard listener; the backlog is
// chosen by the runtime on this platform.
func listenBacklog(ctx context.Context, address string, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", address)
}
