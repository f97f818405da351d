// Package transport provides abstractions for network connection
// establishment.  Transports handle the "how" of reaching the remote
// endpoint (plain TCP, or through an SSH gateway) independent of what
// happens over the connection (which is the session's job).
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Dialer opens outbound network connections.  Implementations include
// a plain TCP dialer and an SSH-tunnelled dialer that routes traffic
// through an encrypted gateway.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// Preparer is implemented by dialers with setup that belongs before
// the first session, such as asking for credentials.
type Preparer interface {
	Prepare() error
}

// Prepare runs d's setup when d has any.
func Prepare(d Dialer) error {
	if p, ok := d.(Preparer); ok {
		return p.Prepare()
	}
	return nil
}

// Endpoint is a host and port.  It is a value type and never changes
// once built.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint splits "host:port" into an Endpoint.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// EndpointOf returns the endpoint of a net.Addr, or the zero value when
// addr is nil or not host:port shaped.
func EndpointOf(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	ep, err := ParseEndpoint(addr.String())
	if err != nil {
		return Endpoint{Host: addr.String()}
	}
	return ep
}

// String returns "host:port".
func (e Endpoint) String() string {
	if e.Host == "" && e.Port == 0 {
		return ""
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
