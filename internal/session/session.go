// Package session owns one forwarded connection pair: the inbound
// connection accepted by the listener and the outbound connection it
// dials for it.  A Session relays both directions concurrently and
// tears the pair down once, when the first direction ends.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ncerr "tcpfwd/internal/errors"
	"tcpfwd/internal/events"
	"tcpfwd/internal/relay"
	"tcpfwd/internal/transport"
)

// Teardown reasons carried in direction-closed and session-closed
// events.
const (
	ReasonEOF            = "eof"
	ReasonError          = "error"
	ReasonTeardown       = "teardown"
	ReasonConnectFailure = "connect-failure"
)

// Config is the per-session part of the forwarder configuration.
type Config struct {
	ID             string
	Remote         string // outbound "host:port"
	Dialer         transport.Dialer
	ConnectTimeout time.Duration // 0 leaves the bound to the dialer
	BufSize        int
	Sink           events.Sink
}

// Session encapsulates the runtime state of a single forwarded
// connection pair.
type Session struct {
	ID string

	inbound net.Conn
	local   string
	remote  string
	dialer  transport.Dialer
	timeout time.Duration
	bufSize int
	sink    events.Sink

	state atomic.Int32
	done  chan struct{}

	mu         sync.Mutex
	outbound   net.Conn
	cancelDial context.CancelFunc
	closed     bool

	up, down *relay.Direction
}

// New creates a Session for an accepted inbound connection.  Nothing
// happens until [Session.Run].
func New(inbound net.Conn, cfg Config) *Session {
	sink := cfg.Sink
	if sink == nil {
		sink = events.Discard
	}
	local := ""
	if a := inbound.RemoteAddr(); a != nil {
		local = a.String()
	}
	return &Session{
		ID:      cfg.ID,
		inbound: inbound,
		local:   local,
		remote:  cfg.Remote,
		dialer:  cfg.Dialer,
		timeout: cfg.ConnectTimeout,
		bufSize: cfg.BufSize,
		sink:    sink,
		done:    make(chan struct{}),
	}
}

// Run dials the remote, relays until either direction ends, and tears
// the pair down.  It returns the error that ended the session: a
// connect failure, the first direction's read or write failure, or nil
// on a clean EOF or teardown.  Cancelling ctx tears the session down.
// Run must be called at most once.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateInit), int32(StateConnecting)) {
		return net.ErrClosed
	}
	defer close(s.done)
	started := time.Now()

	out, err := s.dial(ctx)
	if err != nil {
		s.teardown()
		s.setState(StateClosed)
		events.Emit(s.sink, events.Event{
			Kind:      events.ConnectFailure,
			SessionID: s.ID,
			Local:     s.local,
			Remote:    s.remote,
			Duration:  time.Since(started),
			Err:       err,
		})
		s.emitClosed(ReasonConnectFailure, started)
		return err
	}

	events.Emit(s.sink, events.Event{
		Kind:      events.ConnectSuccess,
		SessionID: s.ID,
		Local:     s.local,
		Remote:    s.remote,
		Duration:  time.Since(started),
	})

	s.mu.Lock()
	s.up = s.direction(events.DirUpstream, s.inbound, out, s.local, s.remote)
	s.down = s.direction(events.DirDownstream, out, s.inbound, s.remote, s.local)
	s.mu.Unlock()
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateRelaying))

	stop := context.AfterFunc(ctx, s.teardown)
	defer stop()

	type result struct {
		dir *relay.Direction
		err error
	}
	results := make(chan result, 2)
	for _, d := range []*relay.Direction{s.up, s.down} {
		go func(d *relay.Direction) {
			results <- result{dir: d, err: d.Run()}
		}(d)
	}

	var (
		firstErr    error
		firstReason string
	)
	for i := 0; i < 2; i++ {
		r := <-results
		reason, err := s.classify(r.err)
		if i == 0 {
			firstErr, firstReason = err, reason
			s.state.CompareAndSwap(int32(StateRelaying), int32(StateClosing))
			s.teardown()
		}
		events.Emit(s.sink, events.Event{
			Kind:      events.DirectionClosed,
			SessionID: s.ID,
			Direction: r.dir.Name,
			Local:     s.local,
			Remote:    s.remote,
			Bytes:     r.dir.Bytes(),
			Reason:    reason,
			Err:       err,
		})
	}

	s.setState(StateClosed)
	s.emitClosed(firstReason, started)
	return firstErr
}

// dial opens the outbound leg.  Close during the dial aborts it.
func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	var dctx context.Context
	var cancel context.CancelFunc
	if s.timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ncerr.Wrap(ncerr.OpConnect, s.remote, net.ErrClosed)
	}
	s.cancelDial = cancel
	s.mu.Unlock()

	conn, err := s.dialer.Dial(dctx, "tcp", s.remote)
	if err != nil {
		if !ncerr.IsConnect(err) {
			err = ncerr.Wrap(ncerr.OpConnect, s.remote, err)
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelDial = nil
	if s.closed {
		conn.Close()
		return nil, ncerr.Wrap(ncerr.OpConnect, s.remote, net.ErrClosed)
	}
	s.outbound = conn
	return conn, nil
}

func (s *Session) direction(name string, src, dst net.Conn, srcAddr, dstAddr string) *relay.Direction {
	return &relay.Direction{
		Name:    name,
		Src:     src,
		Dst:     dst,
		SrcAddr: srcAddr,
		DstAddr: dstAddr,
		BufSize: s.bufSize,
		OnChunk: func(n int) {
			events.Emit(s.sink, events.Event{
				Kind:      events.BytesForwarded,
				SessionID: s.ID,
				Direction: name,
				Bytes:     int64(n),
			})
		},
	}
}

// classify names why a direction ended.  A socket error seen after the
// pair was torn down is the teardown itself, not a failure.
func (s *Session) classify(err error) (string, error) {
	if err == nil {
		return ReasonEOF, nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed && ncerr.IsClosed(err) {
		return ReasonTeardown, nil
	}
	return ReasonError, err
}

// teardown closes both sockets exactly once.  Close errors are
// dropped: from the caller's view closing always succeeds.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	in, out, cancel := s.inbound, s.outbound, s.cancelDial
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	in.Close()
	if out != nil {
		out.Close()
	}
}

func (s *Session) emitClosed(reason string, started time.Time) {
	events.Emit(s.sink, events.Event{
		Kind:      events.SessionClosed,
		SessionID: s.ID,
		Local:     s.local,
		Remote:    s.remote,
		Bytes:     s.BytesUp() + s.BytesDown(),
		Duration:  time.Since(started),
		Reason:    reason,
	})
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Close tears the session down.  It may be called any number of times
// from any goroutine and always returns nil.  A session closed before
// Run never dials.
func (s *Session) Close() error {
	s.teardown()
	if s.state.CompareAndSwap(int32(StateInit), int32(StateClosed)) {
		close(s.done)
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Local returns the inbound peer address.
func (s *Session) Local() string { return s.local }

// Remote returns the outbound endpoint.
func (s *Session) Remote() string { return s.remote }

// Endpoints returns the inbound peer and the outbound remote as
// host/port pairs.
func (s *Session) Endpoints() (inbound, outbound transport.Endpoint) {
	inbound = transport.EndpointOf(s.inbound.RemoteAddr())
	outbound, _ = transport.ParseEndpoint(s.remote)
	return inbound, outbound
}

// BytesUp returns bytes relayed inbound → outbound.
func (s *Session) BytesUp() int64 {
	s.mu.Lock()
	d := s.up
	s.mu.Unlock()
	if d == nil {
		return 0
	}
	return d.Bytes()
}

// BytesDown returns bytes relayed outbound → inbound.
func (s *Session) BytesDown() int64 {
	s.mu.Lock()
	d := s.down
	s.mu.Unlock()
	if d == nil {
		return 0
	}
	return d.Bytes()
}
