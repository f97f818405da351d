package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ncerr "tcpfwd/internal/errors"
	"tcpfwd/internal/events"
	"tcpfwd/internal/transport"
)

func TestSession_PingPong(t *testing.T) {
	remote := startServer(t, func(c net.Conn) {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "PING" {
			return
		}
		c.Write([]byte("PONG")) //nolint:errcheck
		io.Copy(io.Discard, c)  //nolint:errcheck
	})

	rec := &events.Recorder{}
	inbound, client := tcpPair(t)
	s := New(inbound, Config{ID: "s1", Remote: remote, Dialer: &transport.TCPDialer{}, Sink: rec})

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	client.Write([]byte("PING")) //nolint:errcheck
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "PONG" {
		t.Errorf("got %q, want PONG", buf)
	}
	if s.State() != StateRelaying {
		t.Errorf("state = %s, want relaying", s.State())
	}

	client.Close()
	if err := waitErr(t, errc); err != nil {
		t.Errorf("Run: %v", err)
	}

	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if s.BytesUp() != 4 || s.BytesDown() != 4 {
		t.Errorf("bytes up=%d down=%d, want 4/4", s.BytesUp(), s.BytesDown())
	}
	if n := rec.Count(events.ConnectSuccess); n != 1 {
		t.Errorf("connect-success events = %d", n)
	}
	if n := rec.Count(events.DirectionClosed); n != 2 {
		t.Errorf("direction-closed events = %d, want 2", n)
	}
	closed := rec.Filter(events.SessionClosed, "s1")
	if len(closed) != 1 {
		t.Fatalf("session-closed events = %d, want 1", len(closed))
	}
	if closed[0].Reason != ReasonEOF || closed[0].Bytes != 8 {
		t.Errorf("session-closed = %+v", closed[0])
	}

	in, out := s.Endpoints()
	if in.String() != client.LocalAddr().String() {
		t.Errorf("inbound endpoint = %s, want %s", in, client.LocalAddr())
	}
	if out.String() != remote || out.Port == 0 {
		t.Errorf("outbound endpoint = %+v, want %s", out, remote)
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	rec := &events.Recorder{}
	inbound, client := tcpPair(t)
	s := New(inbound, Config{
		ID:     "refused",
		Remote: closedAddr(t),
		Dialer: &transport.TCPDialer{Timeout: time.Second},
		Sink:   rec,
	})

	err := s.Run(context.Background())
	if !ncerr.IsConnect(err) {
		t.Fatalf("want connect error, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}

	// The client sees the inbound side closed with nothing relayed.
	client.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	n, rerr := client.Read(make([]byte, 16))
	if n != 0 || rerr == nil {
		t.Errorf("client read n=%d err=%v, want 0 and an error", n, rerr)
	}

	failures := rec.Filter(events.ConnectFailure, "refused")
	if len(failures) != 1 || !ncerr.IsConnect(failures[0].Err) {
		t.Fatalf("connect-failure events = %+v", failures)
	}
	if rec.Count(events.DirectionClosed) != 0 || rec.Count(events.ConnectSuccess) != 0 {
		t.Error("a failed dial must never reach relaying")
	}
	closed := rec.Filter(events.SessionClosed, "refused")
	if len(closed) != 1 || closed[0].Reason != ReasonConnectFailure || closed[0].Bytes != 0 {
		t.Errorf("session-closed = %+v", closed)
	}
}

func TestSession_ConnectTimeout(t *testing.T) {
	hang := dialerFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	inbound, _ := tcpPair(t)
	s := New(inbound, Config{Remote: "192.0.2.1:9", Dialer: hang, ConnectTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := s.Run(context.Background())
	if !ncerr.IsConnect(err) || !ncerr.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want connect error wrapping DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not honoured: %v", time.Since(start))
	}
}

func TestSession_RemoteEOFClosesInbound(t *testing.T) {
	remote := startServer(t, func(c net.Conn) {
		c.Write([]byte("bye")) //nolint:errcheck
	})

	inbound, client := tcpPair(t)
	s := New(inbound, Config{Remote: remote, Dialer: &transport.TCPDialer{}})
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	// The client never closes; the remote's EOF must end its side too.
	client.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "bye" {
		t.Errorf("got %q, want %q", got, "bye")
	}
	if err := waitErr(t, errc); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestSession_LargePayloadByteExact(t *testing.T) {
	remote := startServer(t, func(c net.Conn) { io.Copy(c, c) }) //nolint:errcheck

	inbound, client := tcpPair(t)
	s := New(inbound, Config{Remote: remote, Dialer: &transport.TCPDialer{}, BufSize: 1024})
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	payload := make([]byte, 1<<20)
	rand.Read(payload) //nolint:errcheck

	// EOF from the client tears down both sides, so keep writing and
	// reading concurrently and only close once the echo is back.
	go client.Write(payload) //nolint:errcheck

	got := make([]byte, len(payload))
	client.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("echoed payload differs")
	}
	client.Close()
	waitErr(t, errc) //nolint:errcheck
	if s.BytesUp() != int64(len(payload)) {
		t.Errorf("BytesUp = %d, want %d", s.BytesUp(), len(payload))
	}
}

func TestSession_ContextCancelTearsDown(t *testing.T) {
	remote := startServer(t, func(c net.Conn) { io.Copy(io.Discard, c) }) //nolint:errcheck

	rec := &events.Recorder{}
	inbound, _ := tcpPair(t)
	s := New(inbound, Config{ID: "c", Remote: remote, Dialer: &transport.TCPDialer{}, Sink: rec})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	waitFor(t, func() bool { return s.State() == StateRelaying })
	cancel()

	if err := waitErr(t, errc); err != nil {
		t.Errorf("teardown by cancel should not be an error: %v", err)
	}
	for _, ev := range rec.Filter(events.DirectionClosed, "c") {
		if ev.Reason != ReasonTeardown || ev.Err != nil {
			t.Errorf("direction %s: reason=%s err=%v", ev.Direction, ev.Reason, ev.Err)
		}
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	remote := startServer(t, func(c net.Conn) { io.Copy(io.Discard, c) }) //nolint:errcheck

	inbound, _ := tcpPair(t)
	s := New(inbound, Config{Remote: remote, Dialer: &transport.TCPDialer{}})
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	waitFor(t, func() bool { return s.State() == StateRelaying })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		}()
	}
	wg.Wait()

	waitErr(t, errc) //nolint:errcheck
	if err := s.Close(); err != nil {
		t.Errorf("Close after CLOSED: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s", s.State())
	}
}

// TestSession_SimultaneousEnd verifies that when both directions end
// at the same moment each socket is still closed exactly once, and the
// session reports one close.
func TestSession_SimultaneousEnd(t *testing.T) {
	errReset := errors.New("connection reset by peer")

	tests := []struct {
		name    string
		setup   func(t *testing.T) (in, out net.Conn, end func())
		wantErr error
	}{
		{
			name: "both peers close",
			setup: func(t *testing.T) (net.Conn, net.Conn, func()) {
				in, client := tcpPair(t)
				out, peer := tcpPair(t)
				return in, out, func() {
					var wg sync.WaitGroup
					start := make(chan struct{})
					for _, c := range []net.Conn{client, peer} {
						wg.Add(1)
						go func(c net.Conn) {
							defer wg.Done()
							<-start
							c.Close()
						}(c)
					}
					close(start)
					wg.Wait()
				}
			},
		},
		{
			name: "both reads fail",
			setup: func(t *testing.T) (net.Conn, net.Conn, func()) {
				trip := make(chan struct{})
				return newTripConn(trip, errReset), newTripConn(trip, errReset), func() { close(trip) }
			},
			wantErr: errReset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawIn, rawOut, end := tt.setup(t)
			in := &countingConn{Conn: rawIn}
			out := &countingConn{Conn: rawOut}
			d := dialerFunc(func(context.Context, string, string) (net.Conn, error) {
				return out, nil
			})

			rec := &events.Recorder{}
			s := New(in, Config{ID: "sim", Remote: "127.0.0.1:9", Dialer: d, Sink: rec})
			errc := make(chan error, 1)
			go func() { errc <- s.Run(context.Background()) }()
			waitFor(t, func() bool { return s.State() == StateRelaying })

			end()
			err := waitErr(t, errc)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Run = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Run = %v, want %v", err, tt.wantErr)
			}

			s.Close() //nolint:errcheck
			if n := in.closes.Load(); n != 1 {
				t.Errorf("inbound closed %d times, want 1", n)
			}
			if n := out.closes.Load(); n != 1 {
				t.Errorf("outbound closed %d times, want 1", n)
			}
			if n := len(rec.Filter(events.DirectionClosed, "sim")); n != 2 {
				t.Errorf("direction-closed events = %d, want 2", n)
			}
			if n := len(rec.Filter(events.SessionClosed, "sim")); n != 1 {
				t.Errorf("session-closed events = %d, want 1", n)
			}
		})
	}
}

func TestSession_CloseBeforeRun(t *testing.T) {
	var dials atomic.Int32
	d := dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		dials.Add(1)
		return nil, io.EOF
	})
	inbound, _ := tcpPair(t)
	s := New(inbound, Config{Remote: "x:1", Dialer: d})

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Close on an idle session")
	}
	if err := s.Run(context.Background()); err == nil {
		t.Error("Run on a closed session should fail")
	}
	if dials.Load() != 0 {
		t.Error("closed session must not dial")
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateInit:       "init",
		StateConnecting: "connecting",
		StateRelaying:   "relaying",
		StateClosing:    "closing",
		StateClosed:     "closed",
		State(42):       "unknown",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

func (f dialerFunc) Close() error { return nil }

// countingConn counts calls to Close.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// tripConn blocks reads until trip is closed, then fails them with err.
// Closing it twice would panic.
type tripConn struct {
	trip   <-chan struct{}
	err    error
	closed chan struct{}
}

func newTripConn(trip <-chan struct{}, err error) *tripConn {
	return &tripConn{trip: trip, err: err, closed: make(chan struct{})}
}

func (c *tripConn) Read([]byte) (int, error) {
	select {
	case <-c.trip:
		return 0, c.err
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *tripConn) Write(p []byte) (int, error)      { return len(p), nil }
func (c *tripConn) Close() error                     { close(c.closed); return nil }
func (c *tripConn) LocalAddr() net.Addr              { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }
func (c *tripConn) RemoteAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2} }
func (c *tripConn) SetDeadline(time.Time) error      { return nil }
func (c *tripConn) SetReadDeadline(time.Time) error  { return nil }
func (c *tripConn) SetWriteDeadline(time.Time) error { return nil }

// tcpPair returns both ends of a loopback TCP connection: the
// accepted side (what the listener would hand a Session) and the
// client side.
func tcpPair(t *testing.T) (accepted, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			ch <- nil
			return
		}
		ch <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	accepted = <-ch
	if accepted == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		accepted.Close()
		client.Close()
	})
	return accepted, client
}

// startServer runs handle for every connection to a loopback listener
// and closes the connection when handle returns.
func startServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return ln.Addr().String()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
