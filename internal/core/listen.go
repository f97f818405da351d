package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	ncerr "tcpfwd/internal/errors"
	"tcpfwd/internal/events"
	"tcpfwd/internal/metrics"
	"tcpfwd/internal/retry"
	"tcpfwd/internal/session"
	"tcpfwd/internal/transport"
	"tcpfwd/util"
)

// DefaultMaxAcceptFailures is how many consecutive non-temporary
// accept errors are tolerated before the listener is declared dead.
const DefaultMaxAcceptFailures = 10

// Accept backoff after a transient failure: 5ms doubling up to 1s.
var acceptBackoff = retry.Backoff{
	InitialDelay: 5 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2,
}

// Forwarder accepts inbound connections on a local address and relays
// each one to a fixed remote endpoint through its own Session.
type Forwarder struct {
	Address        string // listen "host:port"
	Remote         string // outbound "host:port"
	Backlog        int
	Dialer         transport.Dialer
	ConnectTimeout time.Duration
	BufSize        int

	// MaxSessions caps concurrent sessions; 0 is unbounded.  At the
	// cap new connections are closed immediately.
	MaxSessions int

	// MaxAcceptFailures defaults to DefaultMaxAcceptFailures.
	MaxAcceptFailures int

	// StatsInterval logs a metrics snapshot periodically when > 0.
	StatsInterval time.Duration

	Sink    events.Sink
	Metrics *metrics.Collector
	Logger  *util.Logger

	// NewID generates session ids (default uuid.NewString).
	NewID func() string

	mu       sync.Mutex
	addr     net.Addr
	ready    chan struct{}
	sessions map[string]*session.Session
}

// Run prepares the dialer, binds the listening socket and serves until
// ctx is cancelled.  A bind failure is returned as a *errors.ServerError.
func (f *Forwarder) Run(ctx context.Context) error {
	if err := transport.Prepare(f.Dialer); err != nil {
		return err
	}
	ln, err := transport.Listen(ctx, f.Address, f.Backlog)
	if err != nil {
		return &ncerr.ServerError{Addr: f.Address, Err: ncerr.Wrap(ncerr.OpBind, f.Address, err)}
	}
	return f.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled (returns nil) or the
// listener becomes unusable (returns a *errors.ServerError).  Either
// way every live session is torn down and waited for before Serve
// returns.  Serve owns ln and the Dialer and closes both, and may be
// called only once per Forwarder.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	addr := ln.Addr().String()
	f.mu.Lock()
	f.addr = ln.Addr()
	f.sessions = make(map[string]*session.Session)
	ready := f.readyChan()
	f.mu.Unlock()

	events.Emit(f.Sink, events.Event{Kind: events.ListenStarted, Local: addr, Remote: f.Remote})
	close(ready)

	var sem *semaphore.Weighted
	if f.MaxSessions > 0 {
		sem = semaphore.NewWeighted(int64(f.MaxSessions))
	}

	var sessions sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})
	if f.StatsInterval > 0 {
		g.Go(func() error {
			f.statsLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return f.acceptLoop(gctx, ln, sem, &sessions)
	})

	err := g.Wait()
	sessions.Wait()
	if f.Dialer != nil {
		if cerr := f.Dialer.Close(); cerr != nil && f.Logger != nil {
			f.Logger.Debug("closing dialer: %v", cerr)
		}
	}

	events.Emit(f.Sink, events.Event{Kind: events.ListenStopped, Local: addr, Err: err})
	if f.Metrics != nil && f.Logger != nil {
		f.Logger.WithFields(statsFields(f.Metrics.Snapshot())).Info("final stats")
	}
	return err
}

func (f *Forwarder) acceptLoop(ctx context.Context, ln net.Listener, sem *semaphore.Weighted, wg *sync.WaitGroup) error {
	addr := ln.Addr().String()
	limit := f.MaxAcceptFailures
	if limit <= 0 {
		limit = DefaultMaxAcceptFailures
	}

	var failures, hard int
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			nerr := ncerr.Wrap(ncerr.OpAccept, addr, err)
			if errors.Is(err, net.ErrClosed) {
				return &ncerr.ServerError{Addr: addr, Err: nerr}
			}

			failures++
			if !nerr.Retryable {
				hard++
			}
			events.Emit(f.Sink, events.Event{Kind: events.AcceptFailure, Local: addr, Err: nerr})
			if hard > limit {
				return &ncerr.ServerError{Addr: addr, Err: nerr}
			}

			if !acceptBackoff.Wait(ctx, failures) {
				return nil
			}
			continue
		}

		failures, hard = 0, 0
		f.admit(ctx, conn, sem, wg)
	}
}

// admit starts a session for conn, or closes conn when the session
// limit is reached.  It never blocks.
func (f *Forwarder) admit(ctx context.Context, conn net.Conn, sem *semaphore.Weighted, wg *sync.WaitGroup) {
	peer := conn.RemoteAddr().String()
	if sem != nil && !sem.TryAcquire(1) {
		conn.Close()
		events.Emit(f.Sink, events.Event{
			Kind:   events.SessionRejected,
			Local:  peer,
			Remote: f.Remote,
			Reason: "limit",
		})
		return
	}

	id := f.newID()
	s := session.New(conn, session.Config{
		ID:             id,
		Remote:         f.Remote,
		Dialer:         f.Dialer,
		ConnectTimeout: f.ConnectTimeout,
		BufSize:        f.BufSize,
		Sink:           f.Sink,
	})

	f.mu.Lock()
	f.sessions[id] = s
	f.mu.Unlock()

	events.Emit(f.Sink, events.Event{Kind: events.Accept, SessionID: id, Local: peer, Remote: f.Remote})

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx) //nolint:errcheck // reported through events
		if sem != nil {
			sem.Release(1)
		}
		f.mu.Lock()
		delete(f.sessions, id)
		f.mu.Unlock()
	}()
}

func (f *Forwarder) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(f.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.Logger != nil {
				f.Logger.WithFields(statsFields(f.Metrics.Snapshot())).Info("stats")
			}
		}
	}
}

func statsFields(s metrics.Snapshot) logrus.Fields {
	fields := logrus.Fields{
		"uptime":            s.Uptime,
		"sessions_active":   s.SessionsActive,
		"sessions_total":    s.SessionsTotal,
		"sessions_rejected": s.SessionsRejected,
		"connect_failures":  s.ConnectFailures,
		"accept_failures":   s.AcceptFailures,
		"bytes_in":          s.BytesIn,
		"bytes_out":         s.BytesOut,
	}
	if s.LastErrorMessage != "" {
		fields["last_error"] = s.LastErrorMessage
	}
	return fields
}

func (f *Forwarder) newID() string {
	if f.NewID != nil {
		return f.NewID()
	}
	return uuid.NewString()
}

// readyChan must be called with f.mu held.
func (f *Forwarder) readyChan() chan struct{} {
	if f.ready == nil {
		f.ready = make(chan struct{})
	}
	return f.ready
}

// Ready is closed once the forwarder is accepting.
func (f *Forwarder) Ready() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyChan()
}

// Addr returns the bound listen address, or nil before Ready.
func (f *Forwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

// ActiveSessions returns how many sessions are currently running.
func (f *Forwarder) ActiveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}
