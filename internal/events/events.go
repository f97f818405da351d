// Package events defines the structured lifecycle facts the forwarder
// produces.  The core never formats or routes log lines itself; it
// emits Event values into a Sink, and sinks decide what to do with
// them (log through logrus, update counters, record for tests).
package events

import (
	"sync"
	"time"
)

// Kind names a lifecycle event.
type Kind string

const (
	ListenStarted   Kind = "listen-started"
	ListenStopped   Kind = "listen-stopped"
	Accept          Kind = "accept"
	AcceptFailure   Kind = "accept-failure"
	SessionRejected Kind = "session-rejected"
	ConnectSuccess  Kind = "connect-success"
	ConnectFailure  Kind = "connect-failure"
	BytesForwarded  Kind = "bytes-forwarded"
	DirectionClosed Kind = "direction-closed"
	SessionClosed   Kind = "session-closed"
)

// Relay direction names.
const (
	DirUpstream   = "inbound->outbound"
	DirDownstream = "outbound->inbound"
)

// Event is one lifecycle fact.  Fields that do not apply to a kind are
// left zero.
type Event struct {
	Kind      Kind
	Time      time.Time
	SessionID string
	Direction string // DirUpstream or DirDownstream
	Local     string // inbound peer or listen address
	Remote    string // outbound endpoint
	Bytes     int64
	Duration  time.Duration
	Reason    string // "eof", "error", "teardown", "limit", …
	Err       error
}

// Sink receives events.  Emit is called from many goroutines at once
// and must not block for long.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans each event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Emit stamps ev with the current time when unset and hands it to s.
// A nil sink is a no-op.
func Emit(s Sink, ev Event) {
	if s == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.Emit(ev)
}

// Recorder keeps every event it receives.  Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends ev.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events of the given kind, optionally
// restricted to one session (empty id matches all).
func (r *Recorder) Filter(kind Kind, sessionID string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind != kind {
			continue
		}
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Count returns how many events of kind have been recorded.
func (r *Recorder) Count(kind Kind) int {
	return len(r.Filter(kind, ""))
}
