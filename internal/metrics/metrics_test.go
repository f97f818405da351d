package metrics

import (
	"encoding/json"
	"fmt"
	"testing"

	"tcpfwd/internal/events"
)

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened()
	c.SessionOpened()
	if c.ActiveSessions() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total = %d, want 2", c.TotalSessions())
	}

	c.SessionClosed()
	if c.ActiveSessions() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalSessions())
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.ConnectFailed("refused")
	c.AcceptFailed("too many open files")
	c.RecordError("other")

	if c.ErrorCount() != 3 {
		t.Errorf("errors = %d, want 3", c.ErrorCount())
	}
	if c.ConnectFailures() != 1 {
		t.Errorf("connect failures = %d, want 1", c.ConnectFailures())
	}
}

func TestCollector_Emit(t *testing.T) {
	c := New()
	sink := events.Multi(c)

	sink.Emit(events.Event{Kind: events.Accept, SessionID: "a"})
	sink.Emit(events.Event{Kind: events.Accept, SessionID: "b"})
	sink.Emit(events.Event{Kind: events.BytesForwarded, Direction: events.DirUpstream, Bytes: 4})
	sink.Emit(events.Event{Kind: events.BytesForwarded, Direction: events.DirDownstream, Bytes: 6})
	sink.Emit(events.Event{Kind: events.ConnectFailure, SessionID: "b", Err: fmt.Errorf("refused")})
	sink.Emit(events.Event{Kind: events.SessionClosed, SessionID: "b"})
	sink.Emit(events.Event{Kind: events.SessionRejected})

	snap := c.Snapshot()
	if snap.SessionsActive != 1 || snap.SessionsTotal != 2 {
		t.Errorf("sessions active=%d total=%d, want 1/2", snap.SessionsActive, snap.SessionsTotal)
	}
	if snap.BytesIn != 4 || snap.BytesOut != 6 {
		t.Errorf("bytes in=%d out=%d, want 4/6", snap.BytesIn, snap.BytesOut)
	}
	if snap.ConnectFailures != 1 || snap.SessionsRejected != 1 {
		t.Errorf("connect failures=%d rejected=%d", snap.ConnectFailures, snap.SessionsRejected)
	}
	if snap.LastErrorMessage != "refused" {
		t.Errorf("last error = %q", snap.LastErrorMessage)
	}
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.BytesReceived(100)
	c.BytesSent(50)
	c.RecordError("test")

	snap := c.Snapshot()
	if snap.SessionsActive != 1 {
		t.Errorf("snap active = %d", snap.SessionsActive)
	}
	if snap.BytesIn != 100 {
		t.Errorf("snap bytes in = %d", snap.BytesIn)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("snap errors = %d", snap.ErrorsTotal)
	}
	if snap.LastErrorMessage != "test" {
		t.Errorf("snap error msg = %q", snap.LastErrorMessage)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.BytesSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("JSON active = %d", snap.SessionsActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.SessionOpened()
	c.SessionClosed()
	c.SessionRejected()
	c.BytesReceived(100)
	c.BytesSent(100)
	c.ConnectFailed("x")
	c.AcceptFailed("x")
	c.RecordError("test")
	c.Emit(events.Event{Kind: events.Accept})

	if c.ActiveSessions() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesIn() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.SessionsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	j := c.JSON()
	if j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
