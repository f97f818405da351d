package metrics

import (
	"testing"

	"tcpfwd/internal/events"
)

// BenchmarkCollector_SessionOpen measures the overhead of recording
// a session open (atomic operations).
func BenchmarkCollector_SessionOpen(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.SessionOpened()
	}
}

// BenchmarkCollector_EmitBytes measures the per-chunk cost on the
// relay hot path.
func BenchmarkCollector_EmitBytes(b *testing.B) {
	c := New()
	ev := events.Event{Kind: events.BytesForwarded, Direction: events.DirUpstream, Bytes: 4096}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Emit(ev)
	}
}

// BenchmarkCollector_Snapshot measures the cost of taking a snapshot.
func BenchmarkCollector_Snapshot(b *testing.B) {
	c := New()
	c.SessionOpened()
	c.BytesSent(1024)
	c.RecordError("test")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Snapshot()
	}
}

// BenchmarkNilCollector verifies nil-safe no-ops have zero overhead.
func BenchmarkNilCollector(b *testing.B) {
	var c *Collector
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.SessionOpened()
		c.BytesSent(4096)
		c.RecordError("test")
	}
}
