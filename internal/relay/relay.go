// Package relay moves bytes one way from a source stream to a
// destination stream.  A Session runs two of these per connection pair.
package relay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	ncerr "tcpfwd/internal/errors"
	"tcpfwd/util"
)

// Status is the termination state of a Direction.
type Status int32

const (
	StatusRunning Status = iota
	StatusEOF
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusEOF:
		return "eof"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Direction copies from Src to Dst through a bounded buffer.  Each
// chunk read is written in full before the next read, so bytes leave
// in exactly the order they arrived.
type Direction struct {
	Name    string // e.g. events.DirUpstream
	Src     io.Reader
	Dst     io.Writer
	SrcAddr string // used in error context
	DstAddr string

	// BufSize bounds each read (default util.DefaultBufSize).
	BufSize int

	// OnChunk, when set, is called after each chunk has been fully
	// written to Dst.
	OnChunk func(n int)

	bytes  atomic.Int64
	status atomic.Int32

	mu  sync.Mutex
	err error
}

// Run forwards until the source reports EOF (returns nil) or a read or
// write fails (returns a *errors.NetworkError with Op "read"/"write").
// Run must be called at most once.
func (d *Direction) Run() error {
	buf := util.GetBuf(d.BufSize)
	defer util.PutBuf(buf)
	p := *buf

	for {
		n, rerr := d.Src.Read(p)
		if n > 0 {
			if werr := writeFull(d.Dst, p[:n]); werr != nil {
				return d.finish(ncerr.Wrap(ncerr.OpWrite, d.DstAddr, werr))
			}
			d.bytes.Add(int64(n))
			if d.OnChunk != nil {
				d.OnChunk(n)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return d.finish(nil)
			}
			return d.finish(ncerr.Wrap(ncerr.OpRead, d.SrcAddr, rerr))
		}
	}
}

// writeFull keeps writing until p is flushed.  A writer that makes no
// progress without reporting an error is treated as failed.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return ncerr.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func (d *Direction) finish(err error) error {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	if err != nil {
		d.status.Store(int32(StatusError))
	} else {
		d.status.Store(int32(StatusEOF))
	}
	return err
}

// Bytes returns how many bytes have been written to Dst so far.
func (d *Direction) Bytes() int64 { return d.bytes.Load() }

// Status reports whether the direction is still running.
func (d *Direction) Status() Status { return Status(d.status.Load()) }

// Err returns the error that ended the direction, if any.
func (d *Direction) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
