package util

import "sync"

// DefaultBufSize is the per-direction relay buffer size.
const DefaultBufSize = 4096

// BufPool provides reusable DefaultBufSize buffers for the relay
// loops, reducing GC pressure when many sessions come and go.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf returns a buffer of exactly size bytes.  Buffers of the
// default size come from the pool; callers must return every buffer
// with [PutBuf] when finished.
func GetBuf(size int) *[]byte {
	if size <= 0 || size == DefaultBufSize {
		return BufPool.Get().(*[]byte)
	}
	buf := make([]byte, size)
	return &buf
}

// PutBuf returns a buffer to the pool.  Buffers of other sizes are left
// to the garbage collector.
func PutBuf(buf *[]byte) {
	if buf == nil || len(*buf) != DefaultBufSize {
		return
	}
	BufPool.Put(buf)
}
