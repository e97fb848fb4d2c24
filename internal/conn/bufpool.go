// Package conn implements the per-connection buffering and protocol
// framing state machine driven by the event loop.
package conn

import (
	"sync"

	"github.com/tinykv/tinykv/internal/constants"
)

// bufPool hands out pooled byte slices sized to hold exactly one
// connection's read buffer. Every read buffer is the same fixed
// capacity (one max-size frame plus its length prefix), so unlike a
// size-bucketed allocator there is only one bucket; pooling still earns
// its keep because buffers are allocated and discarded on every
// connection open/close. Write buffers are not pooled.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, constants.ConnBufferCap)
		return &b
	},
}

// getBuffer returns a pooled buffer at full capacity, zero length.
func getBuffer() []byte {
	b := *(bufPool.Get().(*[]byte))
	return b[:0]
}

// putBuffer returns buf to the pool. Buffers whose capacity no longer
// matches the pool's are dropped rather than returned, since any such
// buffer could only have come from outside this package.
func putBuffer(buf []byte) {
	if cap(buf) != constants.ConnBufferCap {
		return
	}
	buf = buf[:constants.ConnBufferCap]
	bufPool.Put(&buf)
}
