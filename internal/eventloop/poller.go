// Package eventloop implements the single-threaded reactor that drives
// every client connection: one goroutine blocks in a readiness wait,
// then drives reads, frame dispatch, and writes for whatever
// descriptors came back ready. There is no per-connection goroutine
// and no locking in the hot path; the hash table and every connection
// buffer are touched by this one goroutine only.
package eventloop

import "time"

// Interest is a bitmask of readiness conditions a descriptor is
// registered for.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Event reports one descriptor's observed readiness.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Err      bool
}

// Poller multiplexes readiness across many descriptors. Implementations
// are not safe for concurrent use; the loop calls every method from a
// single goroutine.
type Poller interface {
	// Add registers fd for the given interest set.
	Add(fd int, interest Interest) error
	// Modify changes the interest set for an already-registered fd.
	Modify(fd int, interest Interest) error
	// Remove deregisters fd. It is not an error to remove an fd that
	// was already closed out from under the poller.
	Remove(fd int) error
	// Wait blocks until at least one registered descriptor is ready or
	// timeout elapses, then returns the ready set. A zero-length
	// result with a nil error means the wait timed out or was
	// interrupted.
	Wait(timeout time.Duration) ([]Event, error)
	// Close releases the poller's own resources (e.g. the epoll or
	// io_uring fd). It does not close any registered descriptor.
	Close() error
}
