package conn

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/tinykv/tinykv/internal/constants"
	"github.com/tinykv/tinykv/internal/protocol"
)

// State is the phase a Connection occupies in the event loop's driving
// cycle. A connection with pending output is in both Reading and
// Writing simultaneously from the loop's point of view (it still wants
// to accept pipelined input), so State reflects only whether output is
// pending and whether the connection should be torn down, not which
// readiness events the loop should wait for; WantWrite reports that.
type State int

const (
	// Reading is the steady state: no response is queued, the
	// connection reads and dispatches whatever arrives.
	Reading State = iota
	// Writing means at least one encoded response is buffered and not
	// yet fully flushed to the socket.
	Writing
	// Closing means the connection must be torn down once any
	// already-queued output has drained; no further reads are issued.
	Closing
)

// ErrProtocolViolation is returned by DriveRead and TryExtractOne when
// the accumulated input cannot be a prefix of a well-formed frame stream. The caller closes
// the connection; there is no resynchronization point mid-stream.
var ErrProtocolViolation = errors.New("conn: protocol violation")

// Connection holds the fixed-size read buffer, the write buffer (which
// grows as responses are queued), and framing state for one client
// socket. It performs the raw read(2)/write(2)
// syscalls itself (via golang.org/x/sys/unix) so the event loop only
// needs to tell a Connection when its descriptor is readable or
// writable; all buffering, compaction, and pipelined frame extraction
// live here.
type Connection struct {
	fd int

	readBuf []byte // accumulated, unconsumed input; len is valid data
	readPos int    // offset of the next byte not yet handed to TryExtractOne's caller

	writeBuf []byte // encoded responses awaiting flush
	writeOff int    // offset of the next byte not yet written

	state State
}

// New wraps fd in a Connection with fresh pooled buffers.
func New(fd int) *Connection {
	return &Connection{
		fd:      fd,
		readBuf: getBuffer(),
	}
}

func (c *Connection) Fd() int      { return c.fd }
func (c *Connection) State() State { return c.state }

// WantWrite reports whether the loop should also poll this descriptor
// for writability.
func (c *Connection) WantWrite() bool {
	return c.writeOff < len(c.writeBuf)
}

// DriveRead performs one non-blocking read(2) into the tail of the
// read buffer, compacting first if the already-consumed prefix is
// wasting space. It returns (n, io.EOF-like closed, err): closed is
// true when the peer has shut down its write side (n==0, err==nil),
// the ordinary end of a TCP connection.
func (c *Connection) DriveRead() (n int, closed bool, err error) {
	c.compact()

	if len(c.readBuf) >= cap(c.readBuf) {
		// A full buffer with no frame extracted is an oversized
		// frame; the caller cannot make progress without growing
		// past the configured maximum, which is itself a protocol
		// violation.
		return 0, false, ErrProtocolViolation
	}

	free := c.readBuf[len(c.readBuf):cap(c.readBuf)]
	for {
		n, err = unix.Read(c.fd, free)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, false, nil
		}
		return 0, false, err
	}
	if n == 0 {
		return 0, true, nil
	}
	c.readBuf = c.readBuf[:len(c.readBuf)+n]
	return n, false, nil
}

// compact slides unconsumed bytes to the front of the read buffer so
// TryExtractOne and DriveRead always see maximal free space at the
// tail, rather than letting the buffer's logical window creep forward
// until it hits the capacity ceiling.
func (c *Connection) compact() {
	if c.readPos == 0 {
		return
	}
	n := copy(c.readBuf, c.readBuf[c.readPos:])
	c.readBuf = c.readBuf[:n]
	c.readPos = 0
}

// TryExtractOne attempts to pull exactly one complete request frame's
// argument vector out of the accumulated read buffer. ok is false when
// fewer bytes than one full frame are currently buffered; the caller
// should stop calling TryExtractOne and wait for more input. err is
// ErrProtocolViolation when the frame's length field exceeds MaxMsg, or
// protocol.ErrMalformed when a fully buffered frame body does not parse.
//
// Pipelined requests sit back-to-back in the buffer, so the caller is
// expected to call TryExtractOne in a loop until it returns ok==false,
// draining every fully-buffered request before issuing another read.
func (c *Connection) TryExtractOne() (args [][]byte, ok bool, err error) {
	available := c.readBuf[c.readPos:]
	if len(available) < 4 {
		return nil, false, nil
	}

	totalLen := protocol.ReadFrameLen(available)
	if totalLen > constants.MaxMsg {
		return nil, false, ErrProtocolViolation
	}
	frameLen := 4 + int(totalLen)
	if len(available) < frameLen {
		return nil, false, nil
	}

	args, err = protocol.ParseRequest(available[4:frameLen])
	if err != nil {
		return nil, false, err
	}
	c.readPos += frameLen
	return args, true, nil
}

// QueueResponse appends an encoded response frame to the write buffer.
// The caller is responsible for ensuring the connection is not already
// Closing.
func (c *Connection) QueueResponse(frame []byte) {
	c.writeBuf = append(c.writeBuf, frame...)
	if c.state == Reading {
		c.state = Writing
	}
}

// DriveWrite issues non-blocking write(2) calls for whatever remains
// queued until it drains or the socket would block. When the buffer
// fully drains, the connection reverts to Reading (unless MarkClosing
// was already called) and both write fields reset to zero length.
func (c *Connection) DriveWrite() error {
	for c.writeOff < len(c.writeBuf) {
		n, err := unix.Write(c.fd, c.writeBuf[c.writeOff:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		c.writeOff += n
	}
	c.writeBuf = c.writeBuf[:0]
	c.writeOff = 0
	if c.state == Writing {
		c.state = Reading
	}
	return nil
}

// MarkClosing transitions the connection to Closing. Any already
// queued output is still drained by DriveWrite before the loop closes
// the descriptor.
func (c *Connection) MarkClosing() {
	c.state = Closing
}

// Close releases the connection's pooled buffer and closes its
// descriptor. The loop calls this exactly once, after the connection
// has been removed from its readiness set.
func (c *Connection) Close() error {
	putBuffer(c.readBuf)
	c.readBuf = nil
	return unix.Close(c.fd)
}
