//go:build integration

// Package integration drives a real tinykv server over TCP and checks
// the literal byte scenarios (E1-E6) from the wire protocol
// specification, plus the cross-connection isolation and oversize
// rejection properties.
package integration

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinykv/tinykv/internal/eventloop"
	"github.com/tinykv/tinykv/internal/hashmap"
)

func startServer(t *testing.T, addr string) {
	t.Helper()
	loop, err := eventloop.New(eventloop.Config{ListenAddr: addr, Store: hashmap.New()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	t.Cleanup(func() {
		loop.Stop()
		require.NoError(t, <-done)
	})
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	read := 0
	for read < n {
		k, err := c.Read(buf[read:])
		require.NoError(t, err)
		read += k
	}
	return buf
}

// TestE1SetReply checks the literal reply bytes for `set k v`.
func TestE1SetReply(t *testing.T) {
	startServer(t, "127.0.0.1:18501")
	c := dial(t, "127.0.0.1:18501")

	// argc=3, args "set","k","v"; total_len = 4(argc) + 4+3("set") + 4+1("k") + 4+1("v") = 21.
	req := []byte{
		0x15, 0x00, 0x00, 0x00, // total_len = 21
		0x03, 0x00, 0x00, 0x00, // argc = 3
		0x03, 0x00, 0x00, 0x00, 's', 'e', 't',
		0x01, 0x00, 0x00, 0x00, 'k',
		0x01, 0x00, 0x00, 0x00, 'v',
	}
	_, err := c.Write(req)
	require.NoError(t, err)

	reply := readN(t, c, 8)
	require.Equal(t, []byte{0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, reply)
}

// TestE2GetReply checks the literal reply bytes for `get k` after a
// prior `set k v`.
func TestE2GetReply(t *testing.T) {
	startServer(t, "127.0.0.1:18502")
	c := dial(t, "127.0.0.1:18502")

	setReq := []byte{
		0x15, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00, 's', 'e', 't',
		0x01, 0x00, 0x00, 0x00, 'k',
		0x01, 0x00, 0x00, 0x00, 'v',
	}
	_, err := c.Write(setReq)
	require.NoError(t, err)
	readN(t, c, 8)

	// argc=2, args "get","k"; total_len = 4 + (4+3) + (4+1) = 16.
	getReq := []byte{
		0x10, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00, 'g', 'e', 't',
		0x01, 0x00, 0x00, 0x00, 'k',
	}
	_, err = c.Write(getReq)
	require.NoError(t, err)

	reply := readN(t, c, 9)
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 'v'}, reply)
}

// TestE3GetMissingIsNX checks a get against an absent key replies NX
// with an empty payload.
func TestE3GetMissingIsNX(t *testing.T) {
	startServer(t, "127.0.0.1:18503")
	c := dial(t, "127.0.0.1:18503")

	getReq := []byte{
		0x10, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00, 'g', 'e', 't',
		0x01, 0x00, 0x00, 0x00, 'k',
	}
	_, err := c.Write(getReq)
	require.NoError(t, err)

	reply := readN(t, c, 8)
	require.Equal(t, []byte{0x04, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}, reply)
}

// TestE4DelThenGet checks del replies OK unconditionally and a
// subsequent get replies NX.
func TestE4DelThenGet(t *testing.T) {
	startServer(t, "127.0.0.1:18504")
	c := dial(t, "127.0.0.1:18504")

	setReq := []byte{
		0x15, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00, 's', 'e', 't',
		0x01, 0x00, 0x00, 0x00, 'k',
		0x01, 0x00, 0x00, 0x00, 'v',
	}
	_, err := c.Write(setReq)
	require.NoError(t, err)
	readN(t, c, 8)

	// argc=2, args "del","k"; total_len = 4 + (4+3) + (4+1) = 16.
	delReq := []byte{
		0x10, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00, 'd', 'e', 'l',
		0x01, 0x00, 0x00, 0x00, 'k',
	}
	_, err = c.Write(delReq)
	require.NoError(t, err)
	reply := readN(t, c, 8)
	require.Equal(t, []byte{0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, reply, "del replies OK")

	getReq := []byte{
		0x10, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00, 'g', 'e', 't',
		0x01, 0x00, 0x00, 0x00, 'k',
	}
	_, err = c.Write(getReq)
	require.NoError(t, err)
	reply = readN(t, c, 8)
	require.Equal(t, []byte{0x04, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}, reply, "deleted key is NX")
}

// TestE5PipelinedRepliesArriveInOrder writes four requests as one
// buffer and checks the four replies come back OK, OK, OK+"1", OK+"2"
// without the client issuing a second write.
func TestE5PipelinedRepliesArriveInOrder(t *testing.T) {
	startServer(t, "127.0.0.1:18505")
	c := dial(t, "127.0.0.1:18505")

	var buf []byte
	buf = append(buf, encodeSet("a", "1")...)
	buf = append(buf, encodeSet("b", "2")...)
	buf = append(buf, encodeGet("a")...)
	buf = append(buf, encodeGet("b")...)

	_, err := c.Write(buf)
	require.NoError(t, err)

	readN(t, c, 8) // set a 1 -> OK
	readN(t, c, 8) // set b 2 -> OK

	reply := readN(t, c, 9)
	require.Equal(t, byte('1'), reply[8])
	require.Equal(t, []byte{0x05, 0, 0, 0, 0, 0, 0, 0}, reply[:8])

	reply = readN(t, c, 9)
	require.Equal(t, byte('2'), reply[8])
}

// TestE6OversizedFrameClosesConnection checks a frame whose total_len
// exceeds MAX_MSG is rejected by closing the connection, with no reply.
func TestE6OversizedFrameClosesConnection(t *testing.T) {
	startServer(t, "127.0.0.1:18506")
	c := dial(t, "127.0.0.1:18506")

	_, err := c.Write([]byte{0x01, 0x10, 0x00, 0x00}) // total_len = 0x1001 = 4097 > 4096
	require.NoError(t, err)

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := c.Read(buf)
	require.Equal(t, 0, n, "the server must not reply to an oversized frame")
	require.Error(t, err, "the connection must be closed, surfacing EOF or a reset")
}

// TestConnectionIsolation checks a malformed frame on one connection
// closes only that connection, leaving a sibling connection live.
func TestConnectionIsolation(t *testing.T) {
	startServer(t, "127.0.0.1:18507")
	bad := dial(t, "127.0.0.1:18507")
	good := dial(t, "127.0.0.1:18507")

	_, err := bad.Write([]byte{0x01, 0x10, 0x00, 0x00})
	require.NoError(t, err)
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bad.Read(make([]byte, 1))
	require.Error(t, err)

	_, err = good.Write(encodeSet("k", "v"))
	require.NoError(t, err)
	reply := readN(t, good, 8)
	require.Equal(t, []byte{0x04, 0, 0, 0, 0, 0, 0, 0}, reply, "sibling connection is unaffected")
}

func encodeSet(key, value string) []byte {
	return encodeArgs("set", key, value)
}

func encodeGet(key string) []byte {
	return encodeArgs("get", key)
}

func encodeArgs(args ...string) []byte {
	size := 4
	for _, a := range args {
		size += 4 + len(a)
	}
	body := make([]byte, size)
	putU32(body[0:4], uint32(len(args)))
	off := 4
	for _, a := range args {
		putU32(body[off:off+4], uint32(len(a)))
		off += 4
		copy(body[off:], a)
		off += len(a)
	}
	frame := make([]byte, 4+len(body))
	putU32(frame[0:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
