package eventloop

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinykv/tinykv/internal/hashmap"
	"github.com/tinykv/tinykv/internal/protocol"
)

func TestLoopSetGetOverTCP(t *testing.T) {
	loop, err := New(Config{ListenAddr: "127.0.0.1:18423", Store: hashmap.New()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	defer func() {
		loop.Stop()
		require.NoError(t, <-done)
	}()

	c, err := net.Dial("tcp", "127.0.0.1:18423")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write(protocol.EncodeRequest([][]byte{[]byte("set"), []byte("k"), []byte("v")}))
	require.NoError(t, err)
	readResponse(t, c)

	_, err = c.Write(protocol.EncodeRequest([][]byte{[]byte("get"), []byte("k")}))
	require.NoError(t, err)
	code, payload := readResponse(t, c)
	require.Equal(t, protocol.OK, code)
	require.Equal(t, "v", string(payload))
}

func TestLoopPipelinedRequests(t *testing.T) {
	loop, err := New(Config{ListenAddr: "127.0.0.1:18424", Store: hashmap.New()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	defer func() {
		loop.Stop()
		require.NoError(t, <-done)
	}()

	c, err := net.Dial("tcp", "127.0.0.1:18424")
	require.NoError(t, err)
	defer c.Close()

	var buf []byte
	buf = append(buf, protocol.EncodeRequest([][]byte{[]byte("set"), []byte("a"), []byte("1")})...)
	buf = append(buf, protocol.EncodeRequest([][]byte{[]byte("set"), []byte("b"), []byte("2")})...)
	buf = append(buf, protocol.EncodeRequest([][]byte{[]byte("get"), []byte("a")})...)
	buf = append(buf, protocol.EncodeRequest([][]byte{[]byte("get"), []byte("b")})...)
	_, err = c.Write(buf)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		readResponse(t, c)
	}
	code, payload := readResponse(t, c)
	require.Equal(t, protocol.OK, code)
	require.Equal(t, "1", string(payload))

	code, payload = readResponse(t, c)
	require.Equal(t, protocol.OK, code)
	require.Equal(t, "2", string(payload))
}

func TestLoopIsolatesConnections(t *testing.T) {
	loop, err := New(Config{ListenAddr: "127.0.0.1:18425", Store: hashmap.New()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	defer func() {
		loop.Stop()
		require.NoError(t, <-done)
	}()

	c1, err := net.Dial("tcp", "127.0.0.1:18425")
	require.NoError(t, err)
	defer c1.Close()

	c2, err := net.Dial("tcp", "127.0.0.1:18425")
	require.NoError(t, err)
	defer c2.Close()

	_, err = c1.Write(protocol.EncodeRequest([][]byte{[]byte("set"), []byte("only-on-c1"), []byte("v")}))
	require.NoError(t, err)
	readResponse(t, c1)

	_, err = c2.Write(protocol.EncodeRequest([][]byte{[]byte("get"), []byte("only-on-c1")}))
	require.NoError(t, err)
	code, _ := readResponse(t, c2)
	require.Equal(t, protocol.OK, code, "keys are shared across connections through the store; only replies are per-connection")
}

func readResponse(t *testing.T, c net.Conn) (protocol.Rescode, []byte) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))

	lenBuf := make([]byte, 4)
	_, err := readFull(c, lenBuf)
	require.NoError(t, err)
	total := protocol.ReadFrameLen(lenBuf)

	body := make([]byte, total)
	_, err = readFull(c, body)
	require.NoError(t, err)

	code, payload, err := protocol.DecodeResponse(body)
	require.NoError(t, err)
	return code, payload
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
