package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFramingRoundTrip checks parse(encode(args)) == args for
// well-formed argument vectors.
func TestFramingRoundTrip(t *testing.T) {
	cases := [][][]byte{
		{[]byte("get"), []byte("k")},
		{[]byte("set"), []byte("k"), []byte("v")},
		{[]byte("del"), []byte("k")},
		{[]byte("set"), []byte(""), []byte("")},
		{[]byte("set"), []byte("k"), make([]byte, 100)},
	}

	for _, args := range cases {
		frame := EncodeRequest(args)
		totalLen := ReadFrameLen(frame)
		require.Equal(t, int(totalLen), len(frame)-4)

		got, err := ParseRequest(frame[4:])
		require.NoError(t, err)
		require.Equal(t, len(args), len(got))
		for i := range args {
			require.Equal(t, args[i], got[i])
		}
	}
}

func TestParseRequestRejectsZeroArgc(t *testing.T) {
	body := make([]byte, 4) // argc = 0
	_, err := ParseRequest(body)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRequestRejectsOversizedArgc(t *testing.T) {
	body := make([]byte, 4)
	// argc far beyond max_argc
	body[0], body[1], body[2], body[3] = 0xff, 0xff, 0xff, 0x7f
	_, err := ParseRequest(body)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRequestRejectsTruncatedArgLen(t *testing.T) {
	// argc = 1, but no room for the arg_len field
	body := []byte{1, 0, 0, 0}
	_, err := ParseRequest(body)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRequestRejectsArgLenPastFrame(t *testing.T) {
	// argc = 1, arg_len = 100 but no bytes follow
	body := []byte{1, 0, 0, 0, 100, 0, 0, 0}
	_, err := ParseRequest(body)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRequestRejectsTrailingBytes(t *testing.T) {
	frame := EncodeRequest([][]byte{[]byte("get"), []byte("k")})
	body := append(frame[4:], 0xFF) // one extra trailing byte
	_, err := ParseRequest(body)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeResponseAndDecode(t *testing.T) {
	frame := EncodeResponse(OK, []byte("v"))
	totalLen := ReadFrameLen(frame)
	require.Equal(t, int(totalLen), len(frame)-4)

	code, payload, err := DecodeResponse(frame[4:])
	require.NoError(t, err)
	require.Equal(t, OK, code)
	require.Equal(t, "v", string(payload))
}

func TestHashFNV1aVariant(t *testing.T) {
	// h = 0x811C9DC5, h = (h + 'a') * 0x01000193, mod 2^32
	h := uint32(0x811C9DC5)
	h = (h + 'a') * 0x01000193
	require.Equal(t, uint64(h), Hash([]byte("a")))
}

func TestHashDeterministic(t *testing.T) {
	require.Equal(t, Hash([]byte("same")), Hash([]byte("same")))
	require.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
}

func TestEncodeInjective(t *testing.T) {
	a := EncodeRequest([][]byte{[]byte("set"), []byte("k"), []byte("v1")})
	b := EncodeRequest([][]byte{[]byte("set"), []byte("k"), []byte("v2")})
	require.NotEqual(t, a, b)
}
