// Package protocol implements the wire framing, argument-vector
// parsing, and key hashing for the tinykv request/response protocol.
//
// All integers on the wire are 32-bit little-endian. A request frame
// is a length-prefixed argument vector; a response frame is a
// length-prefixed result code plus payload. Framing at both layers
// means the event loop never needs delimiter scanning: "have I got a
// whole frame" is one length comparison.
package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/tinykv/tinykv/internal/constants"
)

// Rescode is the 32-bit status code carried by every response frame.
type Rescode uint32

const (
	OK Rescode = 0
	ERR Rescode = 1
	NX  Rescode = 2
)

// ErrMalformed is returned by ParseRequest when the frame body does
// not decode to a well-formed argument vector. The caller (the
// connection driver) treats this as a protocol violation and closes
// the connection; there is no safe resynchronization point mid-stream.
var ErrMalformed = errors.New("protocol: malformed request frame")

// ParseRequest decodes the body of a request frame (everything after
// the leading total_len field) into its argument vector.
func ParseRequest(body []byte) ([][]byte, error) {
	if len(body) < 4 {
		return nil, ErrMalformed
	}
	argc := binary.LittleEndian.Uint32(body[0:4])
	if argc == 0 || argc > constants.MaxArgc {
		return nil, ErrMalformed
	}

	args := make([][]byte, 0, argc)
	off := 4
	for i := uint32(0); i < argc; i++ {
		if off+4 > len(body) {
			return nil, ErrMalformed
		}
		argLen := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		if uint64(off)+uint64(argLen) > uint64(len(body)) {
			return nil, ErrMalformed
		}
		args = append(args, body[off:off+int(argLen)])
		off += int(argLen)
	}

	if off != len(body) {
		return nil, ErrMalformed
	}
	return args, nil
}

// EncodeRequest encodes an argument vector into a full request frame,
// including the leading total_len field. Used by tests; the server
// itself never constructs requests.
func EncodeRequest(args [][]byte) []byte {
	body := encodeArgv(args)
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

func encodeArgv(args [][]byte) []byte {
	size := 4
	for _, a := range args {
		size += 4 + len(a)
	}
	body := make([]byte, size)
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(args)))
	off := 4
	for _, a := range args {
		binary.LittleEndian.PutUint32(body[off:off+4], uint32(len(a)))
		off += 4
		copy(body[off:], a)
		off += len(a)
	}
	return body
}

// EncodeResponse encodes a full response frame: total_len, rescode,
// and payload.
func EncodeResponse(code Rescode, payload []byte) []byte {
	frame := make([]byte, 4+4+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(4+len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(code))
	copy(frame[8:], payload)
	return frame
}

// DecodeResponse splits a response frame body (everything after
// total_len) into its rescode and payload. Used by test clients.
func DecodeResponse(body []byte) (Rescode, []byte, error) {
	if len(body) < 4 {
		return 0, nil, ErrMalformed
	}
	return Rescode(binary.LittleEndian.Uint32(body[0:4])), body[4:], nil
}

// ReadFrameLen reads the total_len field at the start of buf. The
// caller is responsible for ensuring buf has at least 4 bytes.
func ReadFrameLen(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[0:4])
}

// Hash computes the FNV-1a variant key hash used throughout the
// HashMap: start at the FNV offset basis, and for every byte update
// h = (h + byte) * prime, modulo 2^32. Only the low 32 bits are
// significant; callers store the result in a 64-bit slot for
// alignment.
func Hash(key []byte) uint64 {
	h := uint32(0x811C9DC5)
	for _, b := range key {
		h = (h + uint32(b)) * 0x01000193
	}
	return uint64(h)
}
