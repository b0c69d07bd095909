// ABOUTME: Multipart message codec for the lansound stream channel
// ABOUTME: Length-prefixed frames plus the command and reply vocabulary
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxParts bounds the number of frames one message may carry.
	MaxParts = 16

	// MaxPartSize bounds a single frame. Audio chunks are a few KB; anything
	// near this limit is a corrupt or hostile message.
	MaxPartSize = 1 << 20
)

// Command names. Matching is exact and case-sensitive.
const (
	CmdHello      = "hello"
	CmdSetLatency = "set-latency"
)

// Reply markers and rejection reasons. These are wire strings: both ends
// match on them byte for byte, so they must never be reworded.
const (
	MarkerOK    = "ok"
	MarkerError = "error"

	ReasonInvalidCommand  = "invalid command"
	ReasonInvalidArgCount = "invalid number of arguments"
	ReasonInvalidLatency  = "invalid value for latency"
)

// ErrMalformedMessage reports a message that could not be decoded into frames.
var ErrMalformedMessage = errors.New("wire: malformed message")

// Encode packs frames into one binary message. Each frame is a big-endian
// uint32 length followed by that many bytes.
func Encode(parts [][]byte) []byte {
	size := 0
	for _, p := range parts {
		size += 4 + len(p)
	}
	buf := make([]byte, 0, size)
	for _, p := range parts {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, p...)
	}
	return buf
}

// Decode unpacks a binary message into its frames. The returned slices are
// copies; callers may retain them after the input buffer is reused.
func Decode(data []byte) ([][]byte, error) {
	var parts [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated frame header", ErrMalformedMessage)
		}
		n := binary.BigEndian.Uint32(data[:4])
		if n > MaxPartSize {
			return nil, fmt.Errorf("%w: %d byte frame exceeds limit", ErrMalformedMessage, n)
		}
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("%w: frame body truncated at %d of %d bytes", ErrMalformedMessage, len(data), n)
		}
		part := make([]byte, n)
		copy(part, data[:n])
		parts = append(parts, part)
		data = data[n:]
		if len(parts) > MaxParts {
			return nil, fmt.Errorf("%w: more than %d frames", ErrMalformedMessage, MaxParts)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}
	return parts, nil
}

// Payload wraps one raw audio chunk as a single-frame message. A single
// frame is the payload shape; everything else is a command or reply.
func Payload(chunk []byte) []byte {
	return Encode([][]byte{chunk})
}

// IsPayload reports whether a decoded inbound message is raw audio.
func IsPayload(parts [][]byte) bool {
	return len(parts) == 1
}

// Command builds a command message: an empty routing placeholder frame, the
// command name, then one frame per argument.
func Command(name string, args ...string) [][]byte {
	parts := make([][]byte, 0, 2+len(args))
	parts = append(parts, []byte{}, []byte(name))
	for _, a := range args {
		parts = append(parts, []byte(a))
	}
	return parts
}

// OK is the single-frame acknowledgement reply.
func OK() [][]byte {
	return [][]byte{[]byte(MarkerOK)}
}

// ErrorReply is the two-frame rejection reply.
func ErrorReply(reason string) [][]byte {
	return [][]byte{[]byte(MarkerError), []byte(reason)}
}

// IsOK reports whether a decoded reply is the acknowledgement marker.
func IsOK(parts [][]byte) bool {
	return len(parts) == 1 && string(parts[0]) == MarkerOK
}

// ErrorReason extracts the reason from a rejection reply.
func ErrorReason(parts [][]byte) (string, bool) {
	if len(parts) == 2 && string(parts[0]) == MarkerError {
		return string(parts[1]), true
	}
	return "", false
}
