// ABOUTME: Fixed-size chunk framing over a deadline-capable byte stream
// ABOUTME: Stitches partial reads into whole chunks and discards partials on timeout
package chunk

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Stream is a readable byte source with deadline support. *os.File pipes and
// net.Conn both satisfy it.
type Stream interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Reader cuts a byte stream into chunks of exactly one fixed size. The size
// must be a whole number of sample frames so a chunk never splits a frame
// across messages.
type Reader struct {
	src  Stream
	size int
	buf  []byte
}

// NewReader validates the chunk geometry and wraps src.
func NewReader(src Stream, size, frameBytes int) (*Reader, error) {
	if frameBytes <= 0 {
		return nil, fmt.Errorf("chunk: frame size must be positive, got %d", frameBytes)
	}
	if size <= 0 || size%frameBytes != 0 {
		return nil, fmt.Errorf("chunk: size %d is not a positive multiple of the %d byte sample frame", size, frameBytes)
	}
	return &Reader{src: src, size: size, buf: make([]byte, size)}, nil
}

// Size returns the chunk size in bytes.
func (r *Reader) Size() int {
	return r.size
}

// ReadChunk collects exactly one chunk from the source, stitching together
// as many partial reads as arrive before the timeout. On timeout any partial
// content is discarded, not carried into the next call, and (nil, nil) is
// returned: a partial chunk has unknown frame alignment and must never reach
// the wire. Any other source error is returned as-is.
func (r *Reader) ReadChunk(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	off := 0
	for off < r.size {
		if err := r.src.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("chunk: set read deadline: %w", err)
		}
		n, err := r.src.Read(r.buf[off:])
		off += n
		if err != nil {
			if isTimeout(err) {
				return nil, nil
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("chunk: source closed: %w", err)
			}
			return nil, fmt.Errorf("chunk: read: %w", err)
		}
	}
	out := make([]byte, r.size)
	copy(out, r.buf)
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
