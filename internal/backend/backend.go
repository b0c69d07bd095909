// ABOUTME: Audio backend contracts shared by the sender and receiver
// ABOUTME: Defines the PCM format, playback handle, and capture source interfaces
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/chrisjbillington/lansound/internal/chunk"
)

// Format fixes the uncompressed PCM layout carried end to end. Both sides of
// a stream must agree on it; there is no in-band negotiation.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is CD-rate stereo signed 16-bit little-endian.
var DefaultFormat = Format{SampleRate: 44100, Channels: 2, BitDepth: 16}

// FrameBytes is the size of one sample frame: one sample per channel.
func (f Format) FrameBytes() int {
	return f.Channels * f.BitDepth / 8
}

// ByteRate is the stream rate in bytes per second.
func (f Format) ByteRate() int {
	return f.SampleRate * f.FrameBytes()
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz %dch %dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// ErrBackendFailed marks unrecoverable audio stack errors. Network trouble
// is retried forever; a broken audio backend is not.
var ErrBackendFailed = errors.New("backend: audio backend failed")

// Handle renders a byte stream to an output. Start opens the consumption
// gate and Stop closes it; both are idempotent. A Handle belongs to exactly
// one playback pipeline and is rebuilt, never reconfigured, when buffer
// parameters change.
type Handle interface {
	Start() error
	Stop() error
	Close() error
}

// Factory builds a Handle consuming src. The playback pipeline calls it once
// per configuration, including on every latency change.
type Factory func(format Format, src io.Reader) (Handle, error)

// Source produces the capture byte stream on the sender.
type Source interface {
	// Start begins production. The stream is valid after Start returns.
	Start(ctx context.Context) error

	// Stream returns the end the sender cuts chunks from.
	Stream() chunk.Stream

	// Pause and Resume gate production across idle periods. A paused
	// source delivers no bytes. Both are idempotent.
	Pause() error
	Resume() error

	Close() error
}
