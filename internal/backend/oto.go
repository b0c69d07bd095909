// ABOUTME: Playback handle rendering through the default output device via oto
// ABOUTME: Shares the process-wide oto context, since oto cannot be reinitialized
package backend

import (
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"
)

// oto allows one context per process, so every handle built for the same
// format shares it. A handle with a different format is refused.
var (
	otoMu     sync.Mutex
	otoCtx    *oto.Context
	otoFormat Format
)

// OtoHandle plays a byte stream on the default output device. Start and
// Stop map onto the player's play/pause gate: while stopped the player does
// not pull from src at all.
type OtoHandle struct {
	player *oto.Player

	mu      sync.Mutex
	started bool
	closed  bool

	log *logrus.Entry
}

// NewOtoHandle builds a stopped playback handle reading from src.
func NewOtoHandle(format Format, src io.Reader) (Handle, error) {
	ctx, err := sharedOtoContext(format)
	if err != nil {
		return nil, err
	}
	return &OtoHandle{
		player: ctx.NewPlayer(src),
		log:    logrus.WithField("component", "backend"),
	}, nil
}

func sharedOtoContext(format Format) (*oto.Context, error) {
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("%w: oto output is 16-bit only, got %s", ErrBackendFailed, format)
	}

	otoMu.Lock()
	defer otoMu.Unlock()

	if otoCtx != nil {
		if format != otoFormat {
			return nil, fmt.Errorf("%w: output device already open at %s, cannot reopen at %s",
				ErrBackendFailed, otoFormat, format)
		}
		return otoCtx, nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("%w: open output device: %w", ErrBackendFailed, err)
	}
	<-ready

	otoCtx = ctx
	otoFormat = format
	logrus.WithField("component", "backend").WithField("format", format.String()).
		Info("output device opened")
	return ctx, nil
}

// Start opens the playback gate.
func (h *OtoHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("%w: handle closed", ErrBackendFailed)
	}
	if h.started {
		return nil
	}
	h.player.Play()
	h.started = true
	h.log.Debug("playback started")
	return nil
}

// Stop closes the playback gate, leaving the handle reusable.
func (h *OtoHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || !h.started {
		return nil
	}
	h.player.Pause()
	h.started = false
	h.log.Debug("playback stopped")
	return nil
}

// Close releases the player. The shared context stays open for the next
// handle.
func (h *OtoHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.started = false
	if err := h.player.Close(); err != nil {
		return fmt.Errorf("%w: close player: %w", ErrBackendFailed, err)
	}
	return nil
}
