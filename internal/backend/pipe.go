// ABOUTME: Pipe-backed playback handle and capture source
// ABOUTME: Bridges the streaming core to an external audio stack over FIFOs
package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/chunk"
)

const idlePollInterval = 5 * time.Millisecond

// PipeHandle pumps the playback stream into a byte sink, typically a FIFO an
// external player reads. The sink's backpressure paces the pump; while the
// jitter buffer is paused the pump idles without busy-waiting.
type PipeHandle struct {
	format Format
	src    io.Reader
	w      io.WriteCloser
	onErr  func(error)

	mu      sync.Mutex
	closed  bool
	running bool
	stopCh  chan struct{}

	log *logrus.Entry
}

// NewPipeHandle wraps w as a playback handle. onErr, if set, is told about
// sink write failures; they end the pump and are unrecoverable.
func NewPipeHandle(format Format, src io.Reader, w io.WriteCloser, onErr func(error)) *PipeHandle {
	return &PipeHandle{
		format: format,
		src:    src,
		w:      w,
		onErr:  onErr,
		log:    logrus.WithField("component", "backend"),
	}
}

// Start launches the pump.
func (h *PipeHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("%w: handle closed", ErrBackendFailed)
	}
	if h.running {
		return nil
	}
	h.running = true
	h.stopCh = make(chan struct{})
	go h.pump(h.stopCh)
	h.log.Debug("pipe playback started")
	return nil
}

// Stop signals the pump to exit. An in-flight write finishes on its own.
func (h *PipeHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil
	}
	h.running = false
	close(h.stopCh)
	h.stopCh = nil
	h.log.Debug("pipe playback stopped")
	return nil
}

// Close stops the pump and closes the sink, unblocking any stalled write.
func (h *PipeHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	if h.running {
		h.running = false
		close(h.stopCh)
		h.stopCh = nil
	}
	h.mu.Unlock()

	return h.w.Close()
}

func (h *PipeHandle) pump(stop <-chan struct{}) {
	// One write per 20ms of audio keeps sink latency low.
	buf := make([]byte, h.format.ByteRate()/50)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := h.src.Read(buf)
		if err != nil && err != io.EOF {
			h.fail(stop, fmt.Errorf("%w: read playback stream: %w", ErrBackendFailed, err))
			return
		}
		if n == 0 {
			time.Sleep(idlePollInterval)
			continue
		}
		if _, err := h.w.Write(buf[:n]); err != nil {
			h.fail(stop, fmt.Errorf("%w: write to sink: %w", ErrBackendFailed, err))
			return
		}
	}
}

func (h *PipeHandle) fail(stop <-chan struct{}, err error) {
	select {
	case <-stop:
		// Torn down on purpose; the error is fallout, not news.
		return
	default:
	}
	h.log.WithError(err).Error("pipe playback failed")
	if h.onErr != nil {
		h.onErr(err)
	}
}

// PipeSource reads capture audio from a FIFO filled by the audio stack
// collaborator. Pause stops consuming bytes, which the session upstream
// sees as a silent stream.
type PipeSource struct {
	path string

	mu     sync.Mutex
	gate   *gatedStream
	closed bool

	log *logrus.Entry
}

// NewPipeSource points at a FIFO path without opening it.
func NewPipeSource(path string) *PipeSource {
	return &PipeSource{
		path: path,
		log:  logrus.WithFields(logrus.Fields{"component": "backend", "pipe": path}),
	}
}

// Start opens the FIFO. Opening blocks until the collaborator attaches its
// writer, so it honors ctx cancellation.
func (s *PipeSource) Start(ctx context.Context) error {
	type result struct {
		f   *os.File
		err error
	}
	opened := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(s.path, os.O_RDONLY, 0)
		opened <- result{f, err}
	}()

	select {
	case res := <-opened:
		if res.err != nil {
			return fmt.Errorf("%w: open capture pipe: %w", ErrBackendFailed, res.err)
		}
		s.mu.Lock()
		s.gate = &gatedStream{f: res.f}
		s.mu.Unlock()
		s.log.Info("capture pipe opened")
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-opened; res.f != nil {
				res.f.Close()
			}
		}()
		return ctx.Err()
	}
}

// Stream returns the gated capture stream. Valid after Start.
func (s *PipeSource) Stream() chunk.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// Pause stops consuming from the FIFO.
func (s *PipeSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		s.gate.setPaused(true)
	}
	s.log.Debug("capture paused")
	return nil
}

// Resume restarts consumption.
func (s *PipeSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		s.gate.setPaused(false)
	}
	s.log.Debug("capture resumed")
	return nil
}

// Close releases the FIFO.
func (s *PipeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gate == nil {
		return nil
	}
	return s.gate.f.Close()
}

// gatedStream wraps a file with a pause gate. While paused, reads consume
// nothing and time out exactly as an empty stream would.
type gatedStream struct {
	f *os.File

	mu       sync.Mutex
	paused   bool
	deadline time.Time
}

func (g *gatedStream) setPaused(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = paused
}

func (g *gatedStream) SetReadDeadline(t time.Time) error {
	g.mu.Lock()
	g.deadline = t
	g.mu.Unlock()
	return g.f.SetReadDeadline(t)
}

func (g *gatedStream) Read(p []byte) (int, error) {
	for {
		g.mu.Lock()
		paused, deadline := g.paused, g.deadline
		g.mu.Unlock()

		if !paused {
			return g.f.Read(p)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		time.Sleep(idlePollInterval)
	}
}
