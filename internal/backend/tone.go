// ABOUTME: Synthetic sine wave capture source
// ABOUTME: Paces test audio at the real byte rate so end-to-end runs need no audio stack
package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/chunk"
)

const (
	// ToneFrequency is the generated test tone pitch in Hz.
	ToneFrequency = 440.0

	toneAmplitude = 0.3
	toneInterval  = 20 * time.Millisecond
)

// ToneSource generates a continuous sine tone into an in-process pipe at
// real-time pace. Pausing stops generation, which upstream looks exactly
// like an idle capture device running dry.
type ToneSource struct {
	format Format

	mu          sync.Mutex
	paused      bool
	started     bool
	closed      bool
	r, w        *os.File
	cancel      context.CancelFunc
	done        chan struct{}
	sampleIndex int

	log *logrus.Entry
}

// NewToneSource returns an unstarted tone source.
func NewToneSource(format Format) *ToneSource {
	return &ToneSource{
		format: format,
		log:    logrus.WithField("component", "backend"),
	}
}

// Start begins generation. The stream carries audio immediately.
func (s *ToneSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: tone source closed", ErrBackendFailed)
	}
	if s.started {
		return nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: create tone pipe: %w", ErrBackendFailed, err)
	}
	s.r, s.w = r, w

	genCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.generate(genCtx)

	s.log.WithField("frequency", ToneFrequency).Info("tone source started")
	return nil
}

// Stream returns the read end of the tone pipe. Valid after Start.
func (s *ToneSource) Stream() chunk.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r
}

// Pause stops generation without closing the stream.
func (s *ToneSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.log.Debug("tone generation paused")
	return nil
}

// Resume restarts generation.
func (s *ToneSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.log.Debug("tone generation resumed")
	return nil
}

// Close stops generation and closes both pipe ends.
func (s *ToneSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}

	s.cancel()
	// Closing the read end unblocks a generator stalled on a full pipe.
	s.r.Close()
	<-s.done
	return s.w.Close()
}

func (s *ToneSource) generate(ctx context.Context) {
	defer close(s.done)

	samplesPerChunk := s.format.SampleRate * int(toneInterval) / int(time.Second)
	buf := make([]byte, samplesPerChunk*s.format.FrameBytes())

	ticker := time.NewTicker(toneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			continue
		}

		s.fillChunk(buf, samplesPerChunk)
		if _, err := s.w.Write(buf); err != nil {
			if err != io.ErrClosedPipe && ctx.Err() == nil {
				s.log.WithError(err).Debug("tone pipe write failed")
			}
			return
		}
	}
}

func (s *ToneSource) fillChunk(buf []byte, samples int) {
	frameBytes := s.format.FrameBytes()
	for i := 0; i < samples; i++ {
		t := float64(s.sampleIndex) / float64(s.format.SampleRate)
		val := int16(math.Sin(2*math.Pi*ToneFrequency*t) * toneAmplitude * 32767)
		for ch := 0; ch < s.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(buf[i*frameBytes+ch*2:], uint16(val))
		}
		s.sampleIndex++
	}
}
