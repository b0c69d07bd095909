// ABOUTME: Playback pipeline owning the jitter buffer and the backend handle
// ABOUTME: Applies gate events in order and is rebuilt whole on latency changes
package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/backend"
	"github.com/chrisjbillington/lansound/internal/buffer"
	"github.com/chrisjbillington/lansound/internal/metrics"
)

type gateEvent int

const (
	gatePlay gateEvent = iota
	gatePause
)

// Pipeline couples one jitter buffer to one backend handle. The buffer's
// gate callbacks never touch the backend directly: they post events that a
// single goroutine applies in order, so the backend sees play and pause
// strictly alternating even though writes and reads race. Changing latency
// rebuilds the pair from scratch; buffered audio is deliberately dropped.
type Pipeline struct {
	format  backend.Format
	factory backend.Factory
	onFatal func(error)

	mu      sync.Mutex
	ctrl    *buffer.Controller
	handle  backend.Handle
	latency time.Duration

	events chan gateEvent
	done   chan struct{}
	wg     sync.WaitGroup

	log *logrus.Entry
}

// NewPipeline builds the initial buffer and handle. onFatal, if set, hears
// about backend failures that happen after construction.
func NewPipeline(format backend.Format, latency time.Duration, factory backend.Factory, onFatal func(error)) (*Pipeline, error) {
	p := &Pipeline{
		format:  format,
		factory: factory,
		onFatal: onFatal,
		events:  make(chan gateEvent, 16),
		done:    make(chan struct{}),
		log:     logrus.WithField("component", "pipeline"),
	}

	p.mu.Lock()
	err := p.rebuildLocked(latency)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Write appends one received chunk to the jitter buffer. Chunks racing a
// rebuild land in the abandoned buffer and are dropped with it.
func (p *Pipeline) Write(chunk []byte) {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()
	if ctrl == nil {
		return
	}
	ctrl.Write(chunk)
	metrics.BufferLevel.Set(float64(ctrl.Level()))
}

// Reconfigure tears the current buffer and handle down and builds new ones
// at the given latency. On failure the pipeline is left without a handle and
// the server must treat the backend as gone.
func (p *Pipeline) Reconfigure(latency time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rebuildLocked(latency)
}

// Latency returns the currently configured latency.
func (p *Pipeline) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// Snapshot reports the buffer state for status displays.
func (p *Pipeline) Snapshot() buffer.Snapshot {
	p.mu.Lock()
	ctrl := p.ctrl
	p.mu.Unlock()
	if ctrl == nil {
		return buffer.Snapshot{}
	}
	snap := ctrl.Snapshot()
	metrics.BufferLevel.Set(float64(snap.Level))
	return snap
}

// Close stops the event goroutine and releases the backend handle.
func (p *Pipeline) Close() {
	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		p.handle.Stop()
		p.handle.Close()
		p.handle = nil
	}
	p.ctrl = nil
}

func (p *Pipeline) rebuildLocked(latency time.Duration) error {
	if p.handle != nil {
		p.handle.Stop()
		p.handle.Close()
		p.handle = nil
	}
	p.ctrl = nil

	// Stale gate events belong to the old buffer.
	for {
		select {
		case <-p.events:
			continue
		default:
		}
		break
	}

	capacity := buffer.CapacityForLatency(latency, p.format.ByteRate(), p.format.FrameBytes())
	ctrl, err := buffer.New(capacity, buffer.Callbacks{
		OnPlay:  func() { p.postEvent(gatePlay) },
		OnPause: func() { p.postEvent(gatePause) },
	})
	if err != nil {
		return fmt.Errorf("build jitter buffer: %w", err)
	}

	handle, err := p.factory(p.format, ctrl)
	if err != nil {
		return fmt.Errorf("build backend handle: %w", err)
	}

	p.ctrl = ctrl
	p.handle = handle
	p.latency = latency
	metrics.BufferCapacity.Set(float64(capacity))
	metrics.BufferLevel.Set(0)

	p.log.WithFields(logrus.Fields{
		"latency":        latency,
		"capacity_bytes": capacity,
	}).Info("playback pipeline built")
	return nil
}

func (p *Pipeline) postEvent(ev gateEvent) {
	select {
	case p.events <- ev:
	default:
		// The consumer is wedged; dropping is safer than blocking a
		// buffer operation.
		p.log.Warn("gate event dropped")
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.events:
			p.applyEvent(ev)
		}
	}
}

func (p *Pipeline) applyEvent(ev gateEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return
	}

	switch ev {
	case gatePlay:
		p.log.Debug("buffer full, starting playback")
		if err := p.handle.Start(); err != nil {
			p.log.WithError(err).Error("backend start failed")
			if p.onFatal != nil {
				p.onFatal(err)
			}
		}
	case gatePause:
		p.log.Debug("buffer drained, pausing playback")
		metrics.Underruns.Inc()
		if err := p.handle.Stop(); err != nil {
			p.log.WithError(err).Warn("backend stop failed")
		}
	}
}
