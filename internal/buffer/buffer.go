// ABOUTME: Jitter buffer with hysteresis play/pause gating
// ABOUTME: Fixed-capacity byte ring that must refill completely before playback resumes
package buffer

import (
	"fmt"
	"sync"
	"time"
)

// Callbacks are the edge-triggered gate notifications. They fire exactly on
// the paused-to-playing and playing-to-paused transitions, never repeatedly
// for the same state. Callbacks run with the controller's lock held and must
// not call back into the Controller; posting to a channel is the intended
// shape.
type Callbacks struct {
	OnPlay  func()
	OnPause func()
}

// Controller is a fixed-capacity byte ring between the network and the audio
// backend. It starts paused and empty. Filling to capacity starts playback;
// draining to empty while playing pauses it and counts an underrun, and
// playback will not restart until the buffer has filled completely again.
// Writing past capacity evicts the oldest bytes.
type Controller struct {
	mu        sync.Mutex
	buf       []byte
	start     int
	length    int
	playing   bool
	underruns uint64
	cb        Callbacks
}

// Snapshot is a consistent view of the controller state.
type Snapshot struct {
	Capacity  int
	Level     int
	Playing   bool
	Underruns uint64
}

// New returns a paused, empty controller of the given capacity in bytes.
func New(capacity int, cb Callbacks) (*Controller, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer: capacity must be positive, got %d", capacity)
	}
	return &Controller{buf: make([]byte, capacity), cb: cb}, nil
}

// Write appends p to the ring, evicting the oldest bytes if p does not fit.
// Reaching capacity is the overrun edge: the first time it happens after the
// buffer last drained, playback starts. Write never blocks and never fails.
func (c *Controller) Write(p []byte) int {
	n := len(p)
	if n == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	capacity := len(c.buf)
	if n >= capacity {
		// Only the newest capacity bytes survive.
		copy(c.buf, p[n-capacity:])
		c.start = 0
		c.length = capacity
	} else {
		if over := c.length + n - capacity; over > 0 {
			c.start = (c.start + over) % capacity
			c.length -= over
		}
		w := (c.start + c.length) % capacity
		k := copy(c.buf[w:], p)
		copy(c.buf, p[k:])
		c.length += n
	}

	if c.length == capacity && !c.playing {
		c.playing = true
		if c.cb.OnPlay != nil {
			c.cb.OnPlay()
		}
	}
	return n
}

// Read copies up to len(p) buffered bytes into p. While paused, or when the
// ring is empty, it returns 0 without error; the stream is never done, so it
// never returns io.EOF. Draining the last byte while playing is the underrun
// edge: playback pauses and the underrun count increments.
func (c *Controller) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.playing || c.length == 0 || len(p) == 0 {
		return 0, nil
	}

	n := len(p)
	if n > c.length {
		n = c.length
	}
	capacity := len(c.buf)
	end := c.start + n
	if end <= capacity {
		copy(p, c.buf[c.start:end])
	} else {
		k := copy(p, c.buf[c.start:])
		copy(p[k:], c.buf[:n-k])
	}
	c.start = (c.start + n) % capacity
	c.length -= n

	if c.length == 0 {
		c.playing = false
		c.underruns++
		if c.cb.OnPause != nil {
			c.cb.OnPause()
		}
	}
	return n, nil
}

// Level returns the number of buffered bytes.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// Capacity returns the ring size in bytes.
func (c *Controller) Capacity() int {
	return len(c.buf)
}

// Playing reports whether the gate is open.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Underruns returns how many times playback drained to empty.
func (c *Controller) Underruns() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.underruns
}

// Snapshot returns all controller state in one locked read.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Capacity:  len(c.buf),
		Level:     c.length,
		Playing:   c.playing,
		Underruns: c.underruns,
	}
}

// CapacityForLatency converts a target latency into a ring size in bytes,
// rounded up to a whole sample frame so reads and writes never split one.
func CapacityForLatency(latency time.Duration, byteRate, frameBytes int) int {
	b := int(int64(byteRate) * latency.Nanoseconds() / int64(time.Second))
	if b < frameBytes {
		b = frameBytes
	}
	if rem := b % frameBytes; rem != 0 {
		b += frameBytes - rem
	}
	return b
}
