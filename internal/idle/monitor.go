// ABOUTME: Line-oriented activity monitor fed by an external device watcher
// ABOUTME: Parses active/inactive tokens from a pipe into state change events
package idle

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LineMonitor adapts a line stream into an ActivityMonitor. Whatever watches
// the destination device writes one token per line ("active" or "inactive",
// with "running"/"idle"/"1"/"0" accepted as aliases); the monitor dedups
// consecutive repeats and emits only genuine changes. Until the first line
// arrives the device is assumed active, so capture is never paused on a
// signal nobody sent.
type LineMonitor struct {
	r      io.ReadCloser
	events chan bool
	done   chan struct{}

	mu     sync.Mutex
	active bool

	closeOnce sync.Once
	log       *logrus.Entry
}

// NewLineMonitor starts parsing r immediately.
func NewLineMonitor(r io.ReadCloser) *LineMonitor {
	m := &LineMonitor{
		r:      r,
		events: make(chan bool, 16),
		done:   make(chan struct{}),
		active: true,
		log:    logrus.WithField("component", "idle"),
	}
	go m.scan()
	return m
}

// State returns the most recently reported device state.
func (m *LineMonitor) State(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

// Events yields device state changes. The channel closes when the feed ends.
func (m *LineMonitor) Events() <-chan bool {
	return m.events
}

// Close stops the monitor and its feed.
func (m *LineMonitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.r.Close()
	})
	return err
}

func (m *LineMonitor) scan() {
	defer close(m.events)

	scanner := bufio.NewScanner(m.r)
	for scanner.Scan() {
		token := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if token == "" {
			continue
		}

		var active bool
		switch token {
		case "active", "running", "1":
			active = true
		case "inactive", "idle", "suspended", "0":
			active = false
		default:
			m.log.WithField("token", token).Debug("ignoring unknown activity token")
			continue
		}

		m.mu.Lock()
		changed := m.active != active
		m.active = active
		m.mu.Unlock()
		if !changed {
			continue
		}

		select {
		case m.events <- active:
		case <-m.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-m.done:
		default:
			m.log.WithError(err).Warn("activity feed failed")
		}
	}
}
