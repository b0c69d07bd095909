// ABOUTME: Debounced idle gate for the capture side
// ABOUTME: Pauses capture after a quiet period and resumes it promptly on activity
package idle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ActivityMonitor reports the run state of the destination audio device.
// State samples it once; Events delivers discrete change notifications,
// true meaning active. Implementations decide where the signal comes from.
type ActivityMonitor interface {
	State(ctx context.Context) (bool, error)
	Events() <-chan bool
	Close() error
}

// Actions are the capture hooks the controller drives. They run with the
// controller's lock held and must not call back into the controller.
type Actions struct {
	Pause  func()
	Resume func()
}

// Controller debounces device activity into capture pause/resume calls.
// Going idle only pauses capture after the idle timeout elapses without the
// device turning active again; going active resumes capture immediately.
// A newly scheduled action of one kind always cancels a pending action of
// the other kind, so at most one action is ever pending.
type Controller struct {
	timeout time.Duration
	actions Actions

	mu            sync.Mutex
	capturing     bool
	pendingPause  *time.Timer
	pendingResume *time.Timer

	log *logrus.Entry
}

// New returns a controller that considers capture running. A timeout of
// zero or less makes the controller inert: capture stays on forever.
func New(timeout time.Duration, actions Actions) *Controller {
	return &Controller{
		timeout:   timeout,
		actions:   actions,
		capturing: true,
		log:       logrus.WithField("component", "idle"),
	}
}

// Run seeds state from one startup sample and then applies change
// notifications until ctx ends or the monitor closes its event stream.
func (c *Controller) Run(ctx context.Context, mon ActivityMonitor) error {
	if c.timeout <= 0 {
		return nil
	}

	active, err := mon.State(ctx)
	if err != nil {
		return fmt.Errorf("idle: sample initial device state: %w", err)
	}
	c.HandleActivity(active)

	for {
		select {
		case <-ctx.Done():
			c.cancelPending()
			return nil
		case active, ok := <-mon.Events():
			if !ok {
				c.cancelPending()
				return nil
			}
			c.HandleActivity(active)
		}
	}
}

// HandleActivity applies one device state change.
func (c *Controller) HandleActivity(active bool) {
	if c.timeout <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if active {
		c.stopPendingPauseLocked()
		if !c.capturing && c.pendingResume == nil {
			c.log.Debug("device active, resume queued")
			c.pendingResume = time.AfterFunc(0, c.firePendingResume)
		}
		return
	}

	c.stopPendingResumeLocked()
	if c.capturing && c.pendingPause == nil {
		c.log.WithField("timeout", c.timeout).Debug("device idle, pause queued")
		c.pendingPause = time.AfterFunc(c.timeout, c.firePendingPause)
	}
}

// Capturing reports whether capture is currently considered running.
func (c *Controller) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

func (c *Controller) firePendingPause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingPause = nil
	if !c.capturing {
		return
	}
	c.capturing = false
	if c.actions.Pause != nil {
		c.actions.Pause()
	}
	c.log.Info("capture paused after idle timeout")
}

func (c *Controller) firePendingResume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingResume = nil
	if c.capturing {
		return
	}
	c.capturing = true
	if c.actions.Resume != nil {
		c.actions.Resume()
	}
	c.log.Info("capture resumed on device activity")
}

func (c *Controller) cancelPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPendingPauseLocked()
	c.stopPendingResumeLocked()
}

func (c *Controller) stopPendingPauseLocked() {
	if c.pendingPause != nil {
		c.pendingPause.Stop()
		c.pendingPause = nil
	}
}

func (c *Controller) stopPendingResumeLocked() {
	if c.pendingResume != nil {
		c.pendingResume.Stop()
		c.pendingResume = nil
	}
}
