// ABOUTME: Client side of the identity-addressed message channel
// ABOUTME: Dials the server, enforces the send budget, and runs command round trips
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/metrics"
	"github.com/chrisjbillington/lansound/internal/wire"
)

const (
	// IdentityHeader carries the client identity on the upgrade request. The
	// server routes replies back by this identity.
	IdentityHeader = "X-Lansound-Client"

	// StreamPath is the websocket endpoint both sides agree on.
	StreamPath = "/stream"

	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	replyBacklog = 8
)

var (
	// ErrBudgetExhausted reports that the bounded send queue is full. The
	// peer has stopped draining; callers treat this as connection loss.
	ErrBudgetExhausted = errors.New("transport: send budget exhausted")

	// ErrClosed reports use of a connection that has shut down.
	ErrClosed = errors.New("transport: connection closed")

	// ErrBadReply reports a reply that does not match the expected shape.
	ErrBadReply = errors.New("transport: unexpected reply")

	// ErrReplyTimeout reports a command that got no reply in time.
	ErrReplyTimeout = errors.New("transport: no reply before deadline")
)

// Conn is the transport handle for one connection attempt. It belongs to a
// single session attempt and is never reused after any failure.
type Conn struct {
	identity  string
	ws        *websocket.Conn
	sendCh    chan []byte
	replies   chan [][]byte
	done      chan struct{}
	closeOnce sync.Once
	reqMu     sync.Mutex
	log       *logrus.Entry
}

// Dial connects to addr (a host:port, zone suffixes already joined in) and
// starts the read and write loops. budget bounds the queued outbound
// messages: once it is full, Send fails immediately instead of blocking.
func Dial(ctx context.Context, addr, identity string, budget int) (*Conn, error) {
	if budget < 1 {
		budget = 1
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: StreamPath}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{IdentityHeader: []string{identity}}

	ws, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u.String(), err)
	}

	c := &Conn{
		identity: identity,
		ws:       ws,
		sendCh:   make(chan []byte, budget),
		replies:  make(chan [][]byte, replyBacklog),
		done:     make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "transport",
			"server":    addr,
		}),
	}
	go c.writeLoop()
	go c.readLoop()

	c.log.WithField("budget", budget).Debug("connected")
	return c, nil
}

// Send queues one raw audio chunk. It never blocks: when the budget is
// exhausted the chunk is rejected and the connection should be abandoned.
func (c *Conn) Send(chunk []byte) error {
	msg := wire.Payload(chunk)
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		metrics.SendRejected.Inc()
		return ErrBudgetExhausted
	}
}

// SendRecv sends a command message and waits for the next inbound message as
// its reply. Commands are lockstep: one outstanding at a time.
func (c *Conn) SendRecv(parts [][]byte, timeout time.Duration) ([][]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// Drop anything left over from an abandoned exchange so the reply we
	// wait for is the reply to this command.
drain:
	for {
		select {
		case <-c.replies:
		default:
			break drain
		}
	}

	msg := wire.Encode(parts)
	select {
	case c.sendCh <- msg:
	case <-c.done:
		return nil, ErrClosed
	default:
		metrics.SendRejected.Inc()
		return nil, ErrBudgetExhausted
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-c.replies:
		return reply, nil
	case <-c.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, fmt.Errorf("%w (%v)", ErrReplyTimeout, timeout)
	}
}

// Request runs a command round trip and requires an acknowledgement.
func (c *Conn) Request(timeout time.Duration, name string, args ...string) error {
	reply, err := c.SendRecv(wire.Command(name, args...), timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if wire.IsOK(reply) {
		return nil
	}
	if reason, ok := wire.ErrorReason(reply); ok {
		return fmt.Errorf("%w: server rejected %s: %s", ErrBadReply, name, reason)
	}
	return fmt.Errorf("%w: %d frame reply to %s", ErrBadReply, len(reply), name)
}

// Identity returns the identity presented at dial time.
func (c *Conn) Identity() string {
	return c.identity
}

// Done is closed once the connection has shut down for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. It is idempotent and safe to call from
// any goroutine; in-flight sends are abandoned.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.ws.Close()
	})
	return nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.logTeardown("write failed", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logTeardown("read failed", err)
			c.Close()
			return
		}
		parts, err := wire.Decode(data)
		if err != nil {
			metrics.ProtocolErrors.Inc()
			c.log.WithError(err).Warn("discarding undecodable message")
			continue
		}
		select {
		case c.replies <- parts:
		default:
			c.log.Warn("dropping unsolicited reply")
		}
	}
}

func (c *Conn) logTeardown(msg string, err error) {
	select {
	case <-c.done:
		// Expected noise from our own Close.
	default:
		c.log.WithError(err).Debug(msg)
	}
}

// BudgetForLiveness sizes the send budget to one liveness window's worth of
// chunks, so a peer that stops draining is detected within the window.
func BudgetForLiveness(liveness, chunkDuration time.Duration) int {
	if chunkDuration <= 0 || liveness <= 0 {
		return 1
	}
	n := int(liveness / chunkDuration)
	if n < 1 {
		n = 1
	}
	return n
}
