// ABOUTME: Server side of the identity-addressed message channel
// ABOUTME: Upgrades inbound websockets and routes replies back to their origin
package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/metrics"
	"github.com/chrisjbillington/lansound/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Producers are daemons on a trusted LAN, not browsers; no origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Peer is the server's handle for one connected producer. Each websocket
// connection is one identity: replies written through Reply reach exactly
// the producer whose message is being answered.
type Peer struct {
	identity    string
	remote      string
	ws          *websocket.Conn
	sendCh      chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	readTimeout time.Duration
	log         *logrus.Entry
}

// Accept upgrades an HTTP request into a Peer. A producer that presents no
// identity header is identified by its remote address. readTimeout bounds
// the silence tolerated between inbound messages; producers probe with
// hello well inside it.
func Accept(w http.ResponseWriter, r *http.Request, readTimeout time.Duration) (*Peer, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade %s: %w", r.RemoteAddr, err)
	}
	identity := r.Header.Get(IdentityHeader)
	if identity == "" {
		identity = r.RemoteAddr
	}
	p := &Peer{
		identity:    identity,
		remote:      r.RemoteAddr,
		ws:          ws,
		sendCh:      make(chan []byte, replyBacklog),
		done:        make(chan struct{}),
		readTimeout: readTimeout,
		log: logrus.WithFields(logrus.Fields{
			"component": "transport",
			"client":    identity,
		}),
	}
	go p.writeLoop()
	return p, nil
}

// Receive blocks for the next decoded inbound message. Undecodable messages
// are counted and skipped without tearing the connection down; silence
// beyond the read timeout does tear it down.
func (p *Peer) Receive() ([][]byte, error) {
	for {
		if p.readTimeout > 0 {
			p.ws.SetReadDeadline(time.Now().Add(p.readTimeout))
		}
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("transport: read from %s: %w", p.identity, err)
		}
		parts, err := wire.Decode(data)
		if err != nil {
			metrics.ProtocolErrors.Inc()
			p.log.WithError(err).Warn("discarding undecodable message")
			continue
		}
		return parts, nil
	}
}

// Reply queues a reply for this peer. Replies are bounded and never block
// the dispatcher; a peer that stops draining loses the connection.
func (p *Peer) Reply(parts [][]byte) error {
	msg := wire.Encode(parts)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.sendCh <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	default:
		return ErrBudgetExhausted
	}
}

// Identity returns the producer identity for this connection.
func (p *Peer) Identity() string {
	return p.identity
}

// Remote returns the producer's network address.
func (p *Peer) Remote() string {
	return p.remote
}

// Close shuts the connection down. Idempotent.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.ws.Close()
	})
	return nil
}

func (p *Peer) writeLoop() {
	for {
		select {
		case msg := <-p.sendCh:
			p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				select {
				case <-p.done:
				default:
					p.log.WithError(err).Debug("reply write failed")
				}
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}
