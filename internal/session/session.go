// ABOUTME: Producer session state machine
// ABOUTME: Resolves a server, handshakes, and streams chunks until told to stop
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/backend"
	"github.com/chrisjbillington/lansound/internal/chunk"
	"github.com/chrisjbillington/lansound/internal/discovery"
	"github.com/chrisjbillington/lansound/internal/metrics"
	"github.com/chrisjbillington/lansound/internal/transport"
	"github.com/chrisjbillington/lansound/internal/wire"
)

// DefaultPort is the receiver port assumed when none is configured.
const DefaultPort = 9670

// State names the phase a session attempt is in.
type State int

const (
	StateResolving State = iota
	StateConnecting
	StateHandshaking
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Discoverer finds servers to stream to. *discovery.Manager implements it.
type Discoverer interface {
	Resolve(ctx context.Context, host string, family discovery.Family) (string, discovery.Family, error)
	FindCandidates(ctx context.Context) (v4, v6 []discovery.Candidate, err error)
}

// Config tunes one session. The zero value of every field has a usable
// default; only nonsensical values are rejected.
type Config struct {
	// Host pins an explicit server. Empty means browse mDNS.
	Host string

	// Port is the server port used with an explicit Host.
	Port int

	// Latency is requested from the server during the handshake.
	Latency time.Duration

	// Family orders address families during resolution and discovery.
	Family discovery.Family

	// ChunkBytes is the fixed audio chunk size. Defaults to 20ms of audio.
	ChunkBytes int

	Format backend.Format

	// Backoff spaces connection attempts: a new attempt starts no sooner
	// than this long after the previous one started.
	Backoff time.Duration

	// ResponseTimeout bounds each command round trip.
	ResponseTimeout time.Duration

	// LivenessWindow is how long the capture stream may stay silent before
	// a hello probe is sent in place of audio.
	LivenessWindow time.Duration
}

func (c *Config) applyDefaults() error {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("session: port %d out of range", c.Port)
	}
	if c.Latency == 0 {
		c.Latency = 200 * time.Millisecond
	}
	if c.Latency < 0 {
		return fmt.Errorf("session: negative latency %v", c.Latency)
	}
	if c.Format == (backend.Format{}) {
		c.Format = backend.DefaultFormat
	}
	if c.ChunkBytes == 0 {
		c.ChunkBytes = c.Format.ByteRate() / 50
	}
	if c.ChunkBytes <= 0 || c.ChunkBytes%c.Format.FrameBytes() != 0 {
		return fmt.Errorf("session: chunk size %d is not a positive multiple of the %d-byte frame", c.ChunkBytes, c.Format.FrameBytes())
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = time.Second
	}
	return nil
}

// chunkDuration is how much wall time one chunk of audio covers.
func (c Config) chunkDuration() time.Duration {
	return time.Duration(int64(c.ChunkBytes) * int64(time.Second) / int64(c.Format.ByteRate()))
}

// Session owns one producer lifecycle: it keeps exactly one connection
// attempt alive at a time and retries forever on network trouble. Only a
// dead capture source ends it.
type Session struct {
	cfg      Config
	identity string
	source   backend.Source
	disc     Discoverer
	reader   *chunk.Reader

	mu    sync.RWMutex
	state State

	log *logrus.Entry
}

// New builds a session streaming from source. Each session gets a fresh
// identity; the server routes replies by it.
func New(cfg Config, source backend.Source, disc Discoverer) (*Session, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("session: capture source is required")
	}
	if disc == nil {
		return nil, fmt.Errorf("session: discoverer is required")
	}

	identity := uuid.New().String()
	return &Session{
		cfg:      cfg,
		identity: identity,
		source:   source,
		disc:     disc,
		log: logrus.WithFields(logrus.Fields{
			"component": "session",
			"identity":  identity[:8],
		}),
	}, nil
}

// Identity returns the session's wire identity.
func (s *Session) Identity() string {
	return s.identity
}

// State reports the current attempt phase.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.log.WithField("state", state.String()).Debug("state changed")
	}
}

// Run starts the capture source and streams until ctx is canceled or the
// audio stack fails. Network errors of any kind are retried forever.
func (s *Session) Run(ctx context.Context) error {
	if err := s.source.Start(ctx); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("start capture source: %w", err)
	}
	defer s.source.Close()

	reader, err := chunk.NewReader(s.source.Stream(), s.cfg.ChunkBytes, s.cfg.Format.FrameBytes())
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	s.reader = reader

	first := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !first {
			metrics.Reconnects.Inc()
		}
		first = false

		began := time.Now()
		err := s.attempt(ctx)
		if errors.Is(err, backend.ErrBackendFailed) {
			s.setState(StateFailed)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.WithError(err).Info("session attempt ended, retrying")

		// Attempts are paced from their start time, so a slow failure is
		// not punished with a full extra backoff on top.
		delay := s.cfg.Backoff - time.Since(began)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// attempt makes one pass: resolve or discover, then try candidates in order
// until one accepts the stream. Once streaming has been reached the attempt
// ends on the first error, forcing a fresh resolution pass.
func (s *Session) attempt(ctx context.Context) error {
	s.setState(StateResolving)
	candidates, err := s.candidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no servers found")
	}

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		streamed, err := s.streamTo(ctx, cand)
		if streamed || errors.Is(err, backend.ErrBackendFailed) {
			return err
		}
		s.log.WithError(err).WithField("server", cand.HostPort()).Debug("candidate failed")
	}
	return fmt.Errorf("no candidate accepted the stream")
}

// candidates produces the attempt order for this pass.
func (s *Session) candidates(ctx context.Context) ([]discovery.Candidate, error) {
	if s.cfg.Host != "" {
		addr, _, err := s.disc.Resolve(ctx, s.cfg.Host, s.cfg.Family)
		if err != nil {
			return nil, err
		}
		return []discovery.Candidate{{
			Name: s.cfg.Host,
			Host: s.cfg.Host,
			Addr: addr,
			Port: s.cfg.Port,
		}}, nil
	}

	v4, v6, err := s.disc.FindCandidates(ctx)
	if err != nil {
		return nil, err
	}
	return discovery.OrderCandidates(v4, v6, s.cfg.Family), nil
}

// streamTo runs one connection. streamed reports whether the handshake
// completed: callers walk on to the next candidate only when it did not.
func (s *Session) streamTo(ctx context.Context, cand discovery.Candidate) (streamed bool, err error) {
	s.setState(StateConnecting)
	budget := transport.BudgetForLiveness(s.cfg.LivenessWindow, s.cfg.chunkDuration())
	conn, err := transport.Dial(ctx, cand.HostPort(), s.identity, budget)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	s.setState(StateHandshaking)
	if err := conn.Request(s.cfg.ResponseTimeout, wire.CmdHello); err != nil {
		return false, fmt.Errorf("hello: %w", err)
	}
	ms := int(s.cfg.Latency / time.Millisecond)
	if err := conn.Request(s.cfg.ResponseTimeout, wire.CmdSetLatency, strconv.Itoa(ms)); err != nil {
		return false, fmt.Errorf("set-latency: %w", err)
	}

	s.setState(StateStreaming)
	s.log.WithFields(logrus.Fields{
		"server":  cand.HostPort(),
		"name":    cand.Name,
		"latency": s.cfg.Latency,
	}).Info("streaming")

	for {
		if err := ctx.Err(); err != nil {
			return true, err
		}

		data, err := s.reader.ReadChunk(s.cfg.LivenessWindow)
		if err != nil {
			return true, fmt.Errorf("capture stream: %w: %w", backend.ErrBackendFailed, err)
		}
		if data == nil {
			// No audio inside the liveness window. Probe so the server
			// neither drops us nor mistakes silence for death.
			metrics.LivenessProbes.Inc()
			if err := conn.Request(s.cfg.ResponseTimeout, wire.CmdHello); err != nil {
				return true, fmt.Errorf("liveness probe: %w", err)
			}
			continue
		}

		if err := conn.Send(data); err != nil {
			return true, fmt.Errorf("send chunk: %w", err)
		}
		metrics.ChunksSent.Inc()
	}
}
