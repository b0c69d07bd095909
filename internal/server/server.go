// ABOUTME: Receiver server accepting producer websocket streams
// ABOUTME: Owns the HTTP listener, playback pipeline, mDNS advertisement and TUI
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/chrisjbillington/lansound/internal/backend"
	"github.com/chrisjbillington/lansound/internal/discovery"
	"github.com/chrisjbillington/lansound/internal/metrics"
	"github.com/chrisjbillington/lansound/internal/transport"
	"github.com/chrisjbillington/lansound/internal/wire"
)

// DefaultReadTimeout is how long a producer may stay silent before its
// connection is dropped. Producers probe with hello at least once a second,
// so hitting this means the peer is gone, not merely idle.
const DefaultReadTimeout = 5 * time.Second

// Config holds server configuration.
type Config struct {
	Name        string
	Port        int
	Latency     time.Duration
	Format      backend.Format
	ReadTimeout time.Duration
	EnableMDNS  bool
	UseTUI      bool

	// Factory builds the playback backend for each pipeline generation.
	Factory backend.Factory
}

// Server accepts producer connections and feeds their audio into the
// playback pipeline.
type Server struct {
	config   Config
	serverID string

	router     chi.Router
	httpServer *http.Server

	pipeline *Pipeline

	producersMu    sync.RWMutex
	producers      map[string]*transport.Peer
	activeProducer string

	chunksReceived atomic.Uint64
	bytesReceived  atomic.Uint64

	advertiser *discovery.Advertiser

	tui       *StatusTUI
	startTime time.Time

	stopChan   chan struct{}
	stopOnce   sync.Once
	fatalChan  chan error
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup

	log *logrus.Entry
}

// New validates the configuration and builds the server with its initial
// playback pipeline. The backend is live from this point on.
func New(config Config) (*Server, error) {
	if config.Factory == nil {
		return nil, fmt.Errorf("server: backend factory is required")
	}
	if config.Latency < 0 {
		return nil, fmt.Errorf("server: negative latency %v", config.Latency)
	}
	if config.Latency == 0 {
		config.Latency = 200 * time.Millisecond
	}
	if config.Format == (backend.Format{}) {
		config.Format = backend.DefaultFormat
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}

	s := &Server{
		config:    config,
		serverID:  uuid.New().String(),
		producers: make(map[string]*transport.Peer),
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
		fatalChan: make(chan error, 1),
		log:       logrus.WithField("component", "server"),
	}

	pipeline, err := NewPipeline(config.Format, config.Latency, config.Factory, s.Fail)
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline

	r := chi.NewRouter()
	r.Get(transport.StreamPath, s.handleStream)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r

	return s, nil
}

// Handler exposes the HTTP routes. Tests serve this through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the server until Stop is called, the TUI quits, or a fatal
// error occurs. It owns the full shutdown sequence.
func (s *Server) Start() error {
	if s.config.UseTUI {
		s.tui = NewStatusTUI(s.config.Name, s.config.Port)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tui.Run()
		}()

		s.wg.Add(1)
		go s.statusLoop()
	}

	s.log.WithFields(logrus.Fields{
		"name":    s.config.Name,
		"port":    s.config.Port,
		"latency": s.config.Latency,
		"format":  s.config.Format.String(),
	}).Info("server starting")

	if s.config.EnableMDNS {
		advertiser, err := discovery.Advertise(s.config.Name, s.config.Port)
		if err != nil {
			s.log.WithError(err).Warn("mdns advertisement failed, continuing without it")
		} else {
			s.advertiser = advertiser
		}
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	s.log.WithField("addr", addr).Info("listening for producers")

	var tuiQuitChan <-chan struct{}
	if s.tui != nil {
		tuiQuitChan = s.tui.QuitChan()
	}

	var serverErr error
	select {
	case <-s.stopChan:
		s.log.Info("server shutting down")
	case <-tuiQuitChan:
		s.log.Info("quit requested from status display")
	case err := <-errChan:
		s.log.WithError(err).Error("http server failed")
		serverErr = err
	case err := <-s.fatalChan:
		s.log.WithError(err).Error("playback backend failed")
		serverErr = err
	}
	s.Stop()

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.tui != nil {
		s.tui.Stop()
	}

	s.closeProducers()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("http shutdown did not finish cleanly")
	}

	s.pipeline.Close()

	if s.advertiser != nil {
		if err := s.advertiser.Shutdown(); err != nil {
			s.log.WithError(err).Warn("mdns shutdown failed")
		}
	}

	s.wg.Wait()
	s.log.Info("server stopped")
	return serverErr
}

// Stop requests shutdown. Safe to call from any goroutine, any number of
// times.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Fail records a fatal backend error and triggers shutdown. Start returns
// the first recorded error.
func (s *Server) Fail(err error) {
	select {
	case s.fatalChan <- err:
	default:
		s.Stop()
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	peer, err := transport.Accept(w, r, s.config.ReadTimeout)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.registerProducer(peer)
	defer func() {
		peer.Close()
		s.unregisterProducer(peer)
	}()

	s.servePeer(peer)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// servePeer reads one producer connection until it errors or goes silent
// past the read timeout. Single-frame messages are audio, anything else is
// a command.
func (s *Server) servePeer(peer *transport.Peer) {
	log := s.log.WithFields(logrus.Fields{
		"producer": peer.Identity(),
		"remote":   peer.Remote(),
	})
	log.Info("producer connected")

	for {
		parts, err := peer.Receive()
		if err != nil {
			log.WithError(err).Info("producer disconnected")
			return
		}

		if wire.IsPayload(parts) {
			chunk := parts[0]
			s.pipeline.Write(chunk)
			s.chunksReceived.Add(1)
			s.bytesReceived.Add(uint64(len(chunk)))
			metrics.ChunksReceived.Inc()
			metrics.BytesReceived.Add(float64(len(chunk)))
			continue
		}

		s.dispatch(peer, parts, log)
	}
}

// dispatch handles one command message and always sends exactly one reply.
func (s *Server) dispatch(peer *transport.Peer, parts [][]byte, log *logrus.Entry) {
	name := string(parts[1])
	args := parts[2:]

	switch name {
	case wire.CmdHello:
		if len(args) != 0 {
			s.reject(peer, name, wire.ReasonInvalidArgCount, log)
			return
		}
		s.accept(peer, name, log)

	case wire.CmdSetLatency:
		if len(args) != 1 {
			s.reject(peer, name, wire.ReasonInvalidArgCount, log)
			return
		}
		ms, err := strconv.Atoi(string(args[0]))
		if err != nil || ms < 0 {
			s.reject(peer, name, wire.ReasonInvalidLatency, log)
			return
		}

		latency := time.Duration(ms) * time.Millisecond
		if err := s.pipeline.Reconfigure(latency); err != nil {
			log.WithError(err).Error("pipeline rebuild failed")
			metrics.Commands.WithLabelValues(name, "failed").Inc()
			if replyErr := peer.Reply(wire.ErrorReply("backend failure")); replyErr != nil {
				log.WithError(replyErr).Warn("error reply not delivered")
			}
			s.Fail(err)
			return
		}

		s.setActiveProducer(peer.Identity())
		log.WithField("latency", latency).Info("latency configured")
		s.accept(peer, name, log)

	default:
		s.reject(peer, "unknown", wire.ReasonInvalidCommand, log)
	}
}

func (s *Server) accept(peer *transport.Peer, command string, log *logrus.Entry) {
	metrics.Commands.WithLabelValues(command, "ok").Inc()
	if err := peer.Reply(wire.OK()); err != nil {
		log.WithError(err).Warn("ok reply not delivered")
	}
}

func (s *Server) reject(peer *transport.Peer, command, reason string, log *logrus.Entry) {
	metrics.Commands.WithLabelValues(command, "rejected").Inc()
	log.WithField("reason", reason).Warn("command rejected")
	if err := peer.Reply(wire.ErrorReply(reason)); err != nil {
		log.WithError(err).Warn("error reply not delivered")
	}
}

func (s *Server) registerProducer(peer *transport.Peer) {
	s.producersMu.Lock()
	s.producers[peer.Identity()] = peer
	count := len(s.producers)
	s.producersMu.Unlock()

	metrics.ProducersConnected.Set(float64(count))
	s.updateTUI()
}

func (s *Server) unregisterProducer(peer *transport.Peer) {
	s.producersMu.Lock()
	if current, ok := s.producers[peer.Identity()]; ok && current == peer {
		delete(s.producers, peer.Identity())
	}
	count := len(s.producers)
	s.producersMu.Unlock()

	metrics.ProducersConnected.Set(float64(count))
	s.updateTUI()
}

func (s *Server) setActiveProducer(identity string) {
	s.producersMu.Lock()
	s.activeProducer = identity
	s.producersMu.Unlock()
	s.updateTUI()
}

// closeProducers drops every open connection so their handlers unblock and
// the HTTP shutdown can complete.
func (s *Server) closeProducers() {
	s.producersMu.Lock()
	peers := make([]*transport.Peer, 0, len(s.producers))
	for _, peer := range s.producers {
		peers = append(peers, peer)
	}
	s.producersMu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}
}

// statusLoop pushes periodic snapshots to the TUI so the buffer gauge moves
// even when nothing else changes.
func (s *Server) statusLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.updateTUI()
		}
	}
}
