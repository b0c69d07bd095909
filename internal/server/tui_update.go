// ABOUTME: Status snapshot helper for the TUI
// ABOUTME: Collects producer and buffer state into one update
package server

// updateTUI pushes the current receiver state to the display.
func (s *Server) updateTUI() {
	if s.tui == nil {
		return
	}

	s.producersMu.RLock()
	producers := make([]ProducerInfo, 0, len(s.producers))
	for identity, peer := range s.producers {
		producers = append(producers, ProducerInfo{
			Identity: identity,
			Remote:   peer.Remote(),
		})
	}
	active := s.activeProducer
	s.producersMu.RUnlock()

	s.tui.Update(Status{
		Name:           s.config.Name,
		Port:           s.config.Port,
		Latency:        s.pipeline.Latency(),
		Producers:      producers,
		Active:         active,
		Buffer:         s.pipeline.Snapshot(),
		ChunksReceived: s.chunksReceived.Load(),
	})
}
