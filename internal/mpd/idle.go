package mpd

// idleConnection represents a connection waiting in idle mode
type idleConnection struct {
	subsystems map[string]bool // Subsystems to watch (empty = all)
	notify     chan string     // Channel to send subsystem changes
}

// registerIdle registers an idle connection to receive notifications
func (s *Server) registerIdle(idle *idleConnection) {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	s.idleConns[idle] = true
	s.logger.Trace().Int("total", len(s.idleConns)).Msg("registered idle connection")
}

// unregisterIdle removes an idle connection from notifications
func (s *Server) unregisterIdle(idle *idleConnection) {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	delete(s.idleConns, idle)
	s.logger.Trace().Int("total", len(s.idleConns)).Msg("unregistered idle connection")
}

// NotifySubsystemChange notifies all idle connections about a subsystem change
// This should be called whenever a relevant subsystem changes (playlist, player, etc.)
func (s *Server) NotifySubsystemChange(subsystem string) {
	s.idleMu.RLock()
	defer s.idleMu.RUnlock()

	for idle := range s.idleConns {
		// Check if this connection is watching this subsystem
		if len(idle.subsystems) == 0 || idle.subsystems[subsystem] {
			// Send notification (non-blocking)
			select {
			case idle.notify <- subsystem:
			default:
				s.logger.Warn().Str("subsystem", subsystem).Msg("idle notification channel full")
			}
		}
	}
}

func (s *Server) idleCount() int {
	s.idleMu.RLock()
	defer s.idleMu.RUnlock()
	return len(s.idleConns)
}
