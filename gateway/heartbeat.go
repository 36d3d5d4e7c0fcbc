package gateway

import (
	"time"

	"github.com/rs/zerolog"
)

// heartbeatGrace is how far past the interval an acknowledgement may lag
// before the connection is considered dead. Variable so tests can shrink
// it.
var heartbeatGrace = 5 * time.Second

// startHeartbeatLocked begins the repeating pulse at the cadence the
// hello dictated. Any previous scheduler is cancelled first; at most one
// runs per session. Caller holds s.mu.
func (s *Session) startHeartbeatLocked(interval time.Duration, log zerolog.Logger) {
	s.stopHeartbeatLocked()
	if interval <= 0 {
		return
	}

	s.hbInterval = interval
	// The hello counts as the first acknowledgement, otherwise a fresh
	// connection would look dead on its first tick.
	s.hbLastAck = time.Now()
	s.hbLastSend = time.Time{}
	s.hbLatency = 0

	done := make(chan struct{})
	s.hbStop = done
	go s.heartbeatLoop(log, interval, done)
}

// stopHeartbeatLocked cancels the scheduler. Idempotent; caller holds
// s.mu. Must run before any close this session initiates.
func (s *Session) stopHeartbeatLocked() {
	if s.hbStop == nil {
		return
	}
	close(s.hbStop)
	s.hbStop = nil
	s.hbInterval = 0
}

func (s *Session) heartbeatLoop(log zerolog.Logger, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !s.heartbeatTick(log, done) {
				return
			}
		}
	}
}

// heartbeatTick checks liveness and emits one pulse. Returns false when
// this scheduler has been superseded or the connection was declared dead.
func (s *Session) heartbeatTick(log zerolog.Logger, done chan struct{}) bool {
	s.mu.Lock()
	if s.hbStop != done {
		s.mu.Unlock()
		return false
	}

	if overdue := time.Since(s.hbLastAck); overdue > s.hbInterval+heartbeatGrace {
		log.Warn().Dur("since_ack", overdue).Msg("heartbeat ack overdue, closing")
		s.stopHeartbeatLocked()
		if s.autoReconnect {
			s.pendingIdentify = true
		} else {
			s.closing = true
		}
		s.mu.Unlock()

		s.emit(Debug{Text: "heartbeat ack timeout"})
		if err := s.transport.Close(CloseNormal, "heartbeat ack timeout"); err != nil {
			log.Warn().Err(err).Msg("close after heartbeat timeout failed")
		}
		return false
	}
	s.mu.Unlock()

	s.sendHeartbeat(log)
	return true
}

// sendHeartbeat emits one pulse carrying the current sequence. Also used
// for out-of-cadence pulses the gateway requests; those do not reset the
// schedule.
func (s *Session) sendHeartbeat(log zerolog.Logger) {
	s.mu.Lock()
	seq := s.sequence
	s.hbLastSend = time.Now()
	s.mu.Unlock()

	if err := s.send(OpHeartbeat, seq); err != nil {
		log.Warn().Err(err).Msg("heartbeat send failed")
	}
}

func (s *Session) handleHeartbeatAck(log zerolog.Logger) {
	s.mu.Lock()
	s.hbLastAck = time.Now()
	s.hbLatency = s.hbLastAck.Sub(s.hbLastSend)
	latency := s.hbLatency
	s.mu.Unlock()

	log.Debug().Dur("latency", latency).Msg("heartbeat ack")
}
