package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// handleEnvelope routes one decoded frame. Runs on the receive goroutine,
// so routing itself is sequential; only the heartbeat scheduler
// interleaves with it.
func (s *Session) handleEnvelope(log zerolog.Logger, env *Envelope) {
	switch env.Op {
	case OpDispatch:
		s.handleDispatch(log, env)
	case OpHeartbeat:
		// The gateway wants a pulse right now, outside the cadence.
		s.sendHeartbeat(log)
	case OpReconnect:
		s.handleReconnectRequest(log)
	case OpInvalidSession:
		s.handleInvalidSession(log)
	case OpHello:
		s.handleHello(log, env)
	case OpHeartbeatACK:
		s.handleHeartbeatAck(log)
	default:
		// Unknown opcodes pass through untouched so consumers can
		// handle protocol additions before this library does.
		log.Debug().Int("op", env.Op).Msg("forwarding unrecognized opcode")
		s.emit(Event{Envelope: env})
	}
}

// handleDispatch tracks the sequence number, watches for the two
// session-control dispatch names and forwards the event upward.
func (s *Session) handleDispatch(log zerolog.Logger, env *Envelope) {
	gap := false
	if env.S != nil {
		s.mu.Lock()
		if *env.S > s.sequence+1 {
			log.Debug().
				Int64("have", s.sequence).
				Int64("got", *env.S).
				Msg("sequence gap")
			gap = true
		}
		// Adopt the remote sequence even across a gap; the resume
		// below asks the gateway to replay what was missed.
		s.sequence = *env.S
		s.mu.Unlock()
	}

	switch env.T {
	case EventReady:
		var d readyData
		err := json.Unmarshal(env.D, &d)
		if err == nil && d.SessionID == "" {
			err = errors.New("missing session id")
		}
		if err != nil {
			// Without a usable session identifier the session is not
			// ready: it could neither resume nor be told apart from a
			// fresh one. Stay in the current state and surface the
			// problem instead.
			log.Warn().Err(err).Msg("malformed ready payload")
			s.emit(ErrorNotice{Err: fmt.Errorf("gateway: ready payload: %w", err)})
			break
		}
		s.mu.Lock()
		s.sessionID = d.SessionID
		if len(d.Trace) > 0 {
			s.trace = string(d.Trace)
		}
		s.mu.Unlock()
		s.setStatus(StatusReady)
		s.emit(Ready{Resumed: false})
	case EventResumed:
		s.setStatus(StatusReady)
		s.emit(Ready{Resumed: true})
	}

	s.emit(Event{Envelope: env})

	if gap {
		s.emit(Debug{Text: fmt.Sprintf("sequence gap before %d, resuming", *env.S)})
		s.resumeReconnect(log)
	}
}

func (s *Session) handleHello(log zerolog.Logger, env *Envelope) {
	var hello helloData
	if err := json.Unmarshal(env.D, &hello); err != nil {
		log.Warn().Err(err).Msg("undecodable hello payload")
		s.emit(ErrorNotice{Err: fmt.Errorf("gateway: decode hello: %w", err)})
		return
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

	s.mu.Lock()
	if len(hello.Trace) > 0 {
		s.trace = string(hello.Trace)
	}
	s.startHeartbeatLocked(interval, log)
	sessionID := s.sessionID
	sequence := s.sequence
	token := s.token
	s.mu.Unlock()

	log.Debug().
		Dur("interval", interval).
		Bool("resumable", sessionID != "").
		Msg("hello")

	if sessionID == "" {
		s.emit(IdentifyRequired{})
		return
	}

	s.setStatus(StatusResuming)
	err := s.send(OpResume, resumeData{
		Token:     token,
		SessionID: sessionID,
		Seq:       sequence,
	})
	if err != nil {
		log.Warn().Err(err).Msg("resume send failed")
		s.emit(ErrorNotice{Err: fmt.Errorf("gateway: send resume: %w", err)})
	}
}

// handleReconnectRequest reacts to the gateway telling us to drop and
// re-establish the connection with a fresh identify.
func (s *Session) handleReconnectRequest(log zerolog.Logger) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	if s.autoReconnect {
		s.pendingIdentify = true
	} else {
		s.closing = true
	}
	s.stopHeartbeatLocked()
	s.mu.Unlock()

	log.Debug().Msg("reconnect requested by gateway")
	if err := s.transport.Close(CloseNormal, "reconnect requested"); err != nil {
		log.Warn().Err(err).Msg("reconnect close failed")
	}
}

// handleInvalidSession resumes when a session identifier survives,
// otherwise resets hard and asks the consumer to identify again.
func (s *Session) handleInvalidSession(log zerolog.Logger) {
	s.mu.Lock()
	resumable := s.sessionID != ""
	s.mu.Unlock()

	log.Debug().Bool("resumable", resumable).Msg("session invalidated")

	if resumable {
		s.resumeReconnect(log)
		return
	}

	s.hardReset()
	s.emit(IdentifyRequired{})
}
