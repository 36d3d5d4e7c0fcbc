package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultReconnectDelay    = 1 * time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultLargeThreshold    = 250

	notificationBuffer = 64
)

// Session owns one logical gateway connection: status, session identifier,
// sequence tracking, heartbeating and close-code-driven recovery. All
// outward signaling happens on the Notifications channel, which the
// consumer must drain.
type Session struct {
	mu sync.Mutex

	transport Transport
	logger    zerolog.Logger
	log       zerolog.Logger

	shardID        int
	shardCount     int
	token          string
	intents        int64
	largeThreshold int
	properties     IdentifyProperties
	presence       *PresenceUpdate

	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	reconnectAttempts int

	status    Status
	sessionID string
	sequence  int64
	trace     string

	connected       bool
	closing         bool
	pendingResume   bool
	pendingIdentify bool

	hbInterval time.Duration
	hbLastSend time.Time
	hbLastAck  time.Time
	hbLatency  time.Duration
	hbStop     chan struct{}

	notes chan Notification

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Session)

func WithToken(token string) Option {
	return func(s *Session) {
		s.token = token
	}
}

// WithShard sets this session's shard index and the total shard count.
func WithShard(id, total int) Option {
	return func(s *Session) {
		s.shardID = id
		s.shardCount = total
	}
}

func WithIntents(intents int64) Option {
	return func(s *Session) {
		s.intents = intents
	}
}

func WithLargeThreshold(n int) Option {
	return func(s *Session) {
		s.largeThreshold = n
	}
}

// WithPresence sets the initial presence carried inside identify.
func WithPresence(p PresenceUpdate) Option {
	return func(s *Session) {
		s.presence = &p
	}
}

func WithProperties(p IdentifyProperties) Option {
	return func(s *Session) {
		s.properties = p
	}
}

// WithAutoReconnect toggles automatic recovery. When disabled, closes
// that would reconnect stop the session instead.
func WithAutoReconnect(enabled bool) Option {
	return func(s *Session) {
		s.autoReconnect = enabled
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(s *Session) {
		s.reconnectDelay = d
	}
}

func WithMaxReconnectDelay(d time.Duration) Option {
	return func(s *Session) {
		s.maxReconnectDelay = d
	}
}

// WithReconnectAttempts caps automatic reconnect attempts per disconnect;
// 0 or negative means unlimited.
func WithReconnectAttempts(attempts int) Option {
	return func(s *Session) {
		s.reconnectAttempts = attempts
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

func New(transport Transport, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		transport:      transport,
		logger:         zerolog.Nop(),
		shardCount:     1,
		largeThreshold: defaultLargeThreshold,
		properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "gateway.go",
			Device:  "gateway.go",
		},
		autoReconnect:     true,
		reconnectDelay:    defaultReconnectDelay,
		maxReconnectDelay: defaultMaxReconnectDelay,
		notes:             make(chan Notification, notificationBuffer),
		ctx:               ctx,
		cancel:            cancel,
	}

	for _, opt := range opts {
		opt(s)
	}
	s.log = s.logger

	return s
}

// Notifications returns the channel the session reports on. The consumer
// must keep draining it; emission blocks once the buffer is full.
func (s *Session) Notifications() <-chan Notification {
	return s.notes
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// Latency is the delay between the last heartbeat and its acknowledgement.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hbLatency
}

// Trace is the opaque diagnostic string last reported by the gateway.
func (s *Session) Trace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace
}

// Connect opens the transport and starts processing frames. It is a no-op
// when already connected. Failures on later automatic reconnects are
// reported as notifications, not returned.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.ctx.Err() != nil {
		// A previous Disconnect cancelled the session lifetime; an
		// explicit Connect starts a fresh one.
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	ctx := s.ctx
	s.mu.Unlock()

	return s.dial(ctx)
}

// dial performs one connection attempt bound to the given session
// lifetime. Automatic reconnects come here directly with the lifetime
// they were started under, so a Disconnect issued meanwhile stays final.
func (s *Session) dial(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.setStatus(StatusConnecting)

	if err := s.transport.Connect(ctx); err != nil {
		s.setStatus(StatusDisconnected)
		return fmt.Errorf("gateway: connect: %w", err)
	}

	log := s.logger.With().Str("conn", uuid.NewString()[:8]).Logger()

	s.mu.Lock()
	if s.connected {
		// Lost a race against another connect attempt; the transport
		// accepted both, only one may own the receive loop.
		s.mu.Unlock()
		return nil
	}
	s.connected = true
	s.log = log
	s.mu.Unlock()

	log.Debug().Msg("transport open")
	go s.receiveLoop(log)

	return nil
}

// Disconnect closes the connection gracefully. The resulting close is not
// retried and not reported as an error.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		// Nothing on the wire, but a reconnect loop may still be
		// backing off toward a redial. Cancelling the session
		// lifetime stops it; Connect issues a new one.
		cancel := s.cancel
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.closing = true
	s.stopHeartbeatLocked()
	s.mu.Unlock()

	return s.transport.Close(CloseNormal, "")
}

// Identify authenticates the connection, establishing a fresh session.
// With force set, any resumable session state is discarded first.
func (s *Session) Identify(force bool) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.token == "" {
		s.mu.Unlock()
		return ErrNoToken
	}
	if force {
		s.sessionID = ""
		s.sequence = 0
		s.trace = ""
	}
	d := identifyData{
		Token:          s.token,
		Properties:     s.properties,
		LargeThreshold: s.largeThreshold,
		Shard:          [2]int{s.shardID, s.shardCount},
		Intents:        s.intents,
	}
	if s.presence != nil {
		p := normalizePresence(*s.presence)
		d.Presence = &p
	}
	s.mu.Unlock()

	s.setStatus(StatusIdentifying)
	return s.send(OpIdentify, d)
}

func (s *Session) SendPresenceUpdate(p PresenceUpdate) error {
	return s.send(OpPresenceUpdate, normalizePresence(p))
}

func (s *Session) SendVoiceStateUpdate(v VoiceStateUpdate) error {
	return s.send(OpVoiceStateUpdate, normalizeVoiceState(v))
}

func (s *Session) RequestGuildMembers(r MemberRequest) error {
	return s.send(OpRequestGuildMembers, normalizeMemberRequest(r))
}

func (s *Session) send(op int, d any) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame{Op: op, D: d})
	if err != nil {
		return fmt.Errorf("gateway: encode op %d: %w", op, err)
	}
	return s.transport.Send(data)
}

func (s *Session) receiveLoop(log zerolog.Logger) {
	for {
		data, err := s.transport.Receive()
		if err != nil {
			s.handleClose(log, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("dropping undecodable frame")
			s.emit(ErrorNotice{Err: fmt.Errorf("gateway: decode frame: %w", err)})
			continue
		}

		s.handleEnvelope(log, &env)
	}
}

// handleClose runs the recovery policy for a dead connection. The intent
// flags are read and cleared here, once per close, and the heartbeat is
// cancelled before anything else happens.
func (s *Session) handleClose(log zerolog.Logger, err error) {
	code := 0
	reason := ""
	var ce *CloseError
	if errors.As(err, &ce) {
		code = ce.Code
		reason = ce.Reason
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	cc := closeContext{
		closing:         s.closing,
		pendingResume:   s.pendingResume,
		pendingIdentify: s.pendingIdentify,
	}
	s.closing = false
	s.pendingResume = false
	s.pendingIdentify = false
	s.stopHeartbeatLocked()
	auto := s.autoReconnect
	s.mu.Unlock()

	rec := classifyClose(code, cc)

	log.Debug().
		Int("code", code).
		Str("reason", reason).
		Int("action", int(rec.action)).
		Msg("connection closed")

	if rec.report {
		s.emit(ErrorNotice{
			Err:   &CloseError{Code: code, Reason: reason},
			Fatal: rec.action == actionFatal,
		})
	}

	s.emit(Disconnected{
		Code:     code,
		Reason:   reason,
		Graceful: rec.action == actionGraceful,
	})
	s.setStatus(StatusDisconnected)

	switch rec.action {
	case actionResume:
		if auto {
			go s.reconnect(log)
		}
	case actionReidentify:
		s.hardReset()
		if auto {
			go s.reconnect(log)
		}
	}
}

// reconnect redials with exponential backoff. It runs only after the
// previous close has been fully processed.
func (s *Session) reconnect(log zerolog.Logger) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	delay := s.reconnectDelay
	attempts := 0

	for s.reconnectAttempts <= 0 || attempts < s.reconnectAttempts {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			err := s.dial(ctx)
			if err == nil {
				return
			}
			log.Warn().Err(err).Dur("retry_in", delay).Msg("reconnect failed")

			attempts++
			delay *= 2
			if delay > s.maxReconnectDelay {
				delay = s.maxReconnectDelay
			}
		}
	}

	s.emit(ErrorNotice{
		Err:   fmt.Errorf("gateway: gave up after %d reconnect attempts", attempts),
		Fatal: true,
	})
}

// resumeReconnect closes the socket to re-attach to the current session.
// The pendingResume flag tells the next handleClose that this close is
// ours and the session must be preserved.
func (s *Session) resumeReconnect(log zerolog.Logger) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	if s.sessionID == "" {
		s.mu.Unlock()
		s.emit(IdentifyRequired{})
		return
	}
	s.stopHeartbeatLocked()
	s.pendingResume = true
	s.mu.Unlock()

	log.Debug().Msg("closing for resume")
	if err := s.transport.Close(CloseUnknownError, "resuming"); err != nil {
		log.Warn().Err(err).Msg("resume close failed")
	}
}

// hardReset discards everything that would allow a resume. Used before
// re-identify-style reconnects, never before resumes.
func (s *Session) hardReset() {
	s.mu.Lock()
	s.hardResetLocked()
	s.mu.Unlock()
}

func (s *Session) hardResetLocked() {
	s.stopHeartbeatLocked()
	s.sessionID = ""
	s.sequence = 0
	s.trace = ""
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	log := s.log
	s.mu.Unlock()

	if !changed {
		return
	}
	log.Debug().Stringer("status", status).Msg("state changed")
	s.emit(StateChange{Status: status})
}

// emit must not be called with s.mu held: delivery blocks when the
// consumer falls behind the buffer.
func (s *Session) emit(n Notification) {
	select {
	case s.notes <- n:
		return
	default:
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	select {
	case s.notes <- n:
	case <-ctx.Done():
	}
}
