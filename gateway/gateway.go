package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Status is the connection state of a Session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusIdentifying
	StatusResuming
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusIdentifying:
		return "identifying"
	case StatusResuming:
		return "resuming"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Gateway opcodes.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatACK        = 11
)

// Close codes sent by the gateway, plus the normal websocket closure.
const (
	CloseNormal               = 1000
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSequence      = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Dispatch names with session-level meaning.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

var (
	ErrNotConnected = errors.New("gateway: not connected")
	ErrNoToken      = errors.New("gateway: no token configured")
)

// Transport is the raw socket the Session drives. Connect and Close may be
// called repeatedly on the same instance; Receive blocks until a frame
// arrives or the connection dies. A peer- or self-initiated closure
// surfaces from Receive as a *CloseError.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close(code int, reason string) error
}

// CloseError reports the close code and reason a connection ended with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway: connection closed %d: %s", e.Code, e.Reason)
}

// Notification is a typed message from the Session to its consumer.
// Notifications are delivered on a single channel in the order the
// triggering frames and timer ticks were processed.
type Notification interface {
	notification()
}

// StateChange reports a Status transition.
type StateChange struct {
	Status Status
}

// Ready reports that the session reached StatusReady, either freshly
// identified or resumed.
type Ready struct {
	Resumed bool
}

// Event carries an application dispatch or an unrecognized opcode,
// forwarded unchanged.
type Event struct {
	Envelope *Envelope
}

// Disconnected reports a processed transport closure. Graceful closes are
// self-initiated and never retried.
type Disconnected struct {
	Code     int
	Reason   string
	Graceful bool
}

// IdentifyRequired asks the consumer to call Identify. Emitted after a
// hello with no resumable session and after an unresumable session
// invalidation.
type IdentifyRequired struct{}

// Debug carries diagnostic text.
type Debug struct {
	Text string
}

// ErrorNotice reports a failure. Fatal errors will not be retried; the
// session stays down until the consumer intervenes.
type ErrorNotice struct {
	Err   error
	Fatal bool
}

func (StateChange) notification()      {}
func (Ready) notification()            {}
func (Event) notification()            {}
func (Disconnected) notification()     {}
func (IdentifyRequired) notification() {}
func (Debug) notification()            {}
func (ErrorNotice) notification()      {}
