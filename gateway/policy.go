package gateway

// recoveryAction is what the close-code policy decides for a processed
// transport closure.
type recoveryAction int

const (
	// actionNone reports the disconnect and stays down.
	actionNone recoveryAction = iota
	// actionGraceful is a self-initiated, intentional stop.
	actionGraceful
	// actionResume reconnects keeping the session for a resume.
	actionResume
	// actionReidentify hard-resets the session and reconnects fresh.
	actionReidentify
	// actionFatal reports an unrecoverable error and stays down.
	actionFatal
)

// recovery pairs the action with whether the close is reported as an
// error to the consumer.
type recovery struct {
	action recoveryAction
	report bool
}

// closeContext carries the per-session flags the policy reads alongside
// the close code. Each flag is consumed by exactly one close.
type closeContext struct {
	// closing marks a close requested by Disconnect.
	closing bool
	// pendingResume marks a close the session initiated to resume.
	pendingResume bool
	// pendingIdentify marks a close the session initiated to
	// re-identify (heartbeat timeout, reconnect request).
	pendingIdentify bool
}

// classifyClose maps a close code and the session's own intent flags to a
// recovery decision. Self-initiated closes are recognized by flag, not by
// code: the gateway reuses 4000 for generic errors, so the code alone
// cannot distinguish "we asked to resume" from a forced error close.
func classifyClose(code int, cc closeContext) recovery {
	// An explicit Disconnect outranks everything, including recovery
	// closes the session itself had in flight: when the user asked to
	// stop, reconnecting anyway would be wrong whatever the code says.
	if cc.closing {
		return recovery{action: actionGraceful}
	}
	if cc.pendingResume {
		return recovery{action: actionResume}
	}
	if cc.pendingIdentify {
		return recovery{action: actionReidentify}
	}

	switch code {
	case CloseNormal:
		return recovery{action: actionNone}
	case CloseUnknownError,
		CloseUnknownOpcode,
		CloseDecodeError,
		CloseNotAuthenticated,
		CloseAlreadyAuthenticated,
		CloseRateLimited,
		CloseSessionTimedOut:
		return recovery{action: actionResume, report: true}
	case CloseInvalidSequence:
		return recovery{action: actionReidentify, report: true}
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return recovery{action: actionFatal, report: true}
	default:
		return recovery{action: actionNone}
	}
}
