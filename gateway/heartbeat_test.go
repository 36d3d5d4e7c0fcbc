package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatPulsesAtCadence(t *testing.T) {
	f := newFakeTransport()
	s := newTestSession(f)
	defer shutdown(t, s, f)

	require.NoError(t, s.Connect())
	f.pushHello(t, 50)
	awaitNotification[IdentifyRequired](t, s)

	fr := f.nextFrame(t)
	require.Equal(t, OpHeartbeat, fr.Op)

	var seq int64
	require.NoError(t, json.Unmarshal(fr.D, &seq))
	assert.Equal(t, int64(0), seq)

	f.pushOp(t, OpHeartbeatACK)
	require.Eventually(t, func() bool {
		return s.Latency() > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatRequestPulsesImmediately(t *testing.T) {
	f := newFakeTransport()
	s := newTestSession(f)
	defer shutdown(t, s, f)

	require.NoError(t, s.Connect())
	// Cadence far away; any pulse must come from the explicit request.
	f.pushHello(t, 100000)
	awaitNotification[IdentifyRequired](t, s)

	f.pushOp(t, OpHeartbeat)
	fr := f.nextFrame(t)
	assert.Equal(t, OpHeartbeat, fr.Op)
}

func TestHeartbeatTimeoutReidentifies(t *testing.T) {
	oldGrace := heartbeatGrace
	heartbeatGrace = 20 * time.Millisecond
	defer func() { heartbeatGrace = oldGrace }()

	f := newFakeTransport()
	s := newTestSession(f)
	defer shutdown(t, s, f)

	require.NoError(t, s.Connect())
	f.pushHello(t, 40)
	awaitNotification[IdentifyRequired](t, s)

	// No acks arrive, so the second tick declares the connection dead.
	d := awaitNotification[Disconnected](t, s)
	assert.False(t, d.Graceful)

	require.Eventually(t, func() bool {
		return f.connectCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	closes := f.closeCalls()
	require.Len(t, closes, 1, "heartbeat teardown must close exactly once")
	assert.Equal(t, CloseNormal, closes[0].code)
	assert.Equal(t, "heartbeat ack timeout", closes[0].reason)

	f.pushHello(t, 100000)
	awaitNotification[IdentifyRequired](t, s)
}

func TestHeartbeatTimeoutStopsWithoutAutoReconnect(t *testing.T) {
	oldGrace := heartbeatGrace
	heartbeatGrace = 20 * time.Millisecond
	defer func() { heartbeatGrace = oldGrace }()

	f := newFakeTransport()
	s := newTestSession(f, WithAutoReconnect(false))

	require.NoError(t, s.Connect())
	f.pushHello(t, 40)
	awaitNotification[IdentifyRequired](t, s)

	d := awaitNotification[Disconnected](t, s)
	assert.True(t, d.Graceful)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.connectCount())
	assert.Equal(t, StatusDisconnected, s.Status())
}
