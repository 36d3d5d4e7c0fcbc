package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type closeCall struct {
	code   int
	reason string
}

// fakeTransport is a channel-driven Transport. Tests feed inbound frames
// with the push helpers and read outbound frames from sent; closures from
// either side surface as *CloseError from Receive, like the websocket
// transport behaves.
type fakeTransport struct {
	mu       sync.Mutex
	open     bool
	dials    int
	connects int
	closes   []closeCall
	dialErr  error
	inbox    chan []byte
	errs     chan error
	sent     chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(chan []byte, 64),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dials++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.dialErr != nil {
		return f.dialErr
	}
	f.connects++
	f.open = true
	f.inbox = make(chan []byte, 64)
	f.errs = make(chan error, 1)
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	open := f.open
	f.mu.Unlock()

	if !open {
		return ErrNotConnected
	}
	f.sent <- data
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	f.mu.Lock()
	inbox, errs := f.inbox, f.errs
	f.mu.Unlock()

	if inbox == nil {
		return nil, ErrNotConnected
	}
	select {
	case data := <-inbox:
		return data, nil
	case err := <-errs:
		return nil, err
	}
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return nil
	}
	f.open = false
	f.closes = append(f.closes, closeCall{code: code, reason: reason})
	f.errs <- &CloseError{Code: code, Reason: reason}
	return nil
}

// remoteClose simulates the peer closing the connection.
func (f *fakeTransport) remoteClose(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return
	}
	f.open = false
	f.errs <- &CloseError{Code: code, Reason: reason}
}

func (f *fakeTransport) setDialErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

func (f *fakeTransport) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// dialCount counts every Connect attempt, failed dials included.
func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) closeCalls() []closeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]closeCall(nil), f.closes...)
}

func (f *fakeTransport) push(t *testing.T, env Envelope) {
	t.Helper()

	data, err := json.Marshal(env)
	require.NoError(t, err)

	f.mu.Lock()
	inbox := f.inbox
	f.mu.Unlock()
	require.NotNil(t, inbox, "push before connect")
	inbox <- data
}

func (f *fakeTransport) pushHello(t *testing.T, intervalMillis int64) {
	t.Helper()
	d, err := json.Marshal(map[string]int64{"heartbeat_interval": intervalMillis})
	require.NoError(t, err)
	f.push(t, Envelope{Op: OpHello, D: d})
}

func (f *fakeTransport) pushDispatch(t *testing.T, name string, seq int64, payload any) {
	t.Helper()
	d, err := json.Marshal(payload)
	require.NoError(t, err)
	f.push(t, Envelope{Op: OpDispatch, D: d, S: &seq, T: name})
}

func (f *fakeTransport) pushOp(t *testing.T, op int) {
	t.Helper()
	f.push(t, Envelope{Op: op})
}

type sentFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// nextFrame pops the next outbound frame, failing the test after a
// timeout.
func (f *fakeTransport) nextFrame(t *testing.T) sentFrame {
	t.Helper()

	select {
	case data := <-f.sent:
		var fr sentFrame
		require.NoError(t, json.Unmarshal(data, &fr))
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing frame")
		return sentFrame{}
	}
}
