package gateway

import "encoding/json"

// Envelope is the wire frame exchanged with the gateway:
// {op, d, s, t}. S and T are only set on dispatch frames.
type Envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// frame is the outbound shape; d carries a typed payload.
type frame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64           `json:"heartbeat_interval"`
	Trace             json.RawMessage `json:"_trace"`
}

type readyData struct {
	SessionID string          `json:"session_id"`
	Trace     json.RawMessage `json:"_trace"`
}
