package listener

import (
	"encoding/json"
)

// Frame types on the wire.
const (
	frameAuth      = "auth"
	frameAuthOK    = "auth_ok"
	frameAuthError = "auth_error"
	frameSubscribe = "subscribe"
	frameEvent     = "event"
	framePing      = "ping"
	framePong      = "pong"
	framePresence  = "presence"
	frameError     = "error"
)

// outbound is every frame the client writes.
type outbound struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Events []string `json:"events,omitempty"`
}

// inbound is every frame the server pushes. Data stays raw until the type
// is known.
type inbound struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type presenceData struct {
	Connected bool `json:"connected"`
}
