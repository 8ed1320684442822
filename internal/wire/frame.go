// Package wire defines the upstream JSON frame shape shared by the
// Upstream Link and the Session Mediator.
package wire

import "encoding/json"

// Frame is the upstream wire message shape: { name, msg?, body?, version?,
// request_id?, local_time? }. Msg and Body are kept as raw JSON since their
// shape varies per event name; callers decode into a concrete type once
// they know which event they're handling.
type Frame struct {
	Name      string          `json:"name"`
	Msg       json.RawMessage `json:"msg,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Version   string          `json:"version,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	LocalTime int64           `json:"local_time,omitempty"`
}

// Payload returns whichever of Msg/Body is populated, preferring Msg, since
// upstream frames observed in the corpus use either field depending on the
// event.
func (f Frame) Payload() json.RawMessage {
	if len(f.Msg) > 0 {
		return f.Msg
	}
	return f.Body
}

// New builds an outgoing frame with the given name and JSON-encodable msg.
func New(name string, msg any) (Frame, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Name: name, Msg: raw}, nil
}
