package workerconn

import (
	"encoding/json"
	"fmt"
)

// frame is the wire shape of every message in both directions: a JSON
// array whose first element is a string tag and whose (optional) second
// element is an arbitrary payload.
type frame struct {
	Tag     string
	Payload json.RawMessage
}

// explicitNull marks a frame that carries a JSON null payload — distinct
// from omitting the payload element entirely (command.start and
// command.judge send `[tag, null]`; command.status and command.abort send
// the bare `[tag]`).
type explicitNull struct{}

func (explicitNull) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// jsonNull is passed as the payload to encodeFrame to force a two-element
// array with a literal null second element.
var jsonNull = explicitNull{}

// encodeFrame marshals a (tag, payload) pair as a two-element JSON array.
// payload nil omits the second element entirely, matching frames like
// ["command.abort"]; pass jsonNull for an explicit null second element.
func encodeFrame(tag string, payload any) ([]byte, error) {
	if payload == nil {
		return json.Marshal([1]string{tag})
	}
	return json.Marshal([2]any{tag, payload})
}

// decodeFrame parses an incoming text message into its tag and raw
// payload. A one-element array decodes to a frame with a nil Payload.
func decodeFrame(data []byte) (frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return frame{}, fmt.Errorf("workerconn: malformed frame: %w", err)
	}
	if len(raw) == 0 {
		return frame{}, fmt.Errorf("workerconn: empty frame")
	}

	var tag string
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return frame{}, fmt.Errorf("workerconn: frame tag not a string: %w", err)
	}

	f := frame{Tag: tag}
	if len(raw) > 1 {
		f.Payload = raw[1]
	}
	return f, nil
}

// unmarshalPayload decodes a frame's payload into v. A nil payload leaves
// v untouched.
func (f frame) unmarshalPayload(v any) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// DecodeWireFrame parses a (tag, payload) array — the same shape used for
// both the worker wire protocol and queue frames published by the
// dispatcher — without requiring callers to depend on the unexported
// frame type. Used by internal/gateway to re-wrap persisted/live queue
// frames for downstream subscribers.
func DecodeWireFrame(data []byte) (tag string, payload json.RawMessage, err error) {
	f, err := decodeFrame(data)
	if err != nil {
		return "", nil, err
	}
	return f.Tag, f.Payload, nil
}

// EncodeWireFrame marshals a (tag, payload) pair as a two-element JSON
// array, or a one-element array when payload is nil, matching the shape
// the dispatcher publishes to queues (e.g. ["waiting"], ["catched", name],
// ["overall", result]).
func EncodeWireFrame(tag string, payload any) ([]byte, error) {
	return encodeFrame(tag, payload)
}
