package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessageType is matched by every decode failure, whether the tag
// is unrecognized or the payload does not fit it.
var ErrUnknownMessageType = errors.New("signal: unknown message type")

// ErrMalformed is matched when the payload is not valid JSON or a known tag
// carries data of the wrong shape.
var ErrMalformed = errors.New("signal: malformed message")

// ProtocolError describes a payload that could not be decoded.
type ProtocolError struct {
	Type      string
	Reason    string
	Malformed bool
	Err       error
}

func (e *ProtocolError) Error() string {
	msg := "signal: protocol error"
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", e.Type)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrUnknownMessageType || (target == ErrMalformed && e.Malformed)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode renders m as a {"type","data"} JSON envelope.
func Encode(m Message) ([]byte, error) {
	var data any
	switch v := m.(type) {
	case Config:
		data = v
	case Text:
		data = v.Content
	case CallRequest:
		data = v
	case CallReject:
		data = v
	case CallBusy:
	case Hold:
		data = v.IsOnHold
	default:
		return nil, fmt.Errorf("signal: cannot encode %T", m)
	}

	env := envelope{Type: m.Kind()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("signal: encode %s: %w", m.Kind(), err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a wire payload. Any failure is a *ProtocolError.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Malformed: true, Err: err}
	}

	switch env.Type {
	case KindConfig:
		var c Config
		if err := decodeData(env, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindText:
		var s string
		if err := decodeData(env, &s); err != nil {
			return nil, err
		}
		return Text{Content: s}, nil
	case KindCallRequest:
		var r CallRequest
		if err := decodeData(env, &r); err != nil {
			return nil, err
		}
		return r, nil
	case KindCallReject:
		var r CallReject
		if err := decodeData(env, &r); err != nil {
			return nil, err
		}
		return r, nil
	case KindCallBusy:
		return CallBusy{}, nil
	case KindHold:
		var v bool
		if err := decodeData(env, &v); err != nil {
			return nil, err
		}
		return Hold{IsOnHold: v}, nil
	case "":
		return nil, &ProtocolError{Reason: "missing type"}
	default:
		return nil, &ProtocolError{Type: string(env.Type), Reason: "unrecognized type"}
	}
}

func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return &ProtocolError{Type: string(env.Type), Reason: "missing data", Malformed: true}
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return &ProtocolError{Type: string(env.Type), Reason: "malformed data", Malformed: true, Err: err}
	}
	return nil
}
