package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned for an envelope type outside the protocol.
	ErrUnknownType = errors.New("wire: unknown envelope type")
	// ErrUnknownKind is returned for a "message" payload with an
	// unrecognized kind tag.
	ErrUnknownKind = errors.New("wire: unknown payload kind")
)

// Decode parses and validates a single inbound frame. Validation happens here,
// at the deserialization boundary, so the rest of the client only ever sees
// well-formed typed messages.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("wire: invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInit:
		var msg InitMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return nil, fmt.Errorf("wire: invalid init message: %w", err)
		}
		if msg.Channel == "" {
			return nil, errors.New("wire: init message missing channel")
		}
		return msg, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeMessage:
		return decodePayload(env.Message)
	case TypeCustom:
		var msg CustomMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return nil, fmt.Errorf("wire: invalid custom message: %w", err)
		}
		if msg.Kind == "" {
			return nil, errors.New("wire: custom message missing kind")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodePayload(raw json.RawMessage) (Inbound, error) {
	var tag struct {
		Kind PayloadKind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("wire: invalid message payload: %w", err)
	}

	switch tag.Kind {
	case KindTaskStatus:
		var msg TaskMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("wire: invalid task message: %w", err)
		}
		if msg.TaskID == "" {
			return nil, errors.New("wire: task message missing task_id")
		}
		switch msg.Status {
		case StatusProgress, StatusComplete, StatusError, StatusCanceled:
		default:
			return nil, fmt.Errorf("wire: task message has invalid status %q", msg.Status)
		}
		return msg, nil
	case KindProgress:
		var msg ProgressMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("wire: invalid progress message: %w", err)
		}
		if msg.TaskID == "" {
			return nil, errors.New("wire: progress message missing task_id")
		}
		return msg, nil
	case KindStorePatch:
		var msg StorePatchMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("wire: invalid store patch: %w", err)
		}
		if msg.StoreUID == "" {
			return nil, errors.New("wire: store patch missing store_uid")
		}
		return msg, nil
	case KindActionResult:
		var msg ActionResultMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("wire: invalid action result: %w", err)
		}
		if msg.ExecutionID == "" {
			return nil, errors.New("wire: action result missing execution_id")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tag.Kind)
	}
}

// ── Outbound encoding ───────────────────────────────────────────────────────

// encode wraps a payload in an envelope and marshals it.
func encode(typ EnvelopeType, payload any) ([]byte, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal payload: %w", err)
		}
		env.Message = raw
	}
	return json.Marshal(env)
}

// EncodePing builds a heartbeat frame.
func EncodePing() ([]byte, error) {
	return encode(TypePing, nil)
}

// EncodePong builds a heartbeat reply.
func EncodePong() ([]byte, error) {
	return encode(TypePong, nil)
}

// EncodeCustom builds a custom-message frame. correlationID may be empty for
// fire-and-forget sends.
func EncodeCustom(kind string, data any, correlationID string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal custom data: %w", err)
	}
	return encode(TypeCustom, CustomMessage{
		Kind:          kind,
		Data:          raw,
		CorrelationID: correlationID,
	})
}

// EncodeMessage builds a "message" frame around a kind-tagged payload. The
// dev server uses it for task, progress, patch and action pushes.
func EncodeMessage(payload any) ([]byte, error) {
	return encode(TypeMessage, payload)
}
