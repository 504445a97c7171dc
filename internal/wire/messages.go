// Package wire defines the WebSocket protocol between the client and a Dara
// server. Every frame is an Envelope; "message" envelopes carry a kind-tagged
// payload so dispatch never guesses from field presence.
package wire

import (
	"encoding/json"
)

// ── Envelope ────────────────────────────────────────────────────────────────

// EnvelopeType discriminates the frame-level variants.
type EnvelopeType string

const (
	TypeInit    EnvelopeType = "init"
	TypePing    EnvelopeType = "ping"
	TypePong    EnvelopeType = "pong"
	TypeMessage EnvelopeType = "message"
	TypeCustom  EnvelopeType = "custom"
)

// Envelope wraps every frame in both directions.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

// PayloadKind discriminates payloads inside "message" envelopes.
type PayloadKind string

const (
	KindTaskStatus   PayloadKind = "task_status"
	KindProgress     PayloadKind = "progress"
	KindStorePatch   PayloadKind = "store_patch"
	KindActionResult PayloadKind = "action_result"
)

// TaskStatus is the lifecycle state reported for a backend task.
type TaskStatus string

const (
	StatusProgress TaskStatus = "PROGRESS"
	StatusComplete TaskStatus = "COMPLETE"
	StatusError    TaskStatus = "ERROR"
	StatusCanceled TaskStatus = "CANCELED"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCanceled
}

// ── Inbound messages ────────────────────────────────────────────────────────

// Inbound is implemented by every decoded server-to-client message.
type Inbound interface{ inbound() }

// InitMessage is the first frame on a new connection; the channel it carries
// is the handle correlating server-initiated pushes with this connection.
type InitMessage struct {
	Channel string `json:"channel"`
}

// Ping and Pong are heartbeat frames. The client pings every few seconds; the
// server answers with a pong and may ping on its own.
type (
	Ping struct{}
	Pong struct{}
)

// TaskMessage reports a task status transition. Result is populated only on
// COMPLETE, Error only on ERROR.
type TaskMessage struct {
	Kind   PayloadKind     `json:"kind"`
	TaskID string          `json:"task_id"`
	Status TaskStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ProgressMessage reports incremental progress for a running task.
type ProgressMessage struct {
	Kind     PayloadKind `json:"kind"`
	TaskID   string      `json:"task_id"`
	Progress float64     `json:"progress"`
	Message  string      `json:"message,omitempty"`
}

// StorePatchMessage carries a backend-store update for a server variable.
// Sequence numbers are per store and strictly increasing; the client drops
// patches that arrive out of order after a reconnect.
type StorePatchMessage struct {
	Kind     PayloadKind     `json:"kind"`
	StoreUID string          `json:"store_uid"`
	Sequence int             `json:"sequence_number"`
	Value    json.RawMessage `json:"value"`
}

// ActionResultMessage carries the outcome of a server-executed action.
type ActionResultMessage struct {
	Kind        PayloadKind     `json:"kind"`
	ExecutionID string          `json:"execution_id"`
	ActionUID   string          `json:"action"`
	Success     bool            `json:"success"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// CustomMessage is an application-defined message. CorrelationID ties a
// response to the SendCustomMessage call that awaits it.
type CustomMessage struct {
	Kind          string          `json:"kind"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"rchan,omitempty"`
}

func (InitMessage) inbound()         {}
func (Ping) inbound()                {}
func (Pong) inbound()                {}
func (TaskMessage) inbound()         {}
func (ProgressMessage) inbound()     {}
func (StorePatchMessage) inbound()   {}
func (ActionResultMessage) inbound() {}
func (CustomMessage) inbound()       {}
