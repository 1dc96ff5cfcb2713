package provider

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Request is a single EIP-1193 style call made by a dapp webview. The ID is
// chosen by the caller and must be echoed back verbatim; it is the sole
// correlation key between the request and its eventual response. IDs are not
// globally unique — correlation is always the (webview, id) pair.
type Request struct {
	ID         uint64          `json:"id"`
	ProviderID *string         `json:"provider_id,omitempty"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Error is the provider-style error carried in a response envelope. Worker
// goroutines reduce whatever went wrong to this shape before it crosses back
// into the event loop; no structured Go error crosses that boundary.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// EIP-1193 / JSON-RPC error codes used by the host.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
)

// Response is the envelope delivered back to a webview for one request id.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is an unsolicited provider event pushed to a webview
// (accountsChanged, chainChanged).
type Notification struct {
	Event  string          `json:"event"`
	Params json.RawMessage `json:"params"`
}

// Provider event names.
const (
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

// OutcomeKind discriminates the router's per-request decision.
type OutcomeKind int

const (
	// OutcomeImmediate means the result is available synchronously.
	OutcomeImmediate OutcomeKind = iota
	// OutcomeDeferred means the response will arrive later through the
	// event-loop result channel for the same (webview, id) pair.
	OutcomeDeferred
	// OutcomeError means the request failed synchronously.
	OutcomeError
)

// Outcome is the router's decision for one inbound request.
type Outcome struct {
	Kind   OutcomeKind
	Result json.RawMessage
	Err    *Error
}

// Immediate wraps v into a synchronous success outcome. Marshal failures are
// reduced to an internal error outcome so the caller always gets a response.
func Immediate(v any) Outcome {
	raw, err := json.Marshal(v)
	if err != nil {
		return Failure(CodeInternalError, "failed to encode result")
	}

	return Outcome{Kind: OutcomeImmediate, Result: raw}
}

// Deferred signals that the response arrives later via the result channel.
func Deferred() Outcome {
	return Outcome{Kind: OutcomeDeferred}
}

// Failure wraps a synchronous provider error outcome.
func Failure(code int, message string) Outcome {
	return Outcome{Kind: OutcomeError, Err: &Error{Code: code, Message: message}}
}

// Result is the tagged message a worker posts back into the event loop once
// a deferred call finishes. The loop's only job on receipt is to look up the
// webview and deliver the response.
type Result struct {
	WebviewID uuid.UUID
	RequestID uint64
	Value     json.RawMessage
	Err       *Error
}

// ToResponse converts a worker result into the response envelope.
func (r Result) ToResponse() Response {
	return Response{ID: r.RequestID, Result: r.Value, Error: r.Err}
}
