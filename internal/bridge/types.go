package bridge

import (
	"encoding/json"
	"time"
)

// Command is one outbound line to the companion process. IDs are
// monotonically increasing per bridge instance, starting at 1.
type Command struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// CommandError is the error member of a companion response line.
type CommandError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return e.Message
}

// Event is an unsolicited line pushed by the companion, not tied to any
// outstanding command. Fields carries the whole line so handlers can pick
// out event-specific members.
type Event struct {
	Name   string
	Fields json.RawMessage
}

// EventHandler receives unsolicited events. It is invoked on the bridge
// read loop, strictly in line order and always before the response of any
// command the events preceded; handlers must not call back into the bridge.
type EventHandler func(Event)

// Config describes how to spawn and drive one companion process.
type Config struct {
	// Name tags log lines and metrics ("relay", "cas").
	Name string
	// Command and Args are the companion executable invocation.
	Command string
	Args    []string
	// Env is passed to the companion at spawn time, on top of the host env.
	Env map[string]string
	// DefaultTimeout bounds commands without an explicit override.
	DefaultTimeout time.Duration
	// PingTimeout bounds the liveness ping issued right after spawning.
	PingTimeout time.Duration
	// OnEvent receives unsolicited event lines; may be nil.
	OnEvent EventHandler
}

// inbound is one classified response line handed from the read loop to the
// waiting command. Events never travel through here; they are dispatched
// directly from the read loop.
type inbound struct {
	id     uint64
	result json.RawMessage
	err    *CommandError
	fatal  error
}

// line is the shape probe used to classify one inbound line: presence of an
// "event" key makes it an event, otherwise it must carry an "id".
type line struct {
	Event  string          `json:"event"`
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *CommandError   `json:"error"`
}
