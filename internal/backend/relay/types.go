package relay

import (
	"github.com/ethereum/go-ethereum/common"
)

// SessionEventKind discriminates the unsolicited session events the relay
// companion pushes at any time, not just in response to a command.
type SessionEventKind int

const (
	// EventPairingURI carries the pairing URI the user scans on the remote device.
	EventPairingURI SessionEventKind = iota
	// EventAccountsChanged carries the session's new account list.
	EventAccountsChanged
	// EventChainChanged carries the session's new chain id.
	EventChainChanged
	// EventDisconnect signals the remote wallet ended the session.
	EventDisconnect
)

// SessionEvent is one parsed relay session event.
type SessionEvent struct {
	Kind       SessionEventKind
	PairingURI string
	Accounts   []common.Address
	ChainID    uint64
}

// EventHandler receives parsed session events. The host applies them to the
// wallet state and re-broadcasts them to webviews regardless of whether a
// command is currently in flight.
type EventHandler func(SessionEvent)

// Companion event names on the wire.
const (
	wireEventPairingURI      = "session_proposal_uri"
	wireEventAccountsChanged = "accounts_changed"
	wireEventChainChanged    = "chain_changed"
	wireEventDisconnect      = "disconnect"
)
