package wallet

import (
	"sync"

	"github.com/google/uuid"
)

// PendingConnect remembers the one eth_requestAccounts call that arrived
// before any backend was selected. It is consumed exactly once, when a
// backend finishes its connect flow, to resolve the original dapp request.
type PendingConnect struct {
	WebviewID uuid.UUID
	RequestID uint64
}

// ConnectSlot holds at most one outstanding PendingConnect. A second
// eth_requestAccounts from another webview silently overwrites the earlier
// entry (last-writer-wins). That is a latent race under genuinely concurrent
// connect attempts, kept as-is because the selection UI only allows one flow
// open at a time.
type ConnectSlot struct {
	mu      sync.Mutex
	pending *PendingConnect
}

// NewConnectSlot creates an empty slot.
func NewConnectSlot() *ConnectSlot {
	return &ConnectSlot{}
}

// Set records a pending connect, replacing any earlier one.
func (s *ConnectSlot) Set(webviewID uuid.UUID, requestID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = &PendingConnect{WebviewID: webviewID, RequestID: requestID}
}

// Take removes and returns the pending connect, or nil if none is recorded.
func (s *ConnectSlot) Take() *PendingConnect {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pending
	s.pending = nil
	return pending
}

// Peek returns the pending connect without consuming it.
func (s *ConnectSlot) Peek() *PendingConnect {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return nil
	}
	pending := *s.pending
	return &pending
}
