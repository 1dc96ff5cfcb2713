package wallet

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is a point-in-time copy of the shared wallet state.
type Snapshot struct {
	Authorized      bool
	ChainID         uint64
	Account         *common.Address
	RelayPairingURI string
}

// State is the shared wallet/chain state, mutated by whichever backend
// currently owns authorization and read by the router to answer
// eth_accounts/eth_chainId without a backend round trip. All accesses go
// through the mutex; locks are never held across I/O.
type State struct {
	mu              sync.RWMutex
	authorized      bool
	chainID         uint64
	account         *common.Address
	relayPairingURI string
}

// NewState creates the wallet state with the configured chain id.
func NewState(chainID uint64) *State {
	return &State{chainID: chainID}
}

// Get returns a copy of the current state.
func (s *State) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var account *common.Address
	if s.account != nil {
		addr := *s.account
		account = &addr
	}

	return Snapshot{
		Authorized:      s.authorized,
		ChainID:         s.chainID,
		Account:         account,
		RelayPairingURI: s.relayPairingURI,
	}
}

// ChainID returns the current chain id.
func (s *State) ChainID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.chainID
}

// Account returns the authorized account, or nil if none.
func (s *State) Account() *common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.account == nil {
		return nil
	}
	addr := *s.account
	return &addr
}

// Authorize marks the wallet authorized with the given account.
func (s *State) Authorize(account common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := account
	s.authorized = true
	s.account = &addr
}

// Revoke clears authorization and the account.
func (s *State) Revoke() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authorized = false
	s.account = nil
	s.relayPairingURI = ""
}

// SetChainID switches the current chain id.
func (s *State) SetChainID(chainID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chainID = chainID
}

// SetRelayPairingURI records the pairing URI pushed by the relay companion
// while a remote-wallet session is being negotiated.
func (s *State) SetRelayPairingURI(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.relayPairingURI = uri
}
