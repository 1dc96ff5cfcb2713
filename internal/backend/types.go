package backend

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vibefi/dapphost/internal/txfill"
)

// Kind identifies a signer backend variant. Exactly one backend is active
// at a time; selecting a new one does not revoke the previous one's
// resources (the old handle simply becomes unreachable by the router).
type Kind string

const (
	KindNone     Kind = "none"
	KindLocal    Kind = "local"
	KindHardware Kind = "hardware"
	KindRelay    Kind = "relay"
)

// Backend is the closed set of interchangeable signer implementations. The
// three variants have very different latency profiles: Local answers on the
// calling goroutine, Hardware and Relay calls can block for minutes waiting
// on a user, so the router runs them on worker goroutines. Callers never
// need to know which variant they hold beyond this method set.
type Backend interface {
	Kind() Kind
	Name() string

	// Connect runs the backend's authorization flow and returns the
	// resulting accounts. For Hardware and Relay this may take arbitrarily
	// long (device approval, remote pairing).
	Connect(ctx context.Context) ([]common.Address, error)

	// Accounts returns the addresses the backend can sign for.
	Accounts(ctx context.Context) ([]common.Address, error)

	// SignPersonal signs an EIP-191 personal message.
	SignPersonal(ctx context.Context, message hexutil.Bytes, address common.Address) (hexutil.Bytes, error)

	// SignTypedData signs EIP-712 typed data given as raw JSON. Local and
	// Hardware hash it in-process; Relay forwards the JSON verbatim.
	SignTypedData(ctx context.Context, address common.Address, typedJSON json.RawMessage) (hexutil.Bytes, error)

	// SignAndSendTransaction fills, signs and broadcasts the transaction,
	// returning its hash.
	SignAndSendTransaction(ctx context.Context, req *txfill.Request) (common.Hash, error)

	// Disconnect releases the backend's session. Per-call failures never
	// retire a backend; only this or an unrecoverable protocol error does.
	Disconnect(ctx context.Context) error
}

// Passthrough is implemented by backends that carry arbitrary JSON-RPC
// semantics of their own (the relay session); requests are forwarded
// verbatim and answered by the remote wallet.
type Passthrough interface {
	Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}
