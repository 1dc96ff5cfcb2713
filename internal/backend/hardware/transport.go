package hardware

import (
	"bufio"
	"context"
	"encoding/json"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// Transport is the device channel the hardware backend drives. Implemented
// by the bundled device-agent socket transport; USB HID agents can be
// slotted in behind the same interface.
type Transport interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	SignPersonal(ctx context.Context, address common.Address, message hexutil.Bytes) (hexutil.Bytes, error)
	SignTypedHash(ctx context.Context, address common.Address, hash common.Hash) (hexutil.Bytes, error)
	SignTransaction(ctx context.Context, address common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Close() error
}

const (
	agentDialTimeout   = 5 * time.Second
	defaultCallTimeout = 2 * time.Minute
)

// agentTransport talks to a device agent over a unix socket with one JSON
// object per line. The connection is dialed lazily on first use.
type agentTransport struct {
	socketPath  string
	callTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

type agentRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type agentResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAgentTransport creates a transport against the given device-agent
// socket. callTimeout bounds each exchange when the caller's context carries
// no deadline of its own; zero or negative selects the default.
func NewAgentTransport(socketPath string, callTimeout time.Duration) Transport {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	return &agentTransport{socketPath: socketPath, callTimeout: callTimeout}
}

func (t *agentTransport) Accounts(ctx context.Context) ([]common.Address, error) {
	raw, err := t.roundTrip(ctx, "accounts", nil)
	if err != nil {
		return nil, err
	}

	var accounts []common.Address
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, errors.Wrap(err, "failed to decode device accounts")
	}

	return accounts, nil
}

func (t *agentTransport) SignPersonal(ctx context.Context, address common.Address, message hexutil.Bytes) (hexutil.Bytes, error) {
	return t.signCall(ctx, "sign_personal", map[string]any{
		"address": address,
		"message": message,
	})
}

func (t *agentTransport) SignTypedHash(ctx context.Context, address common.Address, hash common.Hash) (hexutil.Bytes, error) {
	return t.signCall(ctx, "sign_typed_hash", map[string]any{
		"address": address,
		"hash":    hash,
	})
}

func (t *agentTransport) SignTransaction(ctx context.Context, address common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal unsigned transaction")
	}

	raw, err := t.roundTrip(ctx, "sign_transaction", map[string]any{
		"address": address,
		"rawTx":   hexutil.Bytes(unsigned),
		"chainId": (*hexutil.Big)(chainID),
	})
	if err != nil {
		return nil, err
	}

	var signedHex hexutil.Bytes
	if err := json.Unmarshal(raw, &signedHex); err != nil {
		return nil, errors.Wrap(err, "failed to decode signed transaction")
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(signedHex); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal signed transaction")
	}

	return signed, nil
}

func (t *agentTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	t.reader = nil
	return err
}

func (t *agentTransport) signCall(ctx context.Context, method string, params any) (hexutil.Bytes, error) {
	raw, err := t.roundTrip(ctx, method, params)
	if err != nil {
		return nil, err
	}

	var signature hexutil.Bytes
	if err := json.Unmarshal(raw, &signature); err != nil {
		return nil, errors.Wrap(err, "failed to decode device signature")
	}

	return signature, nil
}

// roundTrip performs one request/response exchange. The agent protocol is
// strictly sequential, so responses are matched to the single outstanding id.
func (t *agentTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConnLocked(); err != nil {
		return nil, err
	}

	// on-device approval can take minutes, but an unresponsive agent must
	// not hold the device busy forever: callers without their own deadline
	// get the configured call timeout
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.callTimeout)
	}
	_ = t.conn.SetDeadline(deadline)

	t.nextID++
	req := agentRequest{ID: t.nextID, Method: method, Params: params}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode agent request")
	}

	if _, err := t.conn.Write(append(payload, '\n')); err != nil {
		t.dropConnLocked()
		return nil, errors.Wrap(err, "failed to write to device agent")
	}

	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		t.dropConnLocked()
		return nil, errors.Wrap(err, "failed to read from device agent")
	}

	var resp agentResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.dropConnLocked()
		return nil, errors.Wrap(err, "malformed device agent response")
	}

	if resp.ID != req.ID {
		t.dropConnLocked()
		return nil, errors.Errorf("device agent response id %d does not match request id %d", resp.ID, req.ID)
	}

	if resp.Error != nil {
		return nil, errors.New(resp.Error.Message)
	}

	return resp.Result, nil
}

func (t *agentTransport) ensureConnLocked() error {
	if t.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", t.socketPath, agentDialTimeout)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to device agent at %s", t.socketPath)
	}

	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

func (t *agentTransport) dropConnLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = nil
	t.reader = nil
}
