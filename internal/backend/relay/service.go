package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/backend"
	"github.com/vibefi/dapphost/internal/bridge"
	"github.com/vibefi/dapphost/internal/config"
	"github.com/vibefi/dapphost/internal/metrics"
	"github.com/vibefi/dapphost/internal/txfill"
)

// the user approves pairing on a separate device; this bounds how long we wait
const connectTimeout = 5 * time.Minute

// Service is the remote-wallet backend, backed by the relay companion
// process over a sidecar bridge. Every call is deferred; the companion may
// push session events at any time. Per-call failures keep the backend
// usable; only disconnect or an unrecoverable protocol error retires it
// (the bridge is then re-spawned lazily on the next call).
type Service struct {
	sidecar      config.Sidecar
	rpcEndpoints []string
	chainID      uint64
	onEvent      EventHandler
	metrics      *metrics.Service

	mu sync.Mutex
	br *bridge.Bridge
}

// NewService creates the relay backend. The bridge is spawned lazily on
// first use of the session.
func NewService(sidecar config.Sidecar, rpcEndpoints []string, chainID uint64, onEvent EventHandler, m *metrics.Service) *Service {
	return &Service{
		sidecar:      sidecar,
		rpcEndpoints: rpcEndpoints,
		chainID:      chainID,
		onEvent:      onEvent,
		metrics:      m,
	}
}

func (s *Service) Kind() backend.Kind {
	return backend.KindRelay
}

func (s *Service) Name() string {
	return "Remote Wallet"
}

// Connect negotiates a remote-wallet session. The companion pushes the
// pairing URI as an event before the command's own response arrives.
func (s *Service) Connect(ctx context.Context) ([]common.Address, error) {
	raw, err := s.callWithTimeout(ctx, "connect", map[string]any{"chainId": s.chainID}, connectTimeout)
	if err != nil {
		return nil, err
	}

	var result struct {
		Accounts []common.Address `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode connect result")
	}

	return result.Accounts, nil
}

func (s *Service) Accounts(ctx context.Context) ([]common.Address, error) {
	raw, err := s.call(ctx, "accounts", nil)
	if err != nil {
		return nil, err
	}

	var accounts []common.Address
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, errors.Wrap(err, "failed to decode session accounts")
	}

	return accounts, nil
}

// SignPersonal forwards personal_sign to the remote wallet verbatim.
func (s *Service) SignPersonal(ctx context.Context, message hexutil.Bytes, address common.Address) (hexutil.Bytes, error) {
	params, _ := json.Marshal([]any{message, address})
	return s.requestSignature(ctx, "personal_sign", params)
}

// SignTypedData forwards the raw typed-data JSON; the remote wallet hashes
// and displays it itself.
func (s *Service) SignTypedData(ctx context.Context, address common.Address, typedJSON json.RawMessage) (hexutil.Bytes, error) {
	params, _ := json.Marshal([]any{address, json.RawMessage(typedJSON)})
	return s.requestSignature(ctx, "eth_signTypedData_v4", params)
}

// SignAndSendTransaction forwards the dapp's transaction object as-is; the
// remote wallet fills, signs and broadcasts on its side.
func (s *Service) SignAndSendTransaction(ctx context.Context, req *txfill.Request) (common.Hash, error) {
	params, _ := json.Marshal([]any{req})

	raw, err := s.Request(ctx, "eth_sendTransaction", params)
	if err != nil {
		return common.Hash{}, err
	}

	var txHash common.Hash
	if err := json.Unmarshal(raw, &txHash); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to decode transaction hash")
	}

	return txHash, nil
}

// Request carries arbitrary JSON-RPC passthrough semantics of the session.
func (s *Service) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return s.call(ctx, "request", map[string]any{
		"method": method,
		"params": params,
	})
}

// Disconnect ends the session and tears the companion down.
func (s *Service) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	br := s.br
	s.br = nil
	s.mu.Unlock()

	if br == nil || br.Closed() {
		return nil
	}

	if _, err := br.Call(ctx, "disconnect", nil); err != nil {
		log.Warn().Err(err).Msg("Relay disconnect command failed, killing companion anyway")
	}
	br.Close()

	return nil
}

func (s *Service) requestSignature(ctx context.Context, method string, params json.RawMessage) (hexutil.Bytes, error) {
	raw, err := s.Request(ctx, method, params)
	if err != nil {
		return nil, err
	}

	var signature hexutil.Bytes
	if err := json.Unmarshal(raw, &signature); err != nil {
		return nil, errors.Wrap(err, "failed to decode remote signature")
	}

	return signature, nil
}

func (s *Service) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	br, err := s.ensureBridge(ctx)
	if err != nil {
		return nil, err
	}

	return br.Call(ctx, method, params)
}

func (s *Service) callWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	br, err := s.ensureBridge(ctx)
	if err != nil {
		return nil, err
	}

	return br.CallWithTimeout(ctx, method, params, timeout)
}

// ensureBridge spawns the relay companion on first use or after a fatal
// bridge error. The endpoint list travels to the companion via env.
func (s *Service) ensureBridge(ctx context.Context) (*bridge.Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.br != nil && !s.br.Closed() {
		return s.br, nil
	}

	endpointsJSON, err := json.Marshal(s.rpcEndpoints)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode endpoint list")
	}

	br, err := bridge.Spawn(ctx, bridge.Config{
		Name:           "relay",
		Command:        s.sidecar.Command,
		Args:           s.sidecar.Args,
		Env:            map[string]string{"RELAY_RPC_ENDPOINTS": string(endpointsJSON)},
		DefaultTimeout: s.sidecar.DefaultTimeout,
		PingTimeout:    s.sidecar.PingTimeout,
		OnEvent:        s.handleBridgeEvent,
	}, s.metrics)
	if err != nil {
		return nil, err
	}

	s.br = br
	return br, nil
}

// handleBridgeEvent parses an unsolicited companion line into a session
// event. Runs on the bridge read loop, so it only parses and hands off.
func (s *Service) handleBridgeEvent(ev bridge.Event) {
	if s.onEvent == nil {
		return
	}

	var fields struct {
		URI      string           `json:"uri"`
		Accounts []common.Address `json:"accounts"`
		ChainID  uint64           `json:"chainId"`
	}
	if err := json.Unmarshal(ev.Fields, &fields); err != nil {
		log.Warn().Str("event", ev.Name).Err(err).Msg("Malformed relay session event")
		return
	}

	switch ev.Name {
	case wireEventPairingURI:
		s.onEvent(SessionEvent{Kind: EventPairingURI, PairingURI: fields.URI})
	case wireEventAccountsChanged:
		s.onEvent(SessionEvent{Kind: EventAccountsChanged, Accounts: fields.Accounts})
	case wireEventChainChanged:
		s.onEvent(SessionEvent{Kind: EventChainChanged, ChainID: fields.ChainID})
	case wireEventDisconnect:
		s.onEvent(SessionEvent{Kind: EventDisconnect})
	default:
		log.Debug().Str("event", ev.Name).Msg("Ignoring unknown relay session event")
	}
}
