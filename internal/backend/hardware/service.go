package hardware

import (
	"context"
	"encoding/json"
	"math/big"
	"runtime"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/backend"
	"github.com/vibefi/dapphost/internal/rpcpool"
	"github.com/vibefi/dapphost/internal/txfill"
	"github.com/vibefi/dapphost/internal/wallet"
)

// Service is the hardware-device backend. Every operation is deferred by
// the router onto a worker goroutine; the device handle is mutex-guarded so
// only one operation is ever in flight, and the worker pins its OS thread
// for the duration of the transport call.
type Service struct {
	mu        sync.Mutex
	transport Transport
	pipeline  *txfill.Pipeline
	pool      *rpcpool.Manager
	state     *wallet.State
}

// NewService creates the hardware backend over the given device transport.
func NewService(transport Transport, pool *rpcpool.Manager, state *wallet.State) *Service {
	return &Service{
		transport: transport,
		pipeline:  txfill.NewPipeline(pool),
		pool:      pool,
		state:     state,
	}
}

func (s *Service) Kind() backend.Kind {
	return backend.KindHardware
}

func (s *Service) Name() string {
	return "Hardware Device"
}

// Connect discovers the device accounts; the device may require the user to
// unlock it and open the Ethereum app first.
func (s *Service) Connect(ctx context.Context) ([]common.Address, error) {
	return s.Accounts(ctx)
}

func (s *Service) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	err := s.withDevice(func(t Transport) error {
		var err error
		accounts, err = t.Accounts(ctx)
		return err
	})
	if err != nil {
		return nil, rewriteDeviceError(err)
	}

	return accounts, nil
}

func (s *Service) SignPersonal(ctx context.Context, message hexutil.Bytes, address common.Address) (hexutil.Bytes, error) {
	var signature hexutil.Bytes
	err := s.withDevice(func(t Transport) error {
		var err error
		signature, err = t.SignPersonal(ctx, address, message)
		return err
	})
	if err != nil {
		return nil, rewriteDeviceError(err)
	}

	return signature, nil
}

func (s *Service) SignTypedData(ctx context.Context, address common.Address, typedJSON json.RawMessage) (hexutil.Bytes, error) {
	hash, err := backend.HashTypedData(typedJSON)
	if err != nil {
		return nil, err
	}

	var signature hexutil.Bytes
	err = s.withDevice(func(t Transport) error {
		var err error
		signature, err = t.SignTypedHash(ctx, address, hash)
		return err
	})
	if err != nil {
		return nil, rewriteDeviceError(err)
	}

	return signature, nil
}

// SignAndSendTransaction fills the request, has the device sign the typed
// transaction and broadcasts the result through the pool.
func (s *Service) SignAndSendTransaction(ctx context.Context, req *txfill.Request) (common.Hash, error) {
	account := s.state.Account()
	if account == nil {
		return common.Hash{}, errors.New("no hardware account connected")
	}

	if err := s.pipeline.Fill(ctx, req, *account, s.state.ChainID()); err != nil {
		return common.Hash{}, err
	}

	unsigned := types.NewTx(req.TxData())
	chainID := (*big.Int)(req.ChainID)

	var signed *types.Transaction
	err := s.withDevice(func(t Transport) error {
		var err error
		signed, err = t.SignTransaction(ctx, *account, unsigned, chainID)
		return err
	})
	if err != nil {
		return common.Hash{}, rewriteDeviceError(err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to marshal signed transaction")
	}

	if _, err := s.pool.Call(ctx, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to broadcast transaction")
	}

	txHash := signed.Hash()

	log.Info().
		Str("component", "backend_hardware").
		Str("tx_hash", txHash.Hex()).
		Msg("Transaction broadcasted")

	return txHash, nil
}

// Disconnect closes the transport; a new session dials again on demand.
func (s *Service) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transport.Close()
}

// withDevice serializes access to the device handle and pins the OS thread
// while the transport call is running.
func (s *Service) withDevice(fn func(Transport) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return fn(s.transport)
}

// rewriteDeviceError pattern-matches device-specific failures and rewrites
// them into actionable hints before they surface to the dapp.
func rewriteDeviceError(err error) error {
	if err == nil {
		return nil
	}

	message := strings.ToLower(err.Error())

	switch {
	case strings.Contains(message, "0x6a80") || strings.Contains(message, "blind signing"):
		return errors.Wrap(err, "device rejected the payload; enable blind signing in the device's Ethereum app settings")
	case strings.Contains(message, "0x6985") || strings.Contains(message, "denied") || strings.Contains(message, "rejected"):
		return errors.Wrap(err, "request was rejected on the device")
	case strings.Contains(message, "0x6b0c") || strings.Contains(message, "locked"):
		return errors.Wrap(err, "device is locked; unlock it and open the Ethereum app")
	default:
		return err
	}
}
