package local

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/backend"
	"github.com/vibefi/dapphost/internal/hdkey"
	"github.com/vibefi/dapphost/internal/rpcpool"
	"github.com/vibefi/dapphost/internal/txfill"
	"github.com/vibefi/dapphost/internal/wallet"
)

// legacy recovery id offset for secp256k1 signatures
const signatureVOffset = 27

// Service is the in-process private key backend. All signing operations are
// synchronous and answered on the calling goroutine; the only network calls
// are the ones delegated to the RPC pool during transaction fill/broadcast.
type Service struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	pipeline *txfill.Pipeline
	pool     *rpcpool.Manager
	state    *wallet.State
}

// NewService derives the signing key from seed at the given BIP-44 path.
func NewService(seed []byte, derivationPath string, pool *rpcpool.Manager, state *wallet.State) (*Service, error) {
	key, err := hdkey.DerivePrivateKey(seed, derivationPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive signing key")
	}

	return &Service{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		pipeline: txfill.NewPipeline(pool),
		pool:     pool,
		state:    state,
	}, nil
}

func (s *Service) Kind() backend.Kind {
	return backend.KindLocal
}

func (s *Service) Name() string {
	return "Local Key"
}

// Connect is trivially the account list; there is no approval flow.
func (s *Service) Connect(_ context.Context) ([]common.Address, error) {
	return []common.Address{s.address}, nil
}

func (s *Service) Accounts(_ context.Context) ([]common.Address, error) {
	return []common.Address{s.address}, nil
}

// SignPersonal signs an EIP-191 prefixed message.
func (s *Service) SignPersonal(_ context.Context, message hexutil.Bytes, address common.Address) (hexutil.Bytes, error) {
	if address != s.address {
		return nil, errors.Errorf("address %s is not the local account", address.Hex())
	}

	return s.signHash(accounts.TextHash(message))
}

// SignTypedData hashes the EIP-712 payload in-process and signs the digest.
func (s *Service) SignTypedData(_ context.Context, address common.Address, typedJSON json.RawMessage) (hexutil.Bytes, error) {
	if address != s.address {
		return nil, errors.Errorf("address %s is not the local account", address.Hex())
	}

	hash, err := backend.HashTypedData(typedJSON)
	if err != nil {
		return nil, err
	}

	return s.signHash(hash.Bytes())
}

// SignAndSendTransaction fills the request through the pipeline, signs with
// the local key and broadcasts the raw transaction through the pool.
func (s *Service) SignAndSendTransaction(ctx context.Context, req *txfill.Request) (common.Hash, error) {
	if err := s.pipeline.Fill(ctx, req, s.address, s.state.ChainID()); err != nil {
		return common.Hash{}, err
	}

	chainID := (*big.Int)(req.ChainID)
	signer := types.LatestSignerForChainID(chainID)

	signedTx, err := types.SignTx(types.NewTx(req.TxData()), signer, s.key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to sign transaction")
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to marshal signed transaction")
	}

	if _, err := s.pool.Call(ctx, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to broadcast transaction")
	}

	txHash := signedTx.Hash()

	log.Info().
		Str("component", "backend_local").
		Str("tx_hash", txHash.Hex()).
		Msg("Transaction broadcasted")

	return txHash, nil
}

// Disconnect is a no-op; the key lives for the process lifetime.
func (s *Service) Disconnect(_ context.Context) error {
	return nil
}

func (s *Service) signHash(hash []byte) (hexutil.Bytes, error) {
	signature, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign hash")
	}

	// crypto.Sign yields V in {0,1}; providers expect {27,28}
	signature[crypto.RecoveryIDOffset] += signatureVOffset

	return signature, nil
}
