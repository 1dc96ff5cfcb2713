package txfill

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Caller is the narrow JSON-RPC surface the pipeline needs. The endpoint
// pool satisfies it; tests use a stub.
type Caller interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Pipeline fills sender, chain id, nonce, gas limit and fee fields of a
// partially specified transaction via sequential RPC calls. It never signs;
// the filled request is handed to whichever signer backend is active.
type Pipeline struct {
	caller Caller
}

// NewPipeline creates a fill pipeline on top of the given RPC caller.
func NewPipeline(caller Caller) *Pipeline {
	return &Pipeline{caller: caller}
}

// Fill populates the missing fields of req in place. account is the
// currently connected account and chainID the current wallet chain.
func (p *Pipeline) Fill(ctx context.Context, req *Request, account common.Address, chainID uint64) error {
	// 1. sender: an explicit from must match the connected account
	if req.From != nil {
		if *req.From != account {
			return errors.Errorf("from address %s does not match connected account %s", req.From.Hex(), account.Hex())
		}
	} else {
		from := account
		req.From = &from
	}

	// 2. chain id
	if req.ChainID == nil {
		req.ChainID = (*hexutil.Big)(new(big.Int).SetUint64(chainID))
	}

	// 3. nonce
	if req.Nonce == nil {
		nonce, err := p.callUint64(ctx, "eth_getTransactionCount", req.From.Hex(), "pending")
		if err != nil {
			return errors.Wrap(err, "failed to fetch nonce")
		}
		req.Nonce = &nonce
	}

	// 4. gas limit, estimated against the partially filled object
	if req.Gas == nil {
		gas, err := p.callUint64(ctx, "eth_estimateGas", req)
		if err != nil {
			return errors.Wrap(err, "failed to estimate gas")
		}
		req.Gas = &gas
	}

	// 5. fee fields
	return p.fillFees(ctx, req)
}

// fillFees resolves the legacy-vs-EIP-1559 fee shape. The filled request
// carries exactly one of the two, never both.
func (p *Pipeline) fillFees(ctx context.Context, req *Request) error {
	// only legacy present: drop any dynamic fee leftovers and keep it
	if req.GasPrice != nil && !req.IsEIP1559() {
		return nil
	}

	if req.IsEIP1559() {
		req.GasPrice = nil
	}

	if req.MaxFeePerGas == nil {
		gasPrice, err := p.callBig(ctx, "eth_gasPrice")
		if err != nil {
			return errors.Wrap(err, "failed to fetch gas price")
		}
		req.MaxFeePerGas = gasPrice
	}

	if req.MaxPriorityFeePerGas == nil {
		tip, err := p.callBig(ctx, "eth_maxPriorityFeePerGas")
		if err != nil {
			// not all endpoints implement it; the gas price is a safe upper bound
			log.Debug().Err(err).Msg("eth_maxPriorityFeePerGas unavailable, falling back to gas price")
			tip = req.MaxFeePerGas
		}
		req.MaxPriorityFeePerGas = tip
	}

	// the priority fee may never exceed the max fee
	if (*big.Int)(req.MaxPriorityFeePerGas).Cmp((*big.Int)(req.MaxFeePerGas)) > 0 {
		req.MaxPriorityFeePerGas = req.MaxFeePerGas
	}

	req.GasPrice = nil

	return nil
}

func (p *Pipeline) callUint64(ctx context.Context, method string, params ...any) (hexutil.Uint64, error) {
	raw, err := p.caller.Call(ctx, method, params...)
	if err != nil {
		return 0, err
	}

	var value hexutil.Uint64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, errors.Wrapf(err, "failed to decode %s result", method)
	}

	return value, nil
}

func (p *Pipeline) callBig(ctx context.Context, method string, params ...any) (*hexutil.Big, error) {
	raw, err := p.caller.Call(ctx, method, params...)
	if err != nil {
		return nil, err
	}

	value := new(hexutil.Big)
	if err := json.Unmarshal(raw, value); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s result", method)
	}

	return value, nil
}
