package txfill

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Request is a dapp-supplied transaction object with an arbitrary subset of
// fields populated. Field names follow the eth_sendTransaction wire format.
type Request struct {
	From                 *common.Address `json:"from,omitempty"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	Data                 *hexutil.Bytes  `json:"data,omitempty"`
	Input                *hexutil.Bytes  `json:"input,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
}

// Payload returns the calldata, preferring "input" over "data" when both are set.
func (r *Request) Payload() []byte {
	if r.Input != nil {
		return *r.Input
	}
	if r.Data != nil {
		return *r.Data
	}
	return nil
}

// IsEIP1559 reports whether the request carries dynamic fee fields.
func (r *Request) IsEIP1559() bool {
	return r.MaxFeePerGas != nil || r.MaxPriorityFeePerGas != nil
}

// TxData converts a fully filled request into a signable typed transaction
// value: a DynamicFeeTx when EIP-1559 fee fields are set, a LegacyTx
// otherwise. Fill must have run first; missing fields default to zero.
func (r *Request) TxData() types.TxData {
	value := new(big.Int)
	if r.Value != nil {
		value = (*big.Int)(r.Value)
	}

	var nonce uint64
	if r.Nonce != nil {
		nonce = uint64(*r.Nonce)
	}

	var gas uint64
	if r.Gas != nil {
		gas = uint64(*r.Gas)
	}

	if r.IsEIP1559() {
		return &types.DynamicFeeTx{
			ChainID:   (*big.Int)(r.ChainID),
			Nonce:     nonce,
			GasTipCap: (*big.Int)(r.MaxPriorityFeePerGas),
			GasFeeCap: (*big.Int)(r.MaxFeePerGas),
			Gas:       gas,
			To:        r.To,
			Value:     value,
			Data:      r.Payload(),
		}
	}

	gasPrice := new(big.Int)
	if r.GasPrice != nil {
		gasPrice = (*big.Int)(r.GasPrice)
	}

	return &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       r.To,
		Value:    value,
		Data:     r.Payload(),
	}
}
