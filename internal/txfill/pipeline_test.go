package txfill

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCaller answers RPC methods from a fixed table and records every call.
type stubCaller struct {
	responses map[string]string
	failures  map[string]error
	calls     []string
}

func (c *stubCaller) Call(_ context.Context, method string, _ ...any) (json.RawMessage, error) {
	c.calls = append(c.calls, method)

	if err, ok := c.failures[method]; ok {
		return nil, err
	}
	resp, ok := c.responses[method]
	if !ok {
		return nil, errors.Errorf("unexpected RPC call %s", method)
	}
	return json.RawMessage(resp), nil
}

var (
	account = common.HexToAddress("0x1111111111111111111111111111111111111111")
	other   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestFillPopulatesAllMissingFields(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"eth_getTransactionCount":  `"0x7"`,
		"eth_estimateGas":          `"0x5208"`,
		"eth_gasPrice":             `"0x14"`,
		"eth_maxPriorityFeePerGas": `"0x12"`,
	}}

	to := other
	req := &Request{To: &to}

	require.NoError(t, NewPipeline(caller).Fill(context.Background(), req, account, 5))

	require.NotNil(t, req.From)
	assert.Equal(t, account, *req.From)
	require.NotNil(t, req.ChainID)
	assert.EqualValues(t, 5, (*big.Int)(req.ChainID).Uint64())
	require.NotNil(t, req.Nonce)
	assert.EqualValues(t, 7, *req.Nonce)
	require.NotNil(t, req.Gas)
	assert.EqualValues(t, 21000, *req.Gas)

	// dynamic fees win; the legacy field never survives a 1559 fill
	assert.Nil(t, req.GasPrice)
	assert.EqualValues(t, 20, (*big.Int)(req.MaxFeePerGas).Uint64())
	assert.EqualValues(t, 18, (*big.Int)(req.MaxPriorityFeePerGas).Uint64())

	_, ok := req.TxData().(*types.DynamicFeeTx)
	assert.True(t, ok)
}

func TestFillTipFallsBackToGasPrice(t *testing.T) {
	caller := &stubCaller{
		responses: map[string]string{
			"eth_getTransactionCount": `"0x0"`,
			"eth_estimateGas":         `"0x5208"`,
			"eth_gasPrice":            `"0x14"`,
		},
		failures: map[string]error{
			"eth_maxPriorityFeePerGas": errors.New("method not found"),
		},
	}

	req := &Request{}
	require.NoError(t, NewPipeline(caller).Fill(context.Background(), req, account, 1))

	assert.EqualValues(t, 20, (*big.Int)(req.MaxFeePerGas).Uint64())
	assert.EqualValues(t, 20, (*big.Int)(req.MaxPriorityFeePerGas).Uint64())
}

func TestFillClampsTipToMaxFee(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"eth_getTransactionCount":  `"0x0"`,
		"eth_estimateGas":          `"0x5208"`,
		"eth_gasPrice":             `"0x14"`,
		"eth_maxPriorityFeePerGas": `"0x30"`,
	}}

	req := &Request{}
	require.NoError(t, NewPipeline(caller).Fill(context.Background(), req, account, 1))

	assert.EqualValues(t, 20, (*big.Int)(req.MaxFeePerGas).Uint64())
	assert.EqualValues(t, 20, (*big.Int)(req.MaxPriorityFeePerGas).Uint64())
}

func TestFillKeepsExplicitLegacyGasPrice(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"eth_getTransactionCount": `"0x3"`,
		"eth_estimateGas":         `"0x5208"`,
	}}

	gasPrice := (*hexutil.Big)(big.NewInt(9))
	req := &Request{GasPrice: gasPrice}

	require.NoError(t, NewPipeline(caller).Fill(context.Background(), req, account, 1))

	require.NotNil(t, req.GasPrice)
	assert.EqualValues(t, 9, (*big.Int)(req.GasPrice).Uint64())
	assert.Nil(t, req.MaxFeePerGas)
	assert.Nil(t, req.MaxPriorityFeePerGas)
	assert.NotContains(t, caller.calls, "eth_gasPrice")

	_, ok := req.TxData().(*types.LegacyTx)
	assert.True(t, ok)
}

func TestFillDropsGasPriceWhenDynamicFeesPresent(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"eth_getTransactionCount":  `"0x0"`,
		"eth_estimateGas":          `"0x5208"`,
		"eth_maxPriorityFeePerGas": `"0x1"`,
	}}

	req := &Request{
		GasPrice:     (*hexutil.Big)(big.NewInt(9)),
		MaxFeePerGas: (*hexutil.Big)(big.NewInt(30)),
	}

	require.NoError(t, NewPipeline(caller).Fill(context.Background(), req, account, 1))

	assert.Nil(t, req.GasPrice)
	assert.EqualValues(t, 30, (*big.Int)(req.MaxFeePerGas).Uint64())
	assert.EqualValues(t, 1, (*big.Int)(req.MaxPriorityFeePerGas).Uint64())
}

func TestFillSkipsRPCForExplicitFields(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"eth_gasPrice":             `"0x14"`,
		"eth_maxPriorityFeePerGas": `"0x1"`,
	}}

	nonce := hexutil.Uint64(12)
	gas := hexutil.Uint64(50000)
	req := &Request{Nonce: &nonce, Gas: &gas}

	require.NoError(t, NewPipeline(caller).Fill(context.Background(), req, account, 1))

	assert.NotContains(t, caller.calls, "eth_getTransactionCount")
	assert.NotContains(t, caller.calls, "eth_estimateGas")
	assert.EqualValues(t, 12, *req.Nonce)
	assert.EqualValues(t, 50000, *req.Gas)
}

func TestFillRejectsForeignSender(t *testing.T) {
	from := other
	req := &Request{From: &from}

	err := NewPipeline(&stubCaller{}).Fill(context.Background(), req, account, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match connected account")
}

func TestFillKeepsExplicitChainID(t *testing.T) {
	caller := &stubCaller{responses: map[string]string{
		"eth_getTransactionCount":  `"0x0"`,
		"eth_estimateGas":          `"0x5208"`,
		"eth_gasPrice":             `"0x14"`,
		"eth_maxPriorityFeePerGas": `"0x1"`,
	}}

	req := &Request{ChainID: (*hexutil.Big)(big.NewInt(137))}
	require.NoError(t, NewPipeline(caller).Fill(context.Background(), req, account, 1))

	assert.EqualValues(t, 137, (*big.Int)(req.ChainID).Uint64())
}

func TestPayloadPrefersInputOverData(t *testing.T) {
	data := hexutil.Bytes{0x01}
	input := hexutil.Bytes{0x02}

	req := &Request{Data: &data, Input: &input}
	assert.Equal(t, []byte{0x02}, req.Payload())

	req = &Request{Data: &data}
	assert.Equal(t, []byte{0x01}, req.Payload())

	assert.Nil(t, (&Request{}).Payload())
}
