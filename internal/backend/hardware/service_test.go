package hardware

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibefi/dapphost/internal/backend"
	"github.com/vibefi/dapphost/internal/wallet"
)

var deviceAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")

// fakeTransport is a scriptable device channel.
type fakeTransport struct {
	accounts  []common.Address
	signature hexutil.Bytes
	err       error
	closed    bool
}

func (t *fakeTransport) Accounts(context.Context) ([]common.Address, error) {
	return t.accounts, t.err
}

func (t *fakeTransport) SignPersonal(context.Context, common.Address, hexutil.Bytes) (hexutil.Bytes, error) {
	return t.signature, t.err
}

func (t *fakeTransport) SignTypedHash(context.Context, common.Address, common.Hash) (hexutil.Bytes, error) {
	return t.signature, t.err
}

func (t *fakeTransport) SignTransaction(context.Context, common.Address, *types.Transaction, *big.Int) (*types.Transaction, error) {
	return nil, t.err
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func TestConnectDiscoversDeviceAccounts(t *testing.T) {
	transport := &fakeTransport{accounts: []common.Address{deviceAccount}}
	s := NewService(transport, nil, wallet.NewState(1))

	accounts, err := s.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{deviceAccount}, accounts)
	assert.Equal(t, backend.KindHardware, s.Kind())
}

func TestSignPersonalForwardsDeviceSignature(t *testing.T) {
	transport := &fakeTransport{signature: hexutil.Bytes{0x01, 0x02}}
	s := NewService(transport, nil, wallet.NewState(1))

	signature, err := s.SignPersonal(context.Background(), hexutil.Bytes("msg"), deviceAccount)
	require.NoError(t, err)
	assert.Equal(t, hexutil.Bytes{0x01, 0x02}, signature)
}

func TestDisconnectClosesTransport(t *testing.T) {
	transport := &fakeTransport{}
	s := NewService(transport, nil, wallet.NewState(1))

	require.NoError(t, s.Disconnect(context.Background()))
	assert.True(t, transport.closed)
}

func TestSignAndSendRequiresConnectedAccount(t *testing.T) {
	s := NewService(&fakeTransport{}, nil, wallet.NewState(1))

	_, err := s.SignAndSendTransaction(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no hardware account connected")
}

func TestDeviceErrorsRewrittenWithHints(t *testing.T) {
	cases := []struct {
		deviceError string
		hint        string
	}{
		{"APDU error 0x6a80", "enable blind signing"},
		{"blind signing must be enabled", "enable blind signing"},
		{"APDU error 0x6985", "rejected on the device"},
		{"request denied by user", "rejected on the device"},
		{"APDU error 0x6b0c", "device is locked"},
		{"device is locked", "device is locked"},
	}

	for _, tc := range cases {
		transport := &fakeTransport{err: errors.New(tc.deviceError)}
		s := NewService(transport, nil, wallet.NewState(1))

		_, err := s.SignPersonal(context.Background(), hexutil.Bytes("msg"), deviceAccount)
		require.Error(t, err, tc.deviceError)
		assert.Contains(t, err.Error(), tc.hint, tc.deviceError)
		// the original device error stays in the chain for logs
		assert.Contains(t, err.Error(), tc.deviceError)
	}
}

func TestUnknownDeviceErrorPassesThrough(t *testing.T) {
	transport := &fakeTransport{err: errors.New("USB transfer failed")}
	s := NewService(transport, nil, wallet.NewState(1))

	_, err := s.SignPersonal(context.Background(), hexutil.Bytes("msg"), deviceAccount)
	require.Error(t, err)
	assert.Equal(t, "USB transfer failed", err.Error())
}
