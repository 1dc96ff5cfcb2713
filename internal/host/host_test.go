package host

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibefi/dapphost/internal/backend"
	"github.com/vibefi/dapphost/internal/backend/relay"
	"github.com/vibefi/dapphost/internal/provider"
	"github.com/vibefi/dapphost/internal/txfill"
	"github.com/vibefi/dapphost/internal/wallet"
)

var hostAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")

// stubBackend answers every backend call from fixed values.
type stubBackend struct {
	kind     backend.Kind
	accounts []common.Address
}

func (b *stubBackend) Kind() backend.Kind { return b.kind }
func (b *stubBackend) Name() string       { return string(b.kind) }

func (b *stubBackend) Connect(context.Context) ([]common.Address, error) {
	return b.accounts, nil
}

func (b *stubBackend) Accounts(context.Context) ([]common.Address, error) {
	return b.accounts, nil
}

func (b *stubBackend) SignPersonal(context.Context, hexutil.Bytes, common.Address) (hexutil.Bytes, error) {
	return hexutil.Bytes{0x01}, nil
}

func (b *stubBackend) SignTypedData(context.Context, common.Address, json.RawMessage) (hexutil.Bytes, error) {
	return hexutil.Bytes{0x02}, nil
}

func (b *stubBackend) SignAndSendTransaction(context.Context, *txfill.Request) (common.Hash, error) {
	return common.Hash{}, nil
}

func (b *stubBackend) Disconnect(context.Context) error { return nil }

func startHost(t *testing.T, factories BackendFactories) *Host {
	t.Helper()

	h := New(wallet.NewState(137), nil, factories, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	return h
}

// awaitMessage polls the fake connection until a message arrives.
func awaitMessage(t *testing.T, conn *fakeConn) any {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		if messages := conn.messages(); len(messages) > 0 {
			return messages[0]
		}

		select {
		case <-deadline:
			t.Fatal("no message was delivered to the webview")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHostAnswersIdentityRequests(t *testing.T) {
	h := startHost(t, BackendFactories{})

	conn := &fakeConn{}
	webviewID := h.Registry().Attach(conn)

	h.Submit(webviewID, provider.Request{ID: 3, Method: provider.MethodChainID})

	msg := awaitMessage(t, conn)
	resp, ok := msg.(provider.Response)
	require.True(t, ok)
	assert.EqualValues(t, 3, resp.ID)
	assert.JSONEq(t, `"0x89"`, string(resp.Result))
	assert.Nil(t, resp.Error)
}

func TestHostResolvesParkedConnectAfterSelection(t *testing.T) {
	h := startHost(t, BackendFactories{
		Local: func() (backend.Backend, error) {
			return &stubBackend{kind: backend.KindLocal, accounts: []common.Address{hostAccount}}, nil
		},
	})

	conn := &fakeConn{}
	webviewID := h.Registry().Attach(conn)

	// the dapp asks to connect before any backend exists: the request parks
	h.Submit(webviewID, provider.Request{ID: 11, Method: provider.MethodRequestAccounts})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn.messages())

	// the user picks a backend; the parked request resolves with its accounts
	require.NoError(t, h.SelectBackend(backend.KindLocal))
	assert.Equal(t, backend.KindLocal, h.ActiveBackendKind())

	deadline := time.After(2 * time.Second)
	for {
		var resp *provider.Response
		for _, msg := range conn.messages() {
			if r, ok := msg.(provider.Response); ok {
				resp = &r
				break
			}
		}
		if resp != nil {
			assert.EqualValues(t, 11, resp.ID)

			var accounts []common.Address
			require.NoError(t, json.Unmarshal(resp.Result, &accounts))
			assert.Equal(t, []common.Address{hostAccount}, accounts)
			return
		}

		select {
		case <-deadline:
			t.Fatal("parked connect was never resolved")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSelectBackendUnconfiguredVariantFails(t *testing.T) {
	h := startHost(t, BackendFactories{})

	err := h.SelectBackend(backend.KindHardware)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
	assert.Equal(t, backend.KindNone, h.ActiveBackendKind())
}

func TestSelectBackendNoneDeactivates(t *testing.T) {
	h := startHost(t, BackendFactories{
		Local: func() (backend.Backend, error) {
			return &stubBackend{kind: backend.KindLocal}, nil
		},
	})

	require.NoError(t, h.SelectBackend(backend.KindLocal))
	require.NoError(t, h.SelectBackend(backend.KindNone))
	assert.Equal(t, backend.KindNone, h.ActiveBackendKind())
}

func TestSelectBackendUnknownKind(t *testing.T) {
	h := startHost(t, BackendFactories{})

	err := h.SelectBackend(backend.Kind("cloud"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend kind")
}

func TestSessionEventsUpdateStateAndBroadcast(t *testing.T) {
	h := startHost(t, BackendFactories{
		Relay: func(relay.EventHandler) (backend.Backend, error) {
			return &stubBackend{kind: backend.KindRelay}, nil
		},
	})

	conn := &fakeConn{}
	h.Registry().Attach(conn)

	require.NoError(t, h.SelectBackend(backend.KindRelay))

	h.postSessionEvent(relay.SessionEvent{Kind: relay.EventAccountsChanged, Accounts: []common.Address{hostAccount}})
	h.postSessionEvent(relay.SessionEvent{Kind: relay.EventChainChanged, ChainID: 10})

	deadline := time.After(2 * time.Second)
	for {
		messages := conn.messages()
		if len(messages) >= 2 {
			first, ok := messages[0].(provider.Notification)
			require.True(t, ok)
			assert.Equal(t, provider.EventAccountsChanged, first.Event)

			second, ok := messages[1].(provider.Notification)
			require.True(t, ok)
			assert.Equal(t, provider.EventChainChanged, second.Event)
			assert.JSONEq(t, `"0xa"`, string(second.Params))
			break
		}

		select {
		case <-deadline:
			t.Fatal("session events were not broadcast")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NotNil(t, h.state.Account())
	assert.Equal(t, hostAccount, *h.state.Account())
	assert.EqualValues(t, 10, h.state.ChainID())
}

func TestRelayDisconnectEventRevokesAuthorization(t *testing.T) {
	h := startHost(t, BackendFactories{
		Relay: func(relay.EventHandler) (backend.Backend, error) {
			return &stubBackend{kind: backend.KindRelay}, nil
		},
	})

	require.NoError(t, h.SelectBackend(backend.KindRelay))

	h.state.Authorize(hostAccount)
	h.postSessionEvent(relay.SessionEvent{Kind: relay.EventDisconnect})

	require.Eventually(t, func() bool {
		return h.state.Account() == nil && h.ActiveBackendKind() == backend.KindNone
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, h.state.Get().Authorized)
}

func TestReselectingSameBackendKeepsWalletState(t *testing.T) {
	h := startHost(t, BackendFactories{
		Local: func() (backend.Backend, error) {
			return &stubBackend{kind: backend.KindLocal, accounts: []common.Address{hostAccount}}, nil
		},
	})

	require.NoError(t, h.SelectBackend(backend.KindLocal))
	h.state.Authorize(hostAccount)

	// picking the already-active variant again must not disturb the session
	require.NoError(t, h.SelectBackend(backend.KindLocal))

	snapshot := h.state.Get()
	assert.True(t, snapshot.Authorized)
	require.NotNil(t, snapshot.Account)
	assert.Equal(t, hostAccount, *snapshot.Account)
	assert.Equal(t, backend.KindLocal, h.ActiveBackendKind())
}
