package provider

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/backend"
	"github.com/vibefi/dapphost/internal/metrics"
	"github.com/vibefi/dapphost/internal/rpcpool"
	"github.com/vibefi/dapphost/internal/txfill"
	"github.com/vibefi/dapphost/internal/wallet"
)

// Notifier pushes provider notifications to webviews. Implemented by the
// host's webview registry.
type Notifier interface {
	// Notify emits an event to one webview.
	Notify(webviewID uuid.UUID, event string, params any)
	// Broadcast emits an event to all attached dapp webviews.
	Broadcast(event string, params any)
}

// Router is the single entry point invoked once per inbound provider
// request. It decides per method whether the request is answered
// synchronously from cached wallet state, deferred to a backend worker, or
// parked pending backend selection. It runs on the event loop and never
// blocks; deferred outcomes come back through the result channel.
type Router struct {
	state    *wallet.State
	pending  *wallet.ConnectSlot
	pool     *rpcpool.Manager
	results  chan<- Result
	notifier Notifier
	metrics  *metrics.Service

	// active returns the currently selected backend, nil if none
	active func() backend.Backend
	// requestSelection raises the backend-selection UI signal
	requestSelection func(webviewID uuid.UUID, requestID uint64)
}

// NewRouter wires the router. pool may be nil when no network is configured.
func NewRouter(
	state *wallet.State,
	pending *wallet.ConnectSlot,
	pool *rpcpool.Manager,
	results chan<- Result,
	notifier Notifier,
	active func() backend.Backend,
	requestSelection func(webviewID uuid.UUID, requestID uint64),
	m *metrics.Service,
) *Router {
	return &Router{
		state:            state,
		pending:          pending,
		pool:             pool,
		results:          results,
		notifier:         notifier,
		active:           active,
		requestSelection: requestSelection,
		metrics:          m,
	}
}

// Route dispatches one request from the given webview.
func (r *Router) Route(webviewID uuid.UUID, req Request) Outcome {
	outcome := r.route(webviewID, req)

	switch outcome.Kind {
	case OutcomeImmediate:
		r.metrics.ObserveProviderRequest(req.Method, "immediate")
	case OutcomeDeferred:
		r.metrics.ObserveProviderRequest(req.Method, "deferred")
	case OutcomeError:
		r.metrics.ObserveProviderRequest(req.Method, "error")
	}

	return outcome
}

func (r *Router) route(webviewID uuid.UUID, req Request) Outcome {
	// identity methods are answered from cached state, backend or not
	switch req.Method {
	case MethodChainID:
		return Immediate(hexutil.EncodeUint64(r.state.ChainID()))
	case MethodNetVersion:
		return Immediate(strconv.FormatUint(r.state.ChainID(), 10))
	case MethodGetProviderInfo:
		return r.providerInfo()
	}

	active := r.active()
	if active == nil {
		return r.routeWithoutBackend(webviewID, req)
	}

	return r.routeToBackend(webviewID, req, active)
}

// routeWithoutBackend handles the "no backend chosen yet" states. Only
// eth_requestAccounts may park for backend selection; everything else gets
// backend-appropriate defaults, a direct RPC proxy, or an error.
func (r *Router) routeWithoutBackend(webviewID uuid.UUID, req Request) Outcome {
	switch {
	case req.Method == MethodRequestAccounts:
		// last-writer-wins: a newer pending connect silently replaces an
		// earlier one from another webview
		r.pending.Set(webviewID, req.ID)
		r.requestSelection(webviewID, req.ID)
		return Deferred()

	case req.Method == MethodAccounts:
		return Immediate([]common.Address{})

	case IsPassthrough(req.Method) && r.pool != nil:
		r.proxyToPool(webviewID, req)
		return Deferred()

	default:
		return Failure(CodeUnauthorized, "no wallet connected")
	}
}

// routeToBackend dispatches to the active backend. Local answers signing
// methods on the calling goroutine; everything that can take real wall
// clock time (hardware approval, relay round trip, transaction fill) runs
// on a worker and comes back through the result channel.
func (r *Router) routeToBackend(webviewID uuid.UUID, req Request, active backend.Backend) Outcome {
	synchronous := active.Kind() == backend.KindLocal

	switch req.Method {
	case MethodAccounts:
		return Immediate(r.cachedAccounts())

	case MethodRequestAccounts:
		if synchronous {
			accounts, err := active.Connect(context.Background())
			if err != nil {
				return Failure(CodeInternalError, err.Error())
			}
			r.finishConnect(webviewID, accounts)
			return Immediate(accounts)
		}

		r.spawn(webviewID, req.ID, func(ctx context.Context) (any, error) {
			accounts, err := active.Connect(ctx)
			if err != nil {
				return nil, err
			}
			r.finishConnect(webviewID, accounts)
			return accounts, nil
		})
		return Deferred()

	case MethodSwitchChain:
		return r.switchChain(webviewID, req)

	case MethodPersonalSign:
		message, address, failure := parsePersonalSignParams(req.Params)
		if failure != nil {
			return *failure
		}
		if synchronous {
			return immediateOrError(active.SignPersonal(context.Background(), message, address))
		}
		r.spawn(webviewID, req.ID, func(ctx context.Context) (any, error) {
			return active.SignPersonal(ctx, message, address)
		})
		return Deferred()

	case MethodSignTypedDataV4:
		address, typedJSON, failure := parseTypedDataParams(req.Params)
		if failure != nil {
			return *failure
		}
		if synchronous {
			return immediateOrError(active.SignTypedData(context.Background(), address, typedJSON))
		}
		r.spawn(webviewID, req.ID, func(ctx context.Context) (any, error) {
			return active.SignTypedData(ctx, address, typedJSON)
		})
		return Deferred()

	case MethodSendTransaction:
		txReq, failure := parseTransactionParams(req.Params)
		if failure != nil {
			return *failure
		}
		// even the local backend fills the transaction over the network,
		// so sends are always deferred
		r.spawn(webviewID, req.ID, func(ctx context.Context) (any, error) {
			return active.SignAndSendTransaction(ctx, txReq)
		})
		return Deferred()

	default:
		if IsPassthrough(req.Method) && r.pool != nil {
			r.proxyToPool(webviewID, req)
			return Deferred()
		}

		// the relay session carries arbitrary JSON-RPC semantics of its own
		if passthrough, ok := active.(backend.Passthrough); ok {
			r.spawn(webviewID, req.ID, func(ctx context.Context) (any, error) {
				raw, err := passthrough.Request(ctx, req.Method, req.Params)
				return json.RawMessage(raw), err
			})
			return Deferred()
		}

		return Failure(CodeUnsupportedMethod, "method not supported: "+req.Method)
	}
}

// ResolvePendingConnect consumes the parked eth_requestAccounts (if any)
// once a backend finished its connect flow, resolving the original dapp
// request and emitting accountsChanged to the originating webview.
func (r *Router) ResolvePendingConnect(accounts []common.Address) {
	pending := r.pending.Take()
	if pending == nil {
		return
	}

	if len(accounts) > 0 {
		r.state.Authorize(accounts[0])
	}

	raw, err := json.Marshal(accounts)
	if err != nil {
		raw = []byte("[]")
	}

	r.results <- Result{
		WebviewID: pending.WebviewID,
		RequestID: pending.RequestID,
		Value:     raw,
	}
	r.notifier.Notify(pending.WebviewID, EventAccountsChanged, accounts)
}

func (r *Router) providerInfo() Outcome {
	snapshot := r.state.Get()

	kind := backend.KindNone
	name := "none"
	if active := r.active(); active != nil {
		kind = active.Kind()
		name = active.Name()
	}

	info := map[string]any{
		"name":    name,
		"backend": string(kind),
		"chainId": hexutil.EncodeUint64(snapshot.ChainID),
	}
	if snapshot.Account != nil {
		info["account"] = snapshot.Account.Hex()
	}
	if snapshot.RelayPairingURI != "" {
		info["pairingUri"] = snapshot.RelayPairingURI
	}

	return Immediate(info)
}

func (r *Router) switchChain(webviewID uuid.UUID, req Request) Outcome {
	var params []struct {
		ChainID hexutil.Uint64 `json:"chainId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		return Failure(CodeInvalidParams, "wallet_switchEthereumChain requires a {chainId} object")
	}

	chainID := uint64(params[0].ChainID)
	r.state.SetChainID(chainID)

	// chain switches are broadcast to every dapp webview, not just the caller
	r.notifier.Broadcast(EventChainChanged, hexutil.EncodeUint64(chainID))

	log.Info().
		Str("component", "router").
		Uint64("chain_id", chainID).
		Str("webview_id", webviewID.String()).
		Msg("Chain switched")

	return Immediate(nil)
}

// finishConnect records authorization and emits accountsChanged. Called for
// connects that ran with a backend already active (the pending-connect path
// goes through ResolvePendingConnect instead).
func (r *Router) finishConnect(webviewID uuid.UUID, accounts []common.Address) {
	if len(accounts) > 0 {
		r.state.Authorize(accounts[0])
	}
	r.notifier.Notify(webviewID, EventAccountsChanged, accounts)
}

func (r *Router) cachedAccounts() []common.Address {
	snapshot := r.state.Get()
	if !snapshot.Authorized || snapshot.Account == nil {
		return []common.Address{}
	}
	return []common.Address{*snapshot.Account}
}

// proxyToPool forwards an allow-listed method verbatim to the endpoint pool
// on a worker goroutine.
func (r *Router) proxyToPool(webviewID uuid.UUID, req Request) {
	pool := r.pool
	r.spawn(webviewID, req.ID, func(ctx context.Context) (any, error) {
		resp, err := pool.Send(ctx, &rpcpool.Request{Method: req.Method, Params: req.Params})
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	})
}

// spawn runs fn on a worker goroutine and posts the correlated outcome back
// into the event loop. The worker's error is reduced to {code, message}
// before it crosses the boundary.
func (r *Router) spawn(webviewID uuid.UUID, requestID uint64, fn func(ctx context.Context) (any, error)) {
	go func() {
		value, err := fn(context.Background())

		result := Result{WebviewID: webviewID, RequestID: requestID}
		if err != nil {
			result.Err = toProviderError(err)
		} else {
			raw, marshalErr := json.Marshal(value)
			if marshalErr != nil {
				result.Err = &Error{Code: CodeInternalError, Message: "failed to encode result"}
			} else {
				result.Value = raw
			}
		}

		r.results <- result
	}()
}

// toProviderError maps a worker error onto a provider error code. JSON-RPC
// errors keep their code so dapps see the upstream error verbatim.
func toProviderError(err error) *Error {
	var rpcErr *rpcpool.ResponseError
	if errors.As(err, &rpcErr) {
		return &Error{Code: rpcErr.Code, Message: rpcErr.Message}
	}

	message := err.Error()
	if strings.Contains(strings.ToLower(message), "reject") {
		return &Error{Code: CodeUserRejected, Message: message}
	}

	return &Error{Code: CodeInternalError, Message: message}
}

func immediateOrError(value hexutil.Bytes, err error) Outcome {
	if err != nil {
		providerErr := toProviderError(err)
		return Outcome{Kind: OutcomeError, Err: providerErr}
	}
	return Immediate(value)
}

func parsePersonalSignParams(params json.RawMessage) (hexutil.Bytes, common.Address, *Outcome) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 2 {
		failure := Failure(CodeInvalidParams, "personal_sign requires (message, address)")
		return nil, common.Address{}, &failure
	}

	var message hexutil.Bytes
	if err := json.Unmarshal(raw[0], &message); err != nil {
		// some dapps send the message as plain text rather than hex
		var text string
		if err := json.Unmarshal(raw[0], &text); err != nil {
			failure := Failure(CodeInvalidParams, "personal_sign message must be hex or string")
			return nil, common.Address{}, &failure
		}
		message = []byte(text)
	}

	var address common.Address
	if err := json.Unmarshal(raw[1], &address); err != nil {
		failure := Failure(CodeInvalidParams, "personal_sign address is malformed")
		return nil, common.Address{}, &failure
	}

	return message, address, nil
}

func parseTypedDataParams(params json.RawMessage) (common.Address, json.RawMessage, *Outcome) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 2 {
		failure := Failure(CodeInvalidParams, "eth_signTypedData_v4 requires (address, typedData)")
		return common.Address{}, nil, &failure
	}

	var address common.Address
	if err := json.Unmarshal(raw[0], &address); err != nil {
		failure := Failure(CodeInvalidParams, "eth_signTypedData_v4 address is malformed")
		return common.Address{}, nil, &failure
	}

	typedJSON := raw[1]
	// the typed data is commonly double-encoded as a JSON string
	var asString string
	if err := json.Unmarshal(raw[1], &asString); err == nil {
		typedJSON = json.RawMessage(asString)
	}

	return address, typedJSON, nil
}

func parseTransactionParams(params json.RawMessage) (*txfill.Request, *Outcome) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) == 0 {
		failure := Failure(CodeInvalidParams, "eth_sendTransaction requires a transaction object")
		return nil, &failure
	}

	txReq := new(txfill.Request)
	if err := json.Unmarshal(raw[0], txReq); err != nil {
		failure := Failure(CodeInvalidParams, "malformed transaction object: "+err.Error())
		return nil, &failure
	}

	return txReq, nil
}
