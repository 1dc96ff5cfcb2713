package host

import (
	"context"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/backend"
	"github.com/vibefi/dapphost/internal/backend/relay"
	"github.com/vibefi/dapphost/internal/metrics"
	"github.com/vibefi/dapphost/internal/provider"
	"github.com/vibefi/dapphost/internal/rpcpool"
	"github.com/vibefi/dapphost/internal/wallet"
)

// BackendFactories builds signer backends at selection time. Each selection
// constructs a fresh handle; the previous backend's resources are not
// revoked — its handle simply stops being reachable by the router.
type BackendFactories struct {
	Local    func() (backend.Backend, error)
	Hardware func() (backend.Backend, error)
	Relay    func(onEvent relay.EventHandler) (backend.Backend, error)
}

type inboundRequest struct {
	webviewID uuid.UUID
	request   provider.Request
}

type selection struct {
	kind  backend.Kind
	errCh chan error
}

// Host is the single event loop owning backend selection and response
// delivery. Inbound requests, worker results, backend selections and relay
// session events all funnel through one goroutine; the loop never performs
// blocking work itself.
type Host struct {
	registry  *Registry
	state     *wallet.State
	pending   *wallet.ConnectSlot
	router    *provider.Router
	factories BackendFactories
	logger    zerolog.Logger

	requests      chan inboundRequest
	results       chan provider.Result
	selections    chan selection
	sessionEvents chan relay.SessionEvent
	done          chan struct{}

	// loop-owned, touched only on the loop goroutine
	active backend.Backend
	// mirror of the active kind for off-loop diagnostics
	activeKind atomic.Value
}

// New wires the host. pool may be nil when no network is configured.
func New(state *wallet.State, pool *rpcpool.Manager, factories BackendFactories, m *metrics.Service) *Host {
	h := &Host{
		registry:      NewRegistry(),
		state:         state,
		pending:       wallet.NewConnectSlot(),
		factories:     factories,
		logger:        log.With().Str("component", "host").Logger(),
		requests:      make(chan inboundRequest, 64),
		results:       make(chan provider.Result, 64),
		selections:    make(chan selection),
		sessionEvents: make(chan relay.SessionEvent, 16),
		done:          make(chan struct{}),
	}

	h.activeKind.Store(backend.KindNone)
	h.router = provider.NewRouter(
		state,
		h.pending,
		pool,
		h.results,
		h.registry,
		h.currentBackend,
		h.onSelectionRequested,
		m,
	)

	return h
}

// Registry exposes the webview registry to the gateway.
func (h *Host) Registry() *Registry {
	return h.registry
}

// Run drives the event loop until ctx is canceled.
func (h *Host) Run(ctx context.Context) {
	h.logger.Info().Msg("Event loop started")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case msg := <-h.requests:
			h.handleRequest(msg)

		case result := <-h.results:
			h.registry.Deliver(result.WebviewID, result.ToResponse())

		case sel := <-h.selections:
			sel.errCh <- h.selectBackend(sel.kind)

		case ev := <-h.sessionEvents:
			h.applySessionEvent(ev)
		}
	}
}

// Submit hands one inbound provider request to the event loop.
func (h *Host) Submit(webviewID uuid.UUID, req provider.Request) {
	select {
	case h.requests <- inboundRequest{webviewID: webviewID, request: req}:
	case <-h.done:
	}
}

// SelectBackend switches the active backend; called from the management
// surface when the user picks one in the selection UI.
func (h *Host) SelectBackend(kind backend.Kind) error {
	sel := selection{kind: kind, errCh: make(chan error, 1)}

	select {
	case h.selections <- sel:
		return <-sel.errCh
	case <-h.done:
		return errors.New("host is shut down")
	}
}

// ActiveBackendKind reports the current backend kind for the management
// surface. Served from an atomic mirror so it is safe off-loop.
func (h *Host) ActiveBackendKind() backend.Kind {
	kind, _ := h.activeKind.Load().(backend.Kind)
	return kind
}

func (h *Host) handleRequest(msg inboundRequest) {
	outcome := h.router.Route(msg.webviewID, msg.request)

	switch outcome.Kind {
	case provider.OutcomeImmediate:
		h.registry.Deliver(msg.webviewID, provider.Response{ID: msg.request.ID, Result: outcome.Result})
	case provider.OutcomeError:
		h.registry.Deliver(msg.webviewID, provider.Response{ID: msg.request.ID, Error: outcome.Err})
	case provider.OutcomeDeferred:
		// the response arrives later through h.results
	}
}

// selectBackend runs on the loop goroutine. Selecting the same kind twice
// is a no-op with respect to wallet state; the previous backend handle is
// abandoned, not revoked.
func (h *Host) selectBackend(kind backend.Kind) error {
	var (
		b   backend.Backend
		err error
	)

	switch kind {
	case backend.KindLocal:
		if h.factories.Local == nil {
			return errors.New("local backend is not configured")
		}
		b, err = h.factories.Local()
	case backend.KindHardware:
		if h.factories.Hardware == nil {
			return errors.New("hardware backend is not configured")
		}
		b, err = h.factories.Hardware()
	case backend.KindRelay:
		if h.factories.Relay == nil {
			return errors.New("relay backend is not configured")
		}
		b, err = h.factories.Relay(h.postSessionEvent)
	case backend.KindNone:
		h.active = nil
		h.activeKind.Store(backend.KindNone)
		return nil
	default:
		return errors.Errorf("unknown backend kind %q", kind)
	}

	if err != nil {
		return errors.Wrapf(err, "failed to initialize %s backend", kind)
	}

	h.active = b
	h.activeKind.Store(kind)
	h.logger.Info().Str("backend", string(kind)).Msg("Backend selected")

	// a parked eth_requestAccounts now gets its answer: run the backend's
	// connect flow off-loop and resolve the original request
	if h.pending.Peek() != nil {
		go func() {
			accounts, err := b.Connect(context.Background())
			if err != nil {
				h.failPendingConnect(err)
				return
			}
			h.router.ResolvePendingConnect(accounts)
		}()
	}

	return nil
}

func (h *Host) failPendingConnect(err error) {
	pending := h.pending.Take()
	if pending == nil {
		return
	}

	h.results <- provider.Result{
		WebviewID: pending.WebviewID,
		RequestID: pending.RequestID,
		Err:       &provider.Error{Code: provider.CodeInternalError, Message: err.Error()},
	}
}

func (h *Host) currentBackend() backend.Backend {
	return h.active
}

// onSelectionRequested raises the backend-selection signal. The selection
// UI itself lives outside this core; the request stays parked until
// SelectBackend is called (or forever — no spurious timeout).
func (h *Host) onSelectionRequested(webviewID uuid.UUID, requestID uint64) {
	h.logger.Info().
		Str("webview_id", webviewID.String()).
		Uint64("request_id", requestID).
		Msg("Backend selection requested")
}

// postSessionEvent funnels relay companion events into the loop. Called on
// the bridge read goroutine; drops are logged rather than blocking it.
func (h *Host) postSessionEvent(ev relay.SessionEvent) {
	select {
	case h.sessionEvents <- ev:
	default:
		h.logger.Warn().Msg("Session event queue full, dropping event")
	}
}

// applySessionEvent mutates wallet state and re-broadcasts. Unsolicited
// events apply regardless of whether a relay command is in flight.
func (h *Host) applySessionEvent(ev relay.SessionEvent) {
	switch ev.Kind {
	case relay.EventPairingURI:
		h.state.SetRelayPairingURI(ev.PairingURI)

	case relay.EventAccountsChanged:
		if len(ev.Accounts) > 0 {
			h.state.Authorize(ev.Accounts[0])
		}
		h.registry.Broadcast(provider.EventAccountsChanged, ev.Accounts)

	case relay.EventChainChanged:
		h.state.SetChainID(ev.ChainID)
		h.registry.Broadcast(provider.EventChainChanged, hexutil.EncodeUint64(ev.ChainID))

	case relay.EventDisconnect:
		// the remote wallet ended the session: retire the backend handle so
		// the next signing request does not silently pair a fresh companion
		h.active = nil
		h.activeKind.Store(backend.KindNone)
		h.state.Revoke()
		h.registry.Broadcast(provider.EventAccountsChanged, []string{})
	}
}

// shutdown makes a best-effort pass at terminating companion processes and
// closing webview connections before the loop exits.
func (h *Host) shutdown() {
	close(h.done)

	if h.active != nil {
		if err := h.active.Disconnect(context.Background()); err != nil {
			h.logger.Warn().Err(err).Msg("Backend disconnect failed during shutdown")
		}
	}

	h.registry.CloseAll()
	h.logger.Info().Msg("Event loop stopped")
}
