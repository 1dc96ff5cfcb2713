package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/metrics"
)

const (
	maxAttempts        = 3
	initialBackoff     = 500 * time.Millisecond
	maxBackoff         = 10 * time.Second
	defaultHTTPTimeout = 15 * time.Second
)

// Manager holds an ordered list of RPC endpoints with per-endpoint health
// state and round-robins away from failing endpoints with exponential
// backoff. A call is retried against up to 3 endpoints before giving up.
type Manager struct {
	mu        sync.Mutex
	endpoints []Endpoint
	health    []EndpointHealth
	active    int

	client  *http.Client
	nextID  atomic.Uint64
	metrics *metrics.Service
	now     func() time.Time
}

// NewManager creates the endpoint pool. At least one endpoint is required.
func NewManager(endpoints []Endpoint, httpTimeout time.Duration, m *metrics.Service) (*Manager, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one RPC endpoint is required")
	}

	if httpTimeout <= 0 {
		httpTimeout = defaultHTTPTimeout
	}

	return &Manager{
		endpoints: endpoints,
		health:    make([]EndpointHealth, len(endpoints)),
		client:    &http.Client{Timeout: httpTimeout},
		metrics:   m,
		now:       time.Now,
	}, nil
}

// Endpoints returns the configured endpoints (for probes and config dumps).
func (m *Manager) Endpoints() []Endpoint {
	return m.endpoints
}

// Health returns a copy of the health state for the endpoint at index i.
func (m *Manager) Health(i int) EndpointHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.health[i]
}

// Send issues a JSON-RPC request against the pool. A response body carrying
// an error member is returned as-is on the first attempt (no retry);
// transport faults, 5xx/429 statuses and undecodable bodies rotate to the
// next endpoint and retry, up to 3 attempts total.
func (m *Manager) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	if req.ID == 0 {
		req.ID = m.nextID.Add(1)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode JSON-RPC request")
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		idx := m.pickEndpoint()
		endpoint := m.endpoints[idx]

		resp, err := m.post(ctx, endpoint.URL, body)
		if err != nil {
			lastErr = err
			m.metrics.ObserveRPCAttempt(endpoint.Label, "transport_error")
			m.markFailure(idx)

			log.Warn().
				Str("endpoint", endpoint.Label).
				Str("method", req.Method).
				Int("attempt", attempt+1).
				Err(err).
				Msg("RPC attempt failed, rotating endpoint")
			continue
		}

		m.metrics.ObserveRPCAttempt(endpoint.Label, "ok")
		m.markSuccess(idx)

		return resp, nil
	}

	return nil, errors.Wrapf(lastErr, "RPC call %s failed after %d attempts", req.Method, maxAttempts)
}

// Call is a convenience wrapper returning the raw result. A JSON-RPC-level
// error is returned as a *ResponseError so callers can forward it verbatim.
func (m *Manager) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	req := &Request{Method: method}
	if len(params) > 0 {
		req.Params = params
	}

	resp, err := m.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp.Result, nil
}

// post performs one HTTP exchange and classifies the outcome. A non-2xx
// status or an undecodable body is a transient fault.
func (m *Manager) post(ctx context.Context, url string, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build HTTP request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "HTTP request failed")
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		return nil, errors.Errorf("endpoint returned HTTP %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode JSON-RPC response")
	}

	return &resp, nil
}

// pickEndpoint prefers the active endpoint if it is not in backoff, else the
// first endpoint not in backoff, else falls back to the active one anyway,
// accepting a likely failure and relying on natural backoff expiry later.
func (m *Manager) pickEndpoint() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.health[m.active].BackoffUntil.Before(now) || m.health[m.active].BackoffUntil.Equal(now) {
		return m.active
	}

	for i := range m.endpoints {
		if !m.health[i].BackoffUntil.After(now) {
			return i
		}
	}

	return m.active
}

func (m *Manager) markFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health[idx].ConsecutiveFailures++

	backoff := initialBackoff << (m.health[idx].ConsecutiveFailures - 1)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	m.health[idx].BackoffUntil = m.now().Add(backoff)

	// round-robin away from the failing endpoint
	m.active = (idx + 1) % len(m.endpoints)
	m.metrics.ObserveRPCFailover()
}

func (m *Manager) markSuccess(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.health[idx].ConsecutiveFailures = 0
	m.health[idx].BackoffUntil = time.Time{}
	m.active = idx
}
