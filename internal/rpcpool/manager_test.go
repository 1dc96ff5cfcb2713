package rpcpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonRPCResult(t *testing.T, w http.ResponseWriter, r *http.Request, result string) {
	t.Helper()

	var req Request
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestNewManagerRequiresEndpoints(t *testing.T) {
	_, err := NewManager(nil, time.Second, nil)
	require.Error(t, err)
}

func TestSendFailsOverToHealthyEndpoint(t *testing.T) {
	var failingHits atomic.Int64
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		failingHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonRPCResult(t, w, r, "0x1")
	}))
	defer healthy.Close()

	m, err := NewManager([]Endpoint{
		{URL: failing.URL, Label: "failing"},
		{URL: healthy.URL, Label: "healthy"},
	}, time.Second, nil)
	require.NoError(t, err)

	result, err := m.Call(context.Background(), "eth_chainId")
	require.NoError(t, err)
	assert.JSONEq(t, `"0x1"`, string(result))

	assert.EqualValues(t, 1, failingHits.Load())
	assert.EqualValues(t, 1, m.Health(0).ConsecutiveFailures)
	assert.False(t, m.Health(0).BackoffUntil.IsZero())
	assert.EqualValues(t, 0, m.Health(1).ConsecutiveFailures)
}

func TestSendGivesUpAfterThreeAttempts(t *testing.T) {
	var hits atomic.Int64
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	m, err := NewManager([]Endpoint{{URL: failing.URL, Label: "failing"}}, time.Second, nil)
	require.NoError(t, err)
	// keep the test clock-independent: pretend backoff windows expire instantly
	m.now = func() time.Time { return time.Time{} }

	_, err = m.Call(context.Background(), "eth_blockNumber")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.EqualValues(t, 3, hits.Load())
}

func TestSendReturnsJSONRPCErrorWithoutRetry(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32000, "message": "execution reverted"},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	m, err := NewManager([]Endpoint{{URL: server.URL, Label: "primary"}}, time.Second, nil)
	require.NoError(t, err)

	_, err = m.Call(context.Background(), "eth_call")
	require.Error(t, err)

	var rpcErr *ResponseError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "execution reverted", rpcErr.Message)

	// a well-formed error body is an answer, not a fault
	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, 0, m.Health(0).ConsecutiveFailures)
}

func TestSuccessResetsEndpointHealth(t *testing.T) {
	var hits atomic.Int64
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		jsonRPCResult(t, w, r, "0x10")
	}))
	defer flaky.Close()

	m, err := NewManager([]Endpoint{{URL: flaky.URL, Label: "flaky"}}, time.Second, nil)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Time{} }

	result, err := m.Call(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(result))

	assert.EqualValues(t, 0, m.Health(0).ConsecutiveFailures)
	assert.True(t, m.Health(0).BackoffUntil.IsZero())
}

func TestPickEndpointSkipsBackoff(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	m := &Manager{
		endpoints: []Endpoint{{Label: "a"}, {Label: "b"}, {Label: "c"}},
		health:    make([]EndpointHealth, 3),
		now:       func() time.Time { return base },
	}

	// active endpoint healthy: stays put
	assert.Equal(t, 0, m.pickEndpoint())

	// active in backoff: first non-backoff endpoint wins
	m.health[0].BackoffUntil = base.Add(time.Second)
	assert.Equal(t, 1, m.pickEndpoint())

	// everything in backoff: fall back to the active endpoint anyway
	m.health[1].BackoffUntil = base.Add(time.Second)
	m.health[2].BackoffUntil = base.Add(time.Second)
	assert.Equal(t, 0, m.pickEndpoint())
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	m := &Manager{
		endpoints: []Endpoint{{Label: "a"}, {Label: "b"}},
		health:    make([]EndpointHealth, 2),
		now:       func() time.Time { return base },
	}

	m.markFailure(0)
	assert.Equal(t, base.Add(500*time.Millisecond), m.health[0].BackoffUntil)

	m.markFailure(0)
	assert.Equal(t, base.Add(time.Second), m.health[0].BackoffUntil)

	m.markFailure(0)
	assert.Equal(t, base.Add(2*time.Second), m.health[0].BackoffUntil)

	for i := 0; i < 10; i++ {
		m.markFailure(0)
	}
	assert.Equal(t, base.Add(10*time.Second), m.health[0].BackoffUntil)

	// failures rotate the active endpoint away
	assert.Equal(t, 1, m.active)
}
