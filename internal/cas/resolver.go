package cas

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vibefi/dapphost/internal/bridge"
	"github.com/vibefi/dapphost/internal/config"
	"github.com/vibefi/dapphost/internal/metrics"
)

// Bundle is one resolved content-addressed payload. Fetch policy (path
// allow-lists, size limits, MIME sniffing) lives with the consumer; the
// resolver only speaks the companion protocol.
type Bundle struct {
	CID         string `json:"cid"`
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// Resolver fetches content-addressed bundles through the CAS companion
// process. It shares the sidecar bridge discipline with the relay; only the
// meaningful commands differ.
type Resolver struct {
	sidecar  config.Sidecar
	gateways []string
	metrics  *metrics.Service

	mu sync.Mutex
	br *bridge.Bridge
}

// NewResolver creates the resolver; the companion is spawned lazily on the
// first fetch.
func NewResolver(sidecar config.Sidecar, gateways []string, m *metrics.Service) *Resolver {
	return &Resolver{
		sidecar:  sidecar,
		gateways: gateways,
		metrics:  m,
	}
}

// Fetch resolves one path under a content id. timeout is the caller's
// budget for the content fetch; the bridge adds its own margin on top.
func (r *Resolver) Fetch(ctx context.Context, cid string, path string, timeout time.Duration) (*Bundle, error) {
	br, err := r.ensureBridge(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := br.CallWithTimeout(ctx, "fetch", map[string]any{
		"cid":       cid,
		"path":      path,
		"timeoutMs": timeout.Milliseconds(),
	}, timeout)
	if err != nil {
		return nil, err
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, errors.Wrap(err, "failed to decode fetched bundle")
	}

	return &bundle, nil
}

// Close tears the companion down (best effort, used at shutdown).
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.br != nil {
		r.br.Close()
		r.br = nil
	}
}

func (r *Resolver) ensureBridge(ctx context.Context) (*bridge.Bridge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.br != nil && !r.br.Closed() {
		return r.br, nil
	}

	gatewaysJSON, err := json.Marshal(r.gateways)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode gateway list")
	}

	br, err := bridge.Spawn(ctx, bridge.Config{
		Name:           "cas",
		Command:        r.sidecar.Command,
		Args:           r.sidecar.Args,
		Env:            map[string]string{"CAS_GATEWAYS": string(gatewaysJSON)},
		DefaultTimeout: r.sidecar.DefaultTimeout,
		PingTimeout:    r.sidecar.PingTimeout,
	}, r.metrics)
	if err != nil {
		return nil, err
	}

	r.br = br
	return br, nil
}
