package host

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/provider"
)

// Conn is the outbound half of one attached webview. Implemented by the
// gateway's websocket session; Send must be safe for concurrent use.
type Conn interface {
	Send(v any) error
	Close() error
}

// Registry tracks attached webviews. It has its own lock because
// notifications can originate from worker goroutines, not just the loop.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Conn
}

// NewRegistry creates an empty webview registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]Conn)}
}

// Attach registers a webview connection under a fresh identity.
func (r *Registry) Attach(conn Conn) uuid.UUID {
	id := uuid.New()

	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	log.Debug().Str("webview_id", id.String()).Msg("Webview attached")

	return id
}

// Detach removes a webview. In-flight workers for it run to completion;
// their results are delivered into the void.
func (r *Registry) Detach(id uuid.UUID) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()

	log.Debug().Str("webview_id", id.String()).Msg("Webview detached")
}

// Deliver sends a response envelope to one webview, dropping it silently if
// the webview is gone.
func (r *Registry) Deliver(id uuid.UUID, resp provider.Response) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		log.Debug().
			Str("webview_id", id.String()).
			Uint64("request_id", resp.ID).
			Msg("Dropping response for detached webview")
		return
	}

	if err := conn.Send(resp); err != nil {
		log.Warn().Str("webview_id", id.String()).Err(err).Msg("Failed to deliver response")
	}
}

// Notify implements provider.Notifier for a single webview.
func (r *Registry) Notify(id uuid.UUID, event string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}

	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return
	}

	if err := conn.Send(provider.Notification{Event: event, Params: raw}); err != nil {
		log.Warn().Str("webview_id", id.String()).Err(err).Msg("Failed to deliver notification")
	}
}

// Broadcast implements provider.Notifier for all attached webviews.
func (r *Registry) Broadcast(event string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}

	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(provider.Notification{Event: event, Params: raw}); err != nil {
			log.Warn().Err(err).Msg("Failed to broadcast notification")
		}
	}
}

// CloseAll closes every connection at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, id)
	}
}
