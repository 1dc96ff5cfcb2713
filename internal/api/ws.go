package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/provider"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// webview origins are local app pages, not browser origins
	CheckOrigin: func(*http.Request) bool { return true },
}

// session is one attached webview. It implements host.Conn; Send is guarded
// because responses and notifications originate from multiple goroutines.
type session struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.WriteJSON(v)
}

func (s *session) Close() error {
	return s.conn.Close()
}

// handleProviderAttach upgrades a webview connection and pumps its provider
// requests into the event loop. The response path runs entirely through the
// host; this goroutine only reads.
func (s *Server) handleProviderAttach(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sess := &session{conn: conn}
	webviewID := s.Host.Registry().Attach(sess)
	defer func() {
		s.Host.Registry().Detach(webviewID)
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("webview_id", webviewID.String()).Err(err).Msg("Webview connection dropped")
			}
			return nil
		}

		var req provider.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = sess.Send(provider.Response{Error: &provider.Error{
				Code:    provider.CodeInvalidParams,
				Message: "malformed provider request",
			}})
			continue
		}

		s.Host.Submit(webviewID, req)
	}
}
