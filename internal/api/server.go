package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/vibefi/dapphost/internal/backend"
	"github.com/vibefi/dapphost/internal/cas"
	"github.com/vibefi/dapphost/internal/config"
	"github.com/vibefi/dapphost/internal/host"
	"github.com/vibefi/dapphost/internal/metrics"
	"github.com/vibefi/dapphost/internal/rpcpool"
)

// Server is the central struct keeping the gateway's dependencies: the echo
// instance the webviews attach to, the host event loop and the RPC pool.
type Server struct {
	Config  config.Server
	Echo    *echo.Echo
	Host    *host.Host
	Pool    *rpcpool.Manager
	CAS     *cas.Resolver
	Metrics *metrics.Service
}

// NewServer wires the echo instance and its routes.
func NewServer(cfg config.Server, h *host.Host, pool *rpcpool.Manager, resolver *cas.Resolver, m *metrics.Service) *Server {
	s := &Server{
		Config:  cfg,
		Echo:    echo.New(),
		Host:    h,
		Pool:    pool,
		CAS:     resolver,
		Metrics: m,
	}

	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.Use(echoprometheus.NewMiddleware("dapphost_gateway"))

	s.Echo.GET("/provider", s.handleProviderAttach)
	s.Echo.GET("/cas/:cid/*", s.handleCASFetch)

	management := s.Echo.Group("/-")
	management.GET("/backend", s.handleGetBackend)
	management.POST("/backend", s.handleSelectBackend)

	// probes and metrics can be hidden on hosts exposed beyond localhost
	if !cfg.Echo.HideInternalRoutes {
		management.GET("/healthy", s.handleHealthy)
		management.GET("/ready", s.handleReady)
		s.Echo.GET("/metrics", echoprometheus.NewHandler())
	}

	return s
}

// Start blocks serving the gateway until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("listen_address", s.Config.Echo.ListenAddress).Msg("Gateway listening")
	return s.Echo.Start(s.Config.Echo.ListenAddress)
}

// Shutdown stops the echo server and tears down the CAS companion.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.CAS != nil {
		s.CAS.Close()
	}
	return s.Echo.Shutdown(ctx)
}

func (s *Server) handleHealthy(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// handleReady probes the RPC pool with a cheap identity call.
func (s *Server) handleReady(c echo.Context) error {
	if s.Pool == nil {
		return c.String(http.StatusServiceUnavailable, "no RPC endpoints configured")
	}

	if _, err := s.Pool.Call(c.Request().Context(), "eth_chainId"); err != nil {
		return c.String(http.StatusServiceUnavailable, err.Error())
	}

	return c.String(http.StatusOK, "ready")
}

func (s *Server) handleGetBackend(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"backend": string(s.Host.ActiveBackendKind()),
	})
}

// handleSelectBackend is the management surface the backend-selection UI
// drives when the user picks a signer.
func (s *Server) handleSelectBackend(c echo.Context) error {
	var body struct {
		Backend backend.Kind `json:"backend"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed body"})
	}

	if err := s.Host.SelectBackend(body.Backend); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"backend": string(body.Backend),
	})
}
