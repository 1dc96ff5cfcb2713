package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vibefi/dapphost/internal/api"
	"github.com/vibefi/dapphost/internal/backend"
	"github.com/vibefi/dapphost/internal/backend/hardware"
	"github.com/vibefi/dapphost/internal/backend/local"
	"github.com/vibefi/dapphost/internal/backend/relay"
	"github.com/vibefi/dapphost/internal/cas"
	"github.com/vibefi/dapphost/internal/config"
	"github.com/vibefi/dapphost/internal/host"
	"github.com/vibefi/dapphost/internal/metrics"
	"github.com/vibefi/dapphost/internal/rpcpool"
	"github.com/vibefi/dapphost/internal/wallet"
)

const shutdownTimeout = 10 * time.Second

// New returns the server subcommand, running the dapp host gateway.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Starts the dapp host gateway",
		Run: func(_ *cobra.Command, _ []string) {
			runServer()
		},
	}
}

func runServer() {
	cfg := config.DefaultServerConfigFromEnv()
	config.InitLogger(cfg)

	log.Info().Str("version", config.GetFormattedBuildArgs()).Msg("Starting dapp host")

	m := metrics.New(prometheus.DefaultRegisterer)

	endpoints := rpcpool.EndpointsFromURLs(cfg.Chain.RPCEndpoints, cfg.Chain.RPCLabels)
	pool, err := rpcpool.NewManager(endpoints, cfg.Chain.HTTPTimeout, m)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize RPC endpoint pool")
	}

	state := wallet.NewState(cfg.Chain.ID)

	h := host.New(state, pool, buildBackendFactories(cfg, pool, state, m), m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go h.Run(ctx)

	var resolver *cas.Resolver
	if cfg.CAS.Sidecar.Command != "" {
		resolver = cas.NewResolver(cfg.CAS.Sidecar, cfg.CAS.Gateways, m)
	}

	s := api.NewServer(cfg, h, pool, resolver, m)

	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Gateway stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Gateway shutdown failed")
	}
}

// buildBackendFactories wires each configured backend variant. Missing
// configuration disables a variant rather than failing startup; the
// management surface reports the attempted selection as unavailable.
func buildBackendFactories(cfg config.Server, pool *rpcpool.Manager, state *wallet.State, m *metrics.Service) host.BackendFactories {
	var factories host.BackendFactories

	seed, err := wallet.InitializeKeystore(cfg.Keystore)
	if err != nil {
		log.Warn().Err(err).Msg("Keystore unavailable, local backend disabled")
	} else {
		factories.Local = func() (backend.Backend, error) {
			return local.NewService(seed, cfg.Keystore.DerivationPath, pool, state)
		}
	}

	if cfg.Hardware.AgentSocket != "" {
		factories.Hardware = func() (backend.Backend, error) {
			transport := hardware.NewAgentTransport(cfg.Hardware.AgentSocket, cfg.Hardware.CallTimeout)
			return hardware.NewService(transport, pool, state), nil
		}
	}

	if cfg.Relay.Command != "" {
		factories.Relay = func(onEvent relay.EventHandler) (backend.Backend, error) {
			return relay.NewService(cfg.Relay, cfg.Chain.RPCEndpoints, cfg.Chain.ID, onEvent, m), nil
		}
	}

	return factories
}
