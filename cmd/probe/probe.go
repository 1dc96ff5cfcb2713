package probe

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vibefi/dapphost/internal/config"
	"github.com/vibefi/dapphost/internal/rpcpool"
)

const probeTimeout = 10 * time.Second

// New returns the probe subcommand, verifying the configured RPC endpoint
// pool answers a chain identity call.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Probes the configured RPC endpoints with eth_chainId",
		Run: func(_ *cobra.Command, _ []string) {
			runProbe()
		},
	}
}

//nolint:forbidigo // CLI diagnostic output
func runProbe() {
	cfg := config.DefaultServerConfigFromEnv()
	config.InitLogger(cfg)

	endpoints := rpcpool.EndpointsFromURLs(cfg.Chain.RPCEndpoints, cfg.Chain.RPCLabels)
	pool, err := rpcpool.NewManager(endpoints, cfg.Chain.HTTPTimeout, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize RPC endpoint pool")
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	result, err := pool.Call(ctx, "eth_chainId")
	if err != nil {
		log.Error().Err(err).Msg("RPC probe failed")
		os.Exit(1)
	}

	fmt.Printf("eth_chainId: %s\n", string(result))
}
