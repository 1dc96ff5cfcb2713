package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vibefi/dapphost/cmd/env"
	"github.com/vibefi/dapphost/cmd/probe"
	"github.com/vibefi/dapphost/cmd/server"
	"github.com/vibefi/dapphost/internal/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Version: config.GetFormattedBuildArgs(),
	Use:     "dapphost",
	Short:   config.ModuleName,
	Long: fmt.Sprintf(`%v

A local dapp wallet host: routes EIP-1193 provider requests from embedded
webviews to an interchangeable signer backend.
Requires configuration through ENV.`, config.ModuleName),
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	// attach the subcommands
	rootCmd.AddCommand(
		env.New(),
		probe.New(),
		server.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Failed to execute root command")
		os.Exit(1)
	}
}
