package env

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vibefi/dapphost/internal/config"
)

// New returns the env subcommand, printing the resolved server config.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Prints the effective server configuration",
		Run: func(_ *cobra.Command, _ []string) {
			runEnv()
		},
	}
}

//nolint:forbidigo // the whole point of this command is to print
func runEnv() {
	cfg := config.DefaultServerConfigFromEnv()

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to marshal server config")
	}

	fmt.Println(string(out))
}
