package config

import "fmt"

// ModuleName is the import path of this module.
const ModuleName = "github.com/vibefi/dapphost"

// The following vars are automatically injected via -ldflags.
var (
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetFormattedBuildArgs returns the build arguments in a "<commit> (<build date>)" format.
func GetFormattedBuildArgs() string {
	return fmt.Sprintf("%v (%v)", Commit, BuildDate)
}
