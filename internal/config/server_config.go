package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// EchoServer holds the settings for the HTTP gateway the webviews attach to.
type EchoServer struct {
	ListenAddress      string
	HideInternalRoutes bool
}

// Chain holds the chain identity and the upstream RPC endpoint pool.
type Chain struct {
	ID           uint64
	RPCEndpoints []string
	RPCLabels    []string
	HTTPTimeout  time.Duration
}

// Keystore holds the on-disk location of the Local backend's encrypted mnemonic.
type Keystore struct {
	Path           string
	DerivationPath string
}

// Sidecar describes how to spawn one companion process.
type Sidecar struct {
	Command        string
	Args           []string
	DefaultTimeout time.Duration
	PingTimeout    time.Duration
}

// Hardware holds the device-agent transport settings.
type Hardware struct {
	AgentSocket string
	CallTimeout time.Duration
}

// Logger holds the zerolog settings.
type Logger struct {
	Level              string
	PrettyPrintConsole bool
}

// CAS holds the content-addressed-storage companion settings.
type CAS struct {
	Sidecar  Sidecar
	Gateways []string
}

// Server is the root configuration of the host, resolved once at startup.
type Server struct {
	Echo     EchoServer
	Chain    Chain
	Keystore Keystore
	Relay    Sidecar
	CAS      CAS
	Hardware Hardware
	Logger   Logger
}

// DefaultServerConfigFromEnv returns the server config, with all values
// resolved from DAPPHOST_* environment variables (a .env file is merged in
// first when present). Missing variables fall back to development defaults.
func DefaultServerConfigFromEnv() Server {
	// best effort, absence of .env is not an error
	_ = gotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("DAPPHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ECHO_LISTEN_ADDRESS", "127.0.0.1:8771")
	v.SetDefault("ECHO_HIDE_INTERNAL_ROUTES", false)
	v.SetDefault("CHAIN_ID", uint64(1))
	v.SetDefault("CHAIN_RPC_ENDPOINTS", "https://eth.llamarpc.com")
	v.SetDefault("CHAIN_RPC_LABELS", "")
	v.SetDefault("CHAIN_HTTP_TIMEOUT", 15*time.Second)
	v.SetDefault("KEYSTORE_PATH", "keystore.json")
	v.SetDefault("KEYSTORE_DERIVATION_PATH", "m/44'/60'/0'/0/0")
	v.SetDefault("RELAY_COMMAND", "")
	v.SetDefault("RELAY_ARGS", "")
	v.SetDefault("RELAY_DEFAULT_TIMEOUT", 20*time.Second)
	v.SetDefault("RELAY_PING_TIMEOUT", 5*time.Second)
	v.SetDefault("CAS_COMMAND", "")
	v.SetDefault("CAS_ARGS", "")
	v.SetDefault("CAS_DEFAULT_TIMEOUT", 20*time.Second)
	v.SetDefault("CAS_PING_TIMEOUT", 5*time.Second)
	v.SetDefault("CAS_GATEWAYS", "https://ipfs.io")
	v.SetDefault("HARDWARE_AGENT_SOCKET", "")
	v.SetDefault("HARDWARE_CALL_TIMEOUT", 2*time.Minute)
	v.SetDefault("LOGGER_LEVEL", "info")
	v.SetDefault("LOGGER_PRETTY_PRINT_CONSOLE", false)

	return Server{
		Echo: EchoServer{
			ListenAddress:      v.GetString("ECHO_LISTEN_ADDRESS"),
			HideInternalRoutes: v.GetBool("ECHO_HIDE_INTERNAL_ROUTES"),
		},
		Chain: Chain{
			ID:           v.GetUint64("CHAIN_ID"),
			RPCEndpoints: splitCSV(v.GetString("CHAIN_RPC_ENDPOINTS")),
			RPCLabels:    splitCSV(v.GetString("CHAIN_RPC_LABELS")),
			HTTPTimeout:  v.GetDuration("CHAIN_HTTP_TIMEOUT"),
		},
		Keystore: Keystore{
			Path:           v.GetString("KEYSTORE_PATH"),
			DerivationPath: v.GetString("KEYSTORE_DERIVATION_PATH"),
		},
		Relay: Sidecar{
			Command:        v.GetString("RELAY_COMMAND"),
			Args:           splitCSV(v.GetString("RELAY_ARGS")),
			DefaultTimeout: v.GetDuration("RELAY_DEFAULT_TIMEOUT"),
			PingTimeout:    v.GetDuration("RELAY_PING_TIMEOUT"),
		},
		CAS: CAS{
			Sidecar: Sidecar{
				Command:        v.GetString("CAS_COMMAND"),
				Args:           splitCSV(v.GetString("CAS_ARGS")),
				DefaultTimeout: v.GetDuration("CAS_DEFAULT_TIMEOUT"),
				PingTimeout:    v.GetDuration("CAS_PING_TIMEOUT"),
			},
			Gateways: splitCSV(v.GetString("CAS_GATEWAYS")),
		},
		Hardware: Hardware{
			AgentSocket: v.GetString("HARDWARE_AGENT_SOCKET"),
			CallTimeout: v.GetDuration("HARDWARE_CALL_TIMEOUT"),
		},
		Logger: Logger{
			Level:              v.GetString("LOGGER_LEVEL"),
			PrettyPrintConsole: v.GetBool("LOGGER_PRETTY_PRINT_CONSOLE"),
		},
	}
}

// splitCSV parses a comma separated env value (supports multiple RPC URLs
// in a single variable, empty entries are dropped).
func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}

	return result
}
