package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Service bundles the prometheus collectors of the host core.
type Service struct {
	ProviderRequests *prometheus.CounterVec
	RPCAttempts      *prometheus.CounterVec
	RPCFailovers     prometheus.Counter
	BridgeCommands   *prometheus.CounterVec
	BridgeEvents     *prometheus.CounterVec
}

// New creates the collectors and registers them on the given registerer.
func New(reg prometheus.Registerer) *Service {
	s := &Service{
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dapphost_provider_requests_total",
			Help: "Inbound provider requests by method and routing outcome.",
		}, []string{"method", "outcome"}),
		RPCAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dapphost_rpc_attempts_total",
			Help: "Upstream JSON-RPC attempts by endpoint label and result.",
		}, []string{"endpoint", "result"}),
		RPCFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dapphost_rpc_failovers_total",
			Help: "Times the endpoint pool rotated away from a failing endpoint.",
		}),
		BridgeCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dapphost_bridge_commands_total",
			Help: "Sidecar bridge commands by bridge name and result.",
		}, []string{"bridge", "result"}),
		BridgeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dapphost_bridge_events_total",
			Help: "Unsolicited sidecar bridge events by bridge name.",
		}, []string{"bridge"}),
	}

	reg.MustRegister(
		s.ProviderRequests,
		s.RPCAttempts,
		s.RPCFailovers,
		s.BridgeCommands,
		s.BridgeEvents,
	)

	return s
}

// ObserveProviderRequest is nil-safe so components can run without metrics in tests.
func (s *Service) ObserveProviderRequest(method, outcome string) {
	if s == nil {
		return
	}
	s.ProviderRequests.WithLabelValues(method, outcome).Inc()
}

// ObserveRPCAttempt is nil-safe.
func (s *Service) ObserveRPCAttempt(endpoint, result string) {
	if s == nil {
		return
	}
	s.RPCAttempts.WithLabelValues(endpoint, result).Inc()
}

// ObserveRPCFailover is nil-safe.
func (s *Service) ObserveRPCFailover() {
	if s == nil {
		return
	}
	s.RPCFailovers.Inc()
}

// ObserveBridgeCommand is nil-safe.
func (s *Service) ObserveBridgeCommand(bridge, result string) {
	if s == nil {
		return
	}
	s.BridgeCommands.WithLabelValues(bridge, result).Inc()
}

// ObserveBridgeEvent is nil-safe.
func (s *Service) ObserveBridgeEvent(bridge string) {
	if s == nil {
		return
	}
	s.BridgeEvents.WithLabelValues(bridge).Inc()
}
