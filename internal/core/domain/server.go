package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	StateStringInitializing = "initializing"
	StateStringHealthy      = "healthy"
	StateStringDegraded     = "degraded"
	StateStringUnhealthy    = "unhealthy"
)

type ServerState string

const (
	StateInitializing ServerState = StateStringInitializing
	StateHealthy      ServerState = StateStringHealthy
	StateDegraded     ServerState = StateStringDegraded
	StateUnhealthy    ServerState = StateStringUnhealthy
)

func (s ServerState) IsRoutable() bool {
	return s == StateHealthy || s == StateDegraded
}

func (s ServerState) String() string {
	return string(s)
}

func (s ServerState) Validate() error {
	switch s {
	case StateInitializing, StateHealthy, StateDegraded, StateUnhealthy:
		return nil
	default:
		return fmt.Errorf("invalid server state: %s", s)
	}
}

// CanTransitionTo enforces the liveness state machine for server records.
func (s ServerState) CanTransitionTo(target ServerState) bool {
	validTransitions := map[ServerState][]ServerState{
		StateInitializing: {StateHealthy, StateDegraded, StateUnhealthy},
		StateHealthy:      {StateDegraded, StateUnhealthy},
		StateDegraded:     {StateHealthy, StateUnhealthy},
		StateUnhealthy:    {StateHealthy, StateDegraded, StateInitializing},
	}

	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}

	for _, state := range allowed {
		if state == target {
			return true
		}
	}
	return false
}

// ServerConfig is the caller-facing registration payload for one backend.
type ServerConfig struct {
	Host         string   `json:"host" mapstructure:"host"`
	Port         int      `json:"port" mapstructure:"port"`
	Capabilities []string `json:"capabilities" mapstructure:"capabilities"`
}

func (c ServerConfig) ID() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ServerConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Port)
	}
	return nil
}

// ServerRecord is the registry's view of one backend MCP server. Counter
// mutations go through the pool manager and health monitor only;
// everything else reads cloned snapshots.
type ServerRecord struct {
	ID           string
	Host         string
	Port         int
	Capabilities []string

	State ServerState

	ActiveRequests       int64
	TotalRequests        int64
	SuccessCount         int64
	FailureCount         int64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int

	LastHealthCheck time.Time
	LastSuccess     time.Time
	LastFailure     time.Time

	// AvgResponseTime is an exponential moving average (alpha 0.1).
	AvgResponseTime time.Duration
	// ServerSuccessRate is the lifetime success ratio, distinct from the
	// balancer's per-strategy effectiveness signal.
	ServerSuccessRate float64

	ProcessStartTime time.Time
	MemoryUsage      float64
	CPUUsage         float64
	DiskUsage        float64
	ConnectionCount  int
	ReportedQueue    int
}

func NewServerRecord(cfg ServerConfig) *ServerRecord {
	caps := make([]string, len(cfg.Capabilities))
	copy(caps, cfg.Capabilities)

	return &ServerRecord{
		ID:                cfg.ID(),
		Host:              cfg.Host,
		Port:              cfg.Port,
		Capabilities:      caps,
		State:             StateInitializing,
		ServerSuccessRate: 1.0,
		ProcessStartTime:  time.Now(),
	}
}

// Clone returns a deep copy safe to hand to scoring loops.
func (r *ServerRecord) Clone() *ServerRecord {
	cloned := *r
	cloned.Capabilities = make([]string, len(r.Capabilities))
	copy(cloned.Capabilities, r.Capabilities)
	return &cloned
}

func (r *ServerRecord) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r *ServerRecord) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (r *ServerRecord) HasCapabilities(required []string) bool {
	for _, capability := range required {
		if !r.HasCapability(capability) {
			return false
		}
	}
	return true
}

// LoadScore derives a utilisation/latency/failure metric in [0,1];
// lower is better.
func (r *ServerRecord) LoadScore(maxRequestsPerServer int, rtCeiling time.Duration) float64 {
	if maxRequestsPerServer <= 0 {
		maxRequestsPerServer = 1
	}
	if rtCeiling <= 0 {
		rtCeiling = 5 * time.Second
	}

	utilisation := float64(r.ActiveRequests) / float64(maxRequestsPerServer)
	latency := float64(r.AvgResponseTime) / float64(rtCeiling)
	failure := 1.0 - r.ServerSuccessRate

	return clamp01(0.5*utilisation + 0.3*latency + 0.2*failure)
}

// HealthScore maps liveness state onto the scalar used by routing scores.
func (r *ServerRecord) HealthScore() float64 {
	switch r.State {
	case StateHealthy:
		return 1.0
	case StateDegraded:
		return 0.6
	case StateUnhealthy:
		return 0.1
	default:
		return 0.0
	}
}

// IsEligible reports whether the record's own counters permit dispatch.
// Circuit breaker admission is layered on top by the health monitor.
func (r *ServerRecord) IsEligible(maxRequestsPerServer int, breakerThreshold float64) bool {
	if !r.State.IsRoutable() {
		return false
	}
	if r.ServerSuccessRate < breakerThreshold {
		return false
	}
	if maxRequestsPerServer > 0 && r.ActiveRequests >= int64(maxRequestsPerServer) {
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
