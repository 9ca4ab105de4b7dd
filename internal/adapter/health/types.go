package health

import (
	"context"
	"time"
)

// ResourceMetrics is the optional self-reported resource usage from a
// server's system/metrics reply.
type ResourceMetrics struct {
	MemoryUsage     float64
	CPUUsage        float64
	DiskUsage       float64
	ConnectionCount int
	QueueSize       int
}

// Prober issues liveness and metrics probes to one server. The pool
// manager implements it; the monitor never touches connections itself.
type Prober interface {
	Ping(ctx context.Context, serverID string) (time.Duration, error)
	Metrics(ctx context.Context, serverID string) (ResourceMetrics, error)
}
