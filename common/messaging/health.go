package messaging

import (
	"context"
	"time"
)

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	// Connected indicates if the client is connected.
	Connected bool `json:"connected"`

	// Latency is how long the health probe took.
	Latency time.Duration `json:"latency_ms"`

	// Error contains any error message if unhealthy.
	Error string `json:"error,omitempty"`
}

// CheckProducerHealth reports whether a Producer is connected to its broker.
func CheckProducerHealth(ctx context.Context, p Producer) HealthStatus {
	status := HealthStatus{}

	if p == nil {
		status.Error = "producer is nil"
		return status
	}
	if err := ctx.Err(); err != nil {
		status.Error = err.Error()
		return status
	}

	start := time.Now()
	status.Connected = p.IsConnected()
	status.Latency = time.Since(start)
	if !status.Connected {
		status.Error = "not connected to message broker"
	}
	return status
}
