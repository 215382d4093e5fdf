package bridge

import (
	"context"
	"time"
)

// Backend is the capability set every transport to the physics backend
// implements. Lifecycle follows the unified pattern:
//   - Initialize() error                          // validate only, no I/O
//   - Start(ctx, namespace) error                 // bind sockets / subscribe, non-blocking
//   - Stop(timeout) error                         // signal, close, join workers
//
// Update is invoked once per render frame on the frame goroutine. It drains
// queues built by background work and computes interpolation; it must not
// block on I/O and must not propagate failures - a malformed message is
// logged, discarded, and the next one is processed.
type Backend interface {
	Initialize() error
	Start(ctx context.Context, namespace string) error
	Update()
	Stop(timeout time.Duration) error

	// InterpolationRatio reconciles backend time with render time for the
	// current frame. 0 freezes the renderer (backend behind, or no data),
	// 1 plays at full backend rate; intermediate values scale the blend
	// toward the newest known state.
	InterpolationRatio() float64

	// Staging exposes the staged outputs for the consumer to drain
	Staging() *Staging

	Meta() Metadata
	Health() HealthStatus
}

// Metadata describes what a transport is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus describes the current health state of a transport
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	Uptime     time.Duration `json:"uptime"`
}
