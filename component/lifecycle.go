// Package component defines the lifecycle contract shared by the bridge's
// long-running pieces (device server, sync pipeline, supervisor).
package component

import (
	"context"
	"time"
)

// Lifecycle defines components that support full lifecycle management:
//   - Initialize() error                  // Setup/create only, NO context
//   - Start(ctx context.Context) error    // Start with context passed through
//   - Stop(timeout time.Duration) error   // Stop with timeout for graceful shutdown
//
// The component never stores the context; the owner passes it to Start and
// coordinates cancellation.
type Lifecycle interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// HealthReporter is implemented by components that expose a health snapshot.
type HealthReporter interface {
	Health() HealthStatus
}

// HealthStatus is a point-in-time health snapshot of a component.
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}
