package compute

import (
	"context"
	"strings"

	"github.com/open-notebook/vmgate/internal/api"
)

// Raw Compute Engine instance statuses.
const (
	RawProvisioning = "PROVISIONING"
	RawStaging      = "STAGING"
	RawRunning      = "RUNNING"
	RawStopping     = "STOPPING"
	RawSuspending   = "SUSPENDING"
	RawSuspended    = "SUSPENDED"
	RawTerminated   = "TERMINATED"
)

// Normalize maps a provider-reported status onto the wire status values.
// STOPPING is folded into suspending so callers see a single waiting state
// while the provider operation completes. Anything unrecognized falls
// through to its lowercased raw form, or unknown when empty; unrecognized
// values gate the same as any non-running status.
func Normalize(raw string) api.Status {
	switch strings.ToUpper(raw) {
	case RawRunning:
		return api.StatusRunning
	case RawSuspending, RawStopping:
		return api.StatusSuspending
	case RawSuspended:
		return api.StatusSuspended
	case RawTerminated:
		return api.StatusStopped
	case RawProvisioning, RawStaging:
		return api.StatusStarting
	}
	if raw == "" {
		return api.StatusUnknown
	}
	return api.Status(strings.ToLower(raw))
}

// StartResult reports the outcome of a start request. Operation is nil when
// the instance was already running and no request was issued.
type StartResult struct {
	Previous  string
	Action    string
	Operation *api.Operation
}

// StopResult reports the outcome of a suspend/stop request.
type StopResult struct {
	Previous  string
	Action    string
	Operation *api.Operation
}

// Client manages the database VM instance at the provider.
type Client interface {
	// Status returns the raw provider status of the instance.
	Status(ctx context.Context) (string, error)

	// Start starts or resumes the instance, choosing resume when it is
	// suspended or suspending. A no-op when already running.
	Start(ctx context.Context) (*StartResult, error)

	// Suspend suspends the instance, falling back to a hard stop when
	// suspend is unsupported. A no-op when already terminated or stopping.
	Suspend(ctx context.Context) (*StopResult, error)
}
