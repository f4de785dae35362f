package gate

import "github.com/open-notebook/vmgate/internal/api"

// DecisionInput carries everything the gate decision depends on.
type DecisionInput struct {
	// Validating is true until a live status check has completed this run,
	// or while a fetch is in flight. This is what keeps the gate closed
	// even when a persisted snapshot claims the VM is running.
	Validating bool

	Status   api.Status
	Starting bool
	Stopping bool

	// Bypass disables the gate entirely for local and trusted
	// environments. Force overrides Bypass, keeping the gate active for
	// testing.
	Bypass bool
	Force  bool
}

// ShouldGate decides whether the application must stay behind the
// blocking control surface.
func ShouldGate(in DecisionInput) bool {
	if in.Bypass && !in.Force {
		return false
	}
	return in.Validating || in.Status != api.StatusRunning || in.Starting || in.Stopping
}

// StartEnabled decides whether the start control is actionable.
func StartEnabled(checking, starting, stopping, suspending bool) bool {
	return !(checking || starting || stopping || suspending)
}
