package gate

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/open-notebook/vmgate/internal/metrics"
	"github.com/open-notebook/vmgate/pkg/log"
)

// Transition phases held by the controller, independent of the
// server-reported status.
const (
	phaseIdle     = "idle"
	phaseStarting = "starting"
	phaseStopping = "stopping"
)

// Transition events.
const (
	// EventStart is fired by a user-invoked start action.
	EventStart = "start"
	// EventRestore re-enters starting from a persisted start timestamp
	// found at controller construction.
	EventRestore = "restore"
	// EventStop is fired by a user-invoked stop action.
	EventStop = "stop"
	// EventConfirmRunning fires when a poll reports running while starting.
	EventConfirmRunning = "confirm_running"
	// EventConfirmStopped fires when a poll reports suspended or stopped
	// while stopping.
	EventConfirmStopped = "confirm_stopped"
	// EventFail reverts an in-flight transition after a request failure.
	EventFail = "fail"
)

// newTransitionMachine builds the idle/starting/stopping machine. All side
// effects (persistence, timers, progress) live in the controller commands;
// the machine enforces legal transitions and records them.
func newTransitionMachine(logger log.Logger) *fsm.FSM {
	return fsm.NewFSM(
		phaseIdle,
		fsm.Events{
			{Name: EventStart, Src: []string{phaseIdle}, Dst: phaseStarting},
			{Name: EventRestore, Src: []string{phaseIdle}, Dst: phaseStarting},
			{Name: EventStop, Src: []string{phaseIdle}, Dst: phaseStopping},
			{Name: EventConfirmRunning, Src: []string{phaseStarting}, Dst: phaseIdle},
			{Name: EventConfirmStopped, Src: []string{phaseStopping}, Dst: phaseIdle},
			{Name: EventFail, Src: []string{phaseStarting, phaseStopping}, Dst: phaseIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.TransitionsTotal.WithLabelValues(e.Event).Inc()
				logger.Debug("gate transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}
