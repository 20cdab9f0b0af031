package machine

import (
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/rds"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// Action is the decision taken after a probe.
type Action string

const (
	// ActionTransition issues the start or stop command.
	ActionTransition Action = "transition"
	// ActionAlreadyConverged skips the command; the resource is at the target status.
	ActionAlreadyConverged Action = "already_converged"
	// ActionWait re-probes after the poll interval.
	ActionWait Action = "wait"
	// ActionSkip ends the branch without a command or notification.
	ActionSkip Action = "skip"
	// ActionFail ends the branch as failed.
	ActionFail Action = "fail"
)

// Decide maps a probed status to the next action for mode. The table is the
// same for instances and clusters.
//
//	Start: stopped -> transition, available -> converged,
//	       starting | configuring-enhanced-monitoring | backing-up | modifying -> wait
//	Stop:  available -> transition, stopped -> converged, modifying | stopping -> wait
//	any:   absent cluster -> skip, anything else -> fail
func Decide(mode types.Mode, status types.ResourceStatus) Action {
	if status.Absent {
		return ActionSkip
	}
	if !mode.Valid() {
		return ActionFail
	}

	switch s := status.Current; {
	case s == mode.RequiredStatus():
		return ActionTransition
	case s == mode.TargetStatus():
		return ActionAlreadyConverged
	case mode == types.ModeStart && rds.Status(s).IsStartPending():
		return ActionWait
	case mode == types.ModeStop && rds.Status(s).IsStopPending():
		return ActionWait
	}
	return ActionFail
}
