package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// BranchState is a state of the per-resource state machine.
type BranchState string

const (
	// BranchProbing reads the current status and consults the decision table.
	BranchProbing BranchState = "probing"
	// BranchTransitioning issues the start or stop command.
	BranchTransitioning BranchState = "transitioning"
	// BranchWaiting pauses for the poll interval before probing again.
	BranchWaiting BranchState = "waiting"
	// BranchAlreadyConverged means the first probe already saw the target status.
	BranchAlreadyConverged BranchState = "already_converged"
	// BranchNotifying sends the completion notification.
	BranchNotifying BranchState = "notifying"
	// BranchDone is the terminal success state.
	BranchDone BranchState = "done"
	// BranchFailed is the terminal failure state.
	BranchFailed BranchState = "failed"
)

// IsTerminal reports whether no further transitions follow s.
func (s BranchState) IsTerminal() bool {
	return s == BranchDone || s == BranchFailed
}

// BranchOutcome summarizes how a terminal branch got there.
type BranchOutcome string

const (
	// OutcomeConverged means a command was issued and the target status was reached.
	OutcomeConverged BranchOutcome = "converged"
	// OutcomeAlreadyConverged means no command was needed.
	OutcomeAlreadyConverged BranchOutcome = "already_converged"
	// OutcomeSkippedAbsent means the cluster was not found; nothing was done.
	OutcomeSkippedAbsent BranchOutcome = "skipped_absent"
	// OutcomeFailed means the branch ended in the failed state.
	OutcomeFailed BranchOutcome = "failed"
	// OutcomeCancelled means the run deadline or cancellation interrupted the branch.
	OutcomeCancelled BranchOutcome = "cancelled"
)

// Transition records one state change of a branch.
type Transition struct {
	From   BranchState `json:"from"`
	To     BranchState `json:"to"`
	Status string      `json:"status,omitempty"`
	At     time.Time   `json:"at"`
}

// BranchResult is the record of one resource branch.
type BranchResult struct {
	// Address is the discovered ARN as returned by the tagging service.
	Address string `json:"address"`
	// Resource is the parsed target (zero value if the address was malformed).
	Resource TargetResource `json:"resource"`
	// State is the last state the branch reached.
	State BranchState `json:"state"`
	// Outcome summarizes the terminal state.
	Outcome BranchOutcome `json:"outcome"`
	// FinalStatus is the last probed status.
	FinalStatus string `json:"final_status,omitempty"`
	// Commands counts start/stop calls issued.
	Commands int `json:"commands"`
	// Polls counts probes made after the first one.
	Polls int `json:"polls"`
	// Notified is true when a notification was delivered.
	Notified bool `json:"notified"`
	// NotifyError is the delivery error, if any. It never fails the branch.
	NotifyError string `json:"notify_error,omitempty"`
	// Error is the failure cause for failed branches.
	Error string `json:"error,omitempty"`
	// History lists all state transitions in order.
	History []Transition `json:"history,omitempty"`
	// StartedAt is when the branch started.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the branch reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns how long the branch ran.
func (b *BranchResult) Duration() time.Duration {
	if b.CompletedAt == nil {
		return time.Since(b.StartedAt)
	}
	return b.CompletedAt.Sub(b.StartedAt)
}

// RunState represents the overall state of one control loop invocation.
type RunState string

const (
	// RunRunning indicates branches are still in flight.
	RunRunning RunState = "running"
	// RunSucceeded indicates every branch reached Done.
	RunSucceeded RunState = "succeeded"
	// RunPartial indicates at least one branch failed while others completed.
	RunPartial RunState = "partial"
	// RunFailed indicates the invocation itself failed (e.g. discovery error).
	RunFailed RunState = "failed"
)

// RunRecord is the execution history of one invocation.
type RunRecord struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// Request is the schedule request that started the run.
	Request ScheduleRequest `json:"request"`
	// Trigger names the schedule or caller that started the run.
	Trigger string `json:"trigger,omitempty"`
	// State is the current state of the run.
	State RunState `json:"state"`
	// Discovered lists the ARNs returned by discovery.
	Discovered []string `json:"discovered"`
	// Branches holds one result per processed resource.
	Branches []BranchResult `json:"branches"`
	// Error contains the error message if the run failed.
	Error string `json:"error,omitempty"`
	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns how long the run took.
func (r *RunRecord) Duration() time.Duration {
	if r.CompletedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Counts returns the number of branches per outcome.
func (r *RunRecord) Counts() map[BranchOutcome]int {
	counts := make(map[BranchOutcome]int)
	for _, b := range r.Branches {
		counts[b.Outcome]++
	}
	return counts
}

// Event represents an event that occurred during a run.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`
	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`
	// Type is the event type (e.g., "run_started", "branch_transition").
	Type string `json:"type"`
	// Message is a human-readable message.
	Message string `json:"message"`
	// Data contains additional event data.
	Data json.RawMessage `json:"data,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// ValidRunStates contains all valid run states.
var ValidRunStates = map[RunState]bool{
	RunRunning:   true,
	RunSucceeded: true,
	RunPartial:   true,
	RunFailed:    true,
}

// Validate checks if the run has valid required fields.
func (r *RunRecord) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "run ID is required"}
	}
	if !ValidRunStates[r.State] {
		return &ValidationError{Field: "state", Message: "invalid run state: " + string(r.State)}
	}
	if r.StartedAt.IsZero() {
		return &ValidationError{Field: "started_at", Message: "started_at is required"}
	}
	if !r.Request.Mode.Valid() {
		return &ValidationError{Field: "request.mode", Message: "invalid mode: " + string(r.Request.Mode)}
	}
	for i, b := range r.Branches {
		if b.Address == "" {
			return &ValidationError{Field: "branches[" + strconv.Itoa(i) + "].address", Message: "address is required"}
		}
	}
	return nil
}

// Validate checks if the event has valid required fields.
func (e *Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "event ID is required"}
	}
	if e.RunID == "" {
		return &ValidationError{Field: "run_id", Message: "run ID is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "event type is required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp is required"}
	}
	return nil
}
