package machine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// StepInput is the state an external orchestrator hands back on each
// invocation. Branch is empty on the first call; only Address is required.
type StepInput struct {
	Mode    types.Mode         `json:"mode"`
	Address string             `json:"address"`
	Branch  types.BranchResult `json:"branch"`
}

// StepResult tells the orchestrator what to do next.
//
// Each invocation advances a branch as far as it can without pausing, so
// an external Wait state replaces the in-process sleep between polls.
type StepResult struct {
	// Branch is the updated branch to pass to the next invocation.
	Branch types.BranchResult `json:"branch"`

	// Continue is true while the branch is not terminal.
	Continue bool `json:"continue"`
	// NeedsWait asks the orchestrator to wait WaitSeconds before the next call.
	NeedsWait bool `json:"needs_wait"`
	// WaitSeconds is the poll interval in seconds.
	WaitSeconds int `json:"wait_seconds,omitempty"`
	// Completed is true when the branch reached Done.
	Completed bool `json:"completed"`
	// Failed is true when the branch reached Failed.
	Failed bool `json:"failed"`

	// Error contains the failure cause, if any.
	Error string `json:"error,omitempty"`
}

// ExecuteStep advances a single branch until it must wait or reaches a
// terminal state. It holds no state between calls, so resource locks do not
// apply.
func (e *Engine) ExecuteStep(ctx context.Context, in StepInput) (*StepResult, error) {
	if !in.Mode.Valid() {
		return nil, errors.Wrapf(internalerrors.ErrInvalidParameter, "mode %q", in.Mode)
	}

	res := in.Branch
	res.History = append([]types.Transition(nil), res.History...)
	if res.Address == "" {
		res.Address = in.Address
	}
	if res.State == "" {
		res.State = types.BranchProbing
		res.StartedAt = e.now()
	}

	if res.Resource.ARN == "" && !res.State.IsTerminal() {
		addr, err := types.ParseResourceAddress(res.Address)
		if err != nil {
			e.fail(ctx, &res, err)
			return stepResult(res, e.pollInterval), nil
		}
		res.Resource = addr.Target()
	}

	// the orchestrator already waited, so leave Waiting straight away
	if res.State == types.BranchWaiting {
		e.step(ctx, in.Mode, &res)
	}

	for !res.State.IsTerminal() && res.State != types.BranchWaiting {
		if err := ctx.Err(); err != nil {
			e.fail(ctx, &res, errors.Wrap(err, "step interrupted"))
			break
		}
		e.step(ctx, in.Mode, &res)
	}

	if res.State.IsTerminal() {
		e.metrics.BranchCompleted(string(res.Resource.Kind), string(in.Mode), string(res.Outcome), res.Duration().Seconds())
	}
	return stepResult(res, e.pollInterval), nil
}

func stepResult(res types.BranchResult, interval time.Duration) *StepResult {
	out := &StepResult{
		Branch:    res,
		Continue:  !res.State.IsTerminal(),
		Completed: res.State == types.BranchDone,
		Failed:    res.State == types.BranchFailed,
		Error:     res.Error,
	}
	if res.State == types.BranchWaiting {
		out.NeedsWait = true
		out.WaitSeconds = int(interval / time.Second)
		if out.WaitSeconds < 1 {
			out.WaitSeconds = 1
		}
	}
	return out
}
