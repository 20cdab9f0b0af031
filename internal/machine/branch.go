package machine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/rds"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// step advances a branch by exactly one state. Waiting does not sleep here;
// the caller pauses before stepping out of Waiting.
func (e *Engine) step(ctx context.Context, mode types.Mode, res *types.BranchResult) {
	switch res.State {
	case "", types.BranchProbing:
		e.probe(ctx, mode, res)

	case types.BranchTransitioning:
		err := e.commander.Transition(ctx, res.Resource, mode)
		res.Commands++
		e.metrics.CommandIssued(string(res.Resource.Kind), string(mode), err)
		if err != nil {
			e.fail(ctx, res, errors.Wrap(err, "issue command"))
			return
		}
		e.moveTo(res, types.BranchWaiting, res.FinalStatus)

	case types.BranchWaiting:
		res.Polls++
		e.metrics.Polled(string(res.Resource.Kind))
		e.moveTo(res, types.BranchProbing, res.FinalStatus)

	case types.BranchAlreadyConverged:
		res.Outcome = types.OutcomeAlreadyConverged
		e.moveTo(res, types.BranchNotifying, res.FinalStatus)

	case types.BranchNotifying:
		ev := types.NewNotificationEvent(res.Resource, mode, res.FinalStatus)
		err := e.notifier.Notify(ctx, ev)
		e.metrics.Notified(err)
		if err != nil {
			// delivery failures never undo the transition
			res.NotifyError = err.Error()
			e.logger.Warn("notification failed",
				slog.String("resource", res.Resource.Key()),
				slog.String("error", err.Error()))
		} else {
			res.Notified = true
		}
		e.complete(res, types.BranchDone)
	}
}

func (e *Engine) probe(ctx context.Context, mode types.Mode, res *types.BranchResult) {
	status, err := e.prober.Probe(ctx, res.Resource)
	if err != nil {
		e.fail(ctx, res, errors.Wrap(err, "probe"))
		return
	}
	res.FinalStatus = status.String()

	action := Decide(mode, status)
	if res.Commands > 0 {
		switch action {
		case ActionTransition:
			// the provider has not reported the change yet; never command twice
			action = ActionWait
		case ActionAlreadyConverged:
			res.Outcome = types.OutcomeConverged
			e.moveTo(res, types.BranchNotifying, res.FinalStatus)
			return
		}
	}

	switch action {
	case ActionTransition:
		e.moveTo(res, types.BranchTransitioning, res.FinalStatus)
	case ActionAlreadyConverged:
		e.moveTo(res, types.BranchAlreadyConverged, res.FinalStatus)
	case ActionWait:
		if e.maxPolls > 0 && res.Polls >= e.maxPolls {
			e.fail(ctx, res, errors.Wrapf(internalerrors.ErrPollLimitExceeded,
				"%s still %s after %d polls", res.Resource.Key(), res.FinalStatus, res.Polls))
			return
		}
		e.moveTo(res, types.BranchWaiting, res.FinalStatus)
	case ActionSkip:
		res.Outcome = types.OutcomeSkippedAbsent
		e.complete(res, types.BranchDone)
	default:
		if rds.Status(res.FinalStatus).IsError() {
			e.fail(ctx, res, errors.Wrapf(internalerrors.ErrUnexpectedStatus,
				"%s reports error status %q", res.Resource.Key(), res.FinalStatus))
			return
		}
		e.fail(ctx, res, errors.Wrapf(internalerrors.ErrUnexpectedStatus,
			"%s is %q in %s mode", res.Resource.Key(), res.FinalStatus, mode))
	}
}

func (e *Engine) moveTo(res *types.BranchResult, to types.BranchState, status string) {
	from := res.State
	if from == "" {
		from = types.BranchProbing
	}
	res.State = to
	res.History = append(res.History, types.Transition{
		From:   from,
		To:     to,
		Status: status,
		At:     e.now(),
	})
}

func (e *Engine) complete(res *types.BranchResult, to types.BranchState) {
	e.moveTo(res, to, res.FinalStatus)
	now := e.now()
	res.CompletedAt = &now
}

func (e *Engine) fail(ctx context.Context, res *types.BranchResult, err error) {
	res.Outcome = types.OutcomeFailed
	if ctx.Err() != nil {
		res.Outcome = types.OutcomeCancelled
	}
	res.Error = err.Error()
	e.complete(res, types.BranchFailed)
}

// runBranch drives one resource from its first probe to a terminal state.
// publish is called after every state change.
func (e *Engine) runBranch(ctx context.Context, runID string, mode types.Mode, res *types.BranchResult, publish func(types.BranchResult)) {
	logger := e.logger.With(
		slog.String("run_id", runID),
		slog.String("resource", res.Resource.Key()),
		slog.String("kind", string(res.Resource.Kind)))

	e.metrics.BranchStarted()
	defer e.metrics.BranchFinished()
	defer func() {
		seconds := res.Duration().Seconds()
		e.metrics.BranchCompleted(string(res.Resource.Kind), string(mode), string(res.Outcome), seconds)
	}()

	owner, ok := e.locks.TryAcquire(res.Resource.Key(), runID)
	if !ok {
		e.fail(ctx, res, errors.Wrapf(internalerrors.ErrResourceBusy, "%s is owned by run %s", res.Resource.Key(), owner))
		publish(*res)
		return
	}
	defer e.locks.Release(res.Resource.Key(), runID)

	for !res.State.IsTerminal() {
		if err := ctx.Err(); err != nil {
			e.fail(ctx, res, errors.Wrap(err, "run interrupted"))
			publish(*res)
			break
		}

		if res.State == types.BranchWaiting {
			if err := e.sleep(ctx, e.pollInterval); err != nil {
				e.fail(ctx, res, errors.Wrap(err, "run interrupted while waiting"))
				publish(*res)
				break
			}
		}

		before := res.State
		e.step(ctx, mode, res)
		logger.Debug("branch transition",
			slog.String("from", string(before)),
			slog.String("state", string(res.State)),
			slog.String("status", res.FinalStatus))
		publish(*res)
	}

	switch res.State {
	case types.BranchDone:
		logger.Info("branch done",
			slog.String("outcome", string(res.Outcome)),
			slog.String("status", res.FinalStatus),
			slog.Int("commands", res.Commands),
			slog.Int("polls", res.Polls))
	default:
		logger.Error("branch failed",
			slog.String("outcome", string(res.Outcome)),
			slog.String("status", res.FinalStatus),
			slog.String("error", res.Error))
	}
}

// sleepContext pauses for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
