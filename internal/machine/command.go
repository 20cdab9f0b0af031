package machine

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// commandOwner is the lock owner recorded for direct commands.
const commandOwner = "direct-command"

// Command issues a single start or stop call for one named resource. It
// neither reads status nor waits for convergence and sends no notification.
// The resource lock still keeps it from racing a branch of a running run.
func (e *Engine) Command(ctx context.Context, mode types.Mode, target types.TargetResource) error {
	if !mode.Valid() {
		return errors.Wrapf(internalerrors.ErrInvalidParameter, "mode %q", mode)
	}
	if !target.Kind.Valid() || target.Identifier == "" {
		return errors.Wrapf(internalerrors.ErrInvalidParameter, "resource %q", target.Key())
	}

	key := target.Key()
	if owner, ok := e.locks.TryAcquire(key, commandOwner); !ok {
		return errors.Wrapf(internalerrors.ErrResourceBusy, "%s is owned by run %s", key, owner)
	}
	defer e.locks.Release(key, commandOwner)

	err := e.commander.Transition(ctx, target, mode)
	e.metrics.CommandIssued(string(target.Kind), string(mode), err)
	if err != nil {
		e.logger.Error("command failed",
			slog.String("resource", key),
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()))
		return errors.Wrapf(err, "%s %s", mode, key)
	}

	e.logger.Info("command issued", slog.String("resource", key), slog.String("mode", string(mode)))
	return nil
}
