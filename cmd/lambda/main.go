// Package main provides the AWS Lambda entry point for the RDS run scheduler.
// A timer delivers the schedule payload directly: tag payloads start a run,
// identifier payloads issue one command. Step Functions may instead drive
// single branches with the "step" action.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/app"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/config"
	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/machine"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/schedule"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

const (
	actionRun  = "run"
	actionStep = "step"
)

// Event is the Lambda input. Without an action it is a timer payload.
type Event struct {
	schedule.Payload

	// Action is "run" (default) or "step".
	Action string `json:"action,omitempty"`
	// Trigger names the schedule that fired; recorded on the run.
	Trigger string `json:"trigger,omitempty"`
	// Step carries the branch state for the "step" action.
	Step *machine.StepInput `json:"step,omitempty"`
}

// Response summarizes the invocation.
type Response struct {
	// Status is completed, partial, failed, expired, commanded, or the step status.
	Status string `json:"status"`

	// Mode and Resource describe the command of an identifier payload.
	Mode     types.Mode `json:"mode,omitempty"`
	Resource string     `json:"resource,omitempty"`

	RunID    string                      `json:"run_id,omitempty"`
	RunState types.RunState              `json:"run_state,omitempty"`
	Counts   map[types.BranchOutcome]int `json:"counts,omitempty"`

	Step *machine.StepResult `json:"step,omitempty"`

	Error string `json:"error,omitempty"`
}

type handler struct {
	app *app.App
}

func (h *handler) Handle(ctx context.Context, ev Event) (Response, error) {
	switch ev.Action {
	case "", actionRun:
		if ev.IsTargeted() {
			return h.command(ctx, ev)
		}
		return h.run(ctx, ev)
	case actionStep:
		return h.step(ctx, ev)
	default:
		return Response{}, errors.Wrapf(internalerrors.ErrInvalidParameter, "unknown action %q", ev.Action)
	}
}

func (h *handler) run(ctx context.Context, ev Event) (Response, error) {
	trigger := ev.Trigger
	if trigger == "" {
		trigger = "lambda"
	}

	run, err := h.app.HandleScheduledEvent(ctx, ev.Payload, trigger)
	if errors.Is(err, internalerrors.ErrEventExpired) {
		// Retrying cannot make the event younger; drop it.
		return Response{Status: "expired", Error: err.Error()}, nil
	}
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		RunID:    run.ID,
		RunState: run.State,
		Counts:   run.Counts(),
		Error:    run.Error,
	}
	switch run.State {
	case types.RunSucceeded:
		resp.Status = "completed"
	case types.RunPartial:
		resp.Status = "partial"
	default:
		resp.Status = "failed"
	}
	return resp, nil
}

func (h *handler) command(ctx context.Context, ev Event) (Response, error) {
	trigger := ev.Trigger
	if trigger == "" {
		trigger = "lambda"
	}

	mode, target, err := h.app.HandleTargetedEvent(ctx, ev.Payload, trigger)
	if errors.Is(err, internalerrors.ErrEventExpired) {
		return Response{Status: "expired", Error: err.Error()}, nil
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Status: "commanded", Mode: mode, Resource: target.Key()}, nil
}

func (h *handler) step(ctx context.Context, ev Event) (Response, error) {
	if ev.Step == nil {
		return Response{}, errors.Wrap(internalerrors.ErrInvalidParameter, "step input is required")
	}

	result, err := h.app.ExecuteStep(ctx, *ev.Step)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Step: result, Error: result.Error}
	switch {
	case result.Completed:
		resp.Status = "completed"
	case result.Failed:
		resp.Status = "failed"
	case result.NeedsWait:
		resp.Status = "waiting"
	default:
		resp.Status = "running"
	}
	return resp, nil
}

func main() {
	logger := config.NewLogger()

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Error("config init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appInst, err := app.New(context.Background(), cfg)
	if err != nil {
		logger.Error("app init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	h := &handler{app: appInst}
	lambda.Start(h.Handle)
}
