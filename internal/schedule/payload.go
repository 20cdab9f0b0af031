package schedule

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/constants"
	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// Params is the fixed input a trigger delivers on every fire.
type Params struct {
	TagKey    string   `json:"TagKey"`
	TagValues []string `json:"TagValues"`
	Mode      string   `json:"Mode"`
}

// Payload is the document a trigger delivers to the control loop. Tag
// triggers fill Params; identifier triggers fill one identifier and Mode.
type Payload struct {
	Params Params `json:"Params,omitzero"`

	DbInstanceIdentifier string `json:"DbInstanceIdentifier,omitempty"`
	DbClusterIdentifier  string `json:"DbClusterIdentifier,omitempty"`
	Mode                 string `json:"Mode,omitempty"`

	// ScheduledTime is stamped by the timer at fire time.
	ScheduledTime *time.Time `json:"ScheduledTime,omitempty"`
}

// NewPayload builds the payload carried by a trigger for req.
func NewPayload(req types.ScheduleRequest) Payload {
	return Payload{Params: Params{
		TagKey:    req.TagKey,
		TagValues: req.Values(),
		Mode:      string(req.Mode),
	}}
}

// NewTargetPayload builds the payload of an identifier trigger.
func NewTargetPayload(mode types.Mode, kind types.ResourceKind, id string) Payload {
	p := Payload{Mode: string(mode)}
	if kind == types.KindCluster {
		p.DbClusterIdentifier = id
	} else {
		p.DbInstanceIdentifier = id
	}
	return p
}

// IsTargeted reports whether the payload names a single resource.
func (p Payload) IsTargeted() bool {
	return p.DbInstanceIdentifier != "" || p.DbClusterIdentifier != ""
}

// Target converts an identifier payload into its mode and resource. The
// resource carries no region, so the default client serves it.
func (p Payload) Target() (types.Mode, types.TargetResource, error) {
	mode, err := types.ParseMode(p.Mode)
	if err != nil {
		return "", types.TargetResource{}, errors.Wrap(internalerrors.ErrInvalidParameter, err.Error())
	}
	switch {
	case p.DbInstanceIdentifier != "" && p.DbClusterIdentifier != "":
		return "", types.TargetResource{}, errors.Wrap(internalerrors.ErrInvalidParameter, "payload names both an instance and a cluster")
	case p.DbClusterIdentifier != "":
		return mode, types.TargetResource{Kind: types.KindCluster, Identifier: p.DbClusterIdentifier}, nil
	case p.DbInstanceIdentifier != "":
		return mode, types.TargetResource{Kind: types.KindInstance, Identifier: p.DbInstanceIdentifier}, nil
	}
	return "", types.TargetResource{}, errors.Wrap(internalerrors.ErrInvalidParameter, "payload names no resource")
}

// Request converts the payload into a validated schedule request.
func (p Payload) Request() (types.ScheduleRequest, error) {
	mode, err := types.ParseMode(p.Params.Mode)
	if err != nil {
		return types.ScheduleRequest{}, errors.Wrap(internalerrors.ErrInvalidParameter, err.Error())
	}
	req := types.NewScheduleRequest(mode, p.Params.TagKey, p.Params.TagValues...)
	if err := req.Validate(); err != nil {
		return types.ScheduleRequest{}, errors.Wrap(internalerrors.ErrInvalidParameter, err.Error())
	}
	return req, nil
}

// RetryPolicy controls redelivery of a trigger event.
type RetryPolicy struct {
	MaximumEventAge      time.Duration `json:"maximum_event_age"`
	MaximumRetryAttempts int           `json:"maximum_retry_attempts"`
}

// DefaultRetryPolicy drops events older than a minute and never retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaximumEventAge:      constants.MaximumEventAge,
		MaximumRetryAttempts: constants.MaximumRetryAttempts,
	}
}

// CheckEventAge returns ErrEventExpired when an event scheduled at
// scheduledAt is older than the policy allows at now.
// A zero scheduledAt is never expired.
func (p RetryPolicy) CheckEventAge(scheduledAt, now time.Time) error {
	if scheduledAt.IsZero() || p.MaximumEventAge <= 0 {
		return nil
	}
	if age := now.Sub(scheduledAt); age > p.MaximumEventAge {
		return errors.Wrapf(internalerrors.ErrEventExpired, "event age %s exceeds %s", age.Round(time.Second), p.MaximumEventAge)
	}
	return nil
}
