package types

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/cockroachdb/errors"
	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
)

// rdsService is the ARN service segment for RDS resources.
const rdsService = "rds"

// ResourceAddress is a parsed RDS resource ARN:
//
//	arn:<partition>:rds:<region>:<account>:<db|cluster>:<identifier>
type ResourceAddress struct {
	Partition  string       `json:"partition"`
	Region     string       `json:"region"`
	Account    string       `json:"account"`
	Kind       ResourceKind `json:"kind"`
	Identifier string       `json:"identifier"`
}

// ParseResourceAddress parses a discovered ARN into its typed segments.
// Any malformed input returns an error wrapping ErrInvalidResourceAddress.
func ParseResourceAddress(s string) (ResourceAddress, error) {
	parsed, err := arn.Parse(s)
	if err != nil {
		return ResourceAddress{}, errors.Wrapf(internalerrors.ErrInvalidResourceAddress, "%q: %s", s, err.Error())
	}
	if parsed.Service != rdsService {
		return ResourceAddress{}, errors.Wrapf(internalerrors.ErrInvalidResourceAddress, "%q: service %q is not rds", s, parsed.Service)
	}
	if parsed.Region == "" || parsed.AccountID == "" {
		return ResourceAddress{}, errors.Wrapf(internalerrors.ErrInvalidResourceAddress, "%q: missing region or account", s)
	}

	kind, id, ok := strings.Cut(parsed.Resource, ":")
	if !ok {
		return ResourceAddress{}, errors.Wrapf(internalerrors.ErrInvalidResourceAddress, "%q: missing resource kind", s)
	}
	rk := ResourceKind(kind)
	if !rk.Valid() {
		return ResourceAddress{}, errors.Wrapf(internalerrors.ErrInvalidResourceAddress, "%q: unknown resource kind %q", s, kind)
	}
	if id == "" || strings.Contains(id, ":") {
		return ResourceAddress{}, errors.Wrapf(internalerrors.ErrInvalidResourceAddress, "%q: invalid identifier %q", s, id)
	}

	return ResourceAddress{
		Partition:  parsed.Partition,
		Region:     parsed.Region,
		Account:    parsed.AccountID,
		Kind:       rk,
		Identifier: id,
	}, nil
}

// String renders the address back into ARN form.
func (a ResourceAddress) String() string {
	return arn.ARN{
		Partition: a.Partition,
		Service:   rdsService,
		Region:    a.Region,
		AccountID: a.Account,
		Resource:  string(a.Kind) + ":" + a.Identifier,
	}.String()
}

// Target returns the processing target for this address.
func (a ResourceAddress) Target() TargetResource {
	return TargetResource{
		Identifier: a.Identifier,
		Kind:       a.Kind,
		Region:     a.Region,
		Account:    a.Account,
		ARN:        a.String(),
	}
}

// TargetResource is a single discovered resource processed by one branch.
type TargetResource struct {
	Identifier string       `json:"identifier"`
	Kind       ResourceKind `json:"kind"`
	Region     string       `json:"region"`
	Account    string       `json:"account"`
	ARN        string       `json:"arn"`
}

// Key uniquely identifies the resource within a run.
func (t TargetResource) Key() string {
	return string(t.Kind) + "/" + t.Identifier
}

// ResourceStatus is the most recent lifecycle status read from the provider.
type ResourceStatus struct {
	// Current is the provider-defined lifecycle label (e.g. "available", "stopping").
	Current string `json:"current"`
	// Absent is set when a cluster was reported as not found.
	Absent bool `json:"absent,omitempty"`
}

// AbsentStatus is the status reported for a cluster that no longer exists.
func AbsentStatus() ResourceStatus {
	return ResourceStatus{Absent: true}
}

func (s ResourceStatus) String() string {
	if s.Absent {
		return "absent"
	}
	return s.Current
}

// NotificationEvent describes a resource that reached its converged state.
type NotificationEvent struct {
	Account         string       `json:"account"`
	Region          string       `json:"region"`
	Kind            ResourceKind `json:"kind"`
	Identifier      string       `json:"identifier"`
	Mode            Mode         `json:"mode"`
	ResultingStatus string       `json:"resulting_status"`
}

// NewNotificationEvent builds the event for a converged resource.
func NewNotificationEvent(t TargetResource, mode Mode, status string) NotificationEvent {
	return NotificationEvent{
		Account:         t.Account,
		Region:          t.Region,
		Kind:            t.Kind,
		Identifier:      t.Identifier,
		Mode:            mode,
		ResultingStatus: status,
	}
}
