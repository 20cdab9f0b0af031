// Package types defines core types for the RDS running scheduler.
package types

import (
	"strconv"
	"strings"
)

// Mode is the direction of a scheduled transition.
type Mode string

const (
	// ModeStart brings stopped resources to available.
	ModeStart Mode = "Start"
	// ModeStop brings available resources to stopped.
	ModeStop Mode = "Stop"
)

// ParseMode parses a mode name, ignoring case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start":
		return ModeStart, nil
	case "stop":
		return ModeStop, nil
	}
	return "", &ValidationError{Field: "mode", Message: "invalid mode: " + s}
}

// Valid reports whether m is Start or Stop.
func (m Mode) Valid() bool {
	return m == ModeStart || m == ModeStop
}

// TargetStatus is the status a resource converges to for this mode.
func (m Mode) TargetStatus() string {
	if m == ModeStop {
		return StatusStopped
	}
	return StatusAvailable
}

// RequiredStatus is the status a resource must be in before the command is issued.
func (m Mode) RequiredStatus() string {
	if m == ModeStop {
		return StatusAvailable
	}
	return StatusStopped
}

// Generic lifecycle labels shared by instances and clusters.
const (
	StatusAvailable = "available"
	StatusStopped   = "stopped"
)

// ResourceKind distinguishes DB instances from DB clusters.
type ResourceKind string

const (
	// KindInstance is a single-node DB instance (ARN resource type "db").
	KindInstance ResourceKind = "db"
	// KindCluster is a DB cluster (ARN resource type "cluster").
	KindCluster ResourceKind = "cluster"
)

// Valid reports whether k is a known kind.
func (k ResourceKind) Valid() bool {
	return k == KindInstance || k == KindCluster
}

// ParseKind accepts the ARN segment ("db", "cluster") or the display name
// ("Instance", "Cluster"), ignoring case.
func ParseKind(s string) (ResourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "db", "instance":
		return KindInstance, nil
	case "cluster":
		return KindCluster, nil
	}
	return "", &ValidationError{Field: "type", Message: "invalid resource type: " + s}
}

// DisplayName is the name used in notifications and logs.
func (k ResourceKind) DisplayName() string {
	switch k {
	case KindInstance:
		return "Instance"
	case KindCluster:
		return "Cluster"
	default:
		return string(k)
	}
}

// ScheduleRequest is the fixed payload delivered by a timer trigger.
// A request is never modified once a run has started.
type ScheduleRequest struct {
	Mode      Mode     `json:"mode"`
	TagKey    string   `json:"tag_key"`
	TagValues []string `json:"tag_values"`
}

// NewScheduleRequest builds a request with its own copy of the tag values.
func NewScheduleRequest(mode Mode, tagKey string, tagValues ...string) ScheduleRequest {
	return ScheduleRequest{
		Mode:      mode,
		TagKey:    tagKey,
		TagValues: append([]string(nil), tagValues...),
	}
}

// Values returns a copy of the tag values.
func (r ScheduleRequest) Values() []string {
	return append([]string(nil), r.TagValues...)
}

// Validate checks that the request can drive a run.
func (r ScheduleRequest) Validate() error {
	if !r.Mode.Valid() {
		return &ValidationError{Field: "mode", Message: "invalid mode: " + string(r.Mode)}
	}
	if strings.TrimSpace(r.TagKey) == "" {
		return &ValidationError{Field: "tag_key", Message: "tag key is required"}
	}
	if len(r.TagValues) == 0 {
		return &ValidationError{Field: "tag_values", Message: "at least one tag value is required"}
	}
	for i, v := range r.TagValues {
		if strings.TrimSpace(v) == "" {
			return &ValidationError{Field: "tag_values", Message: "tag value " + strconv.Itoa(i) + " is empty"}
		}
	}
	return nil
}

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
