// Package schedule models the timer side of the scheduler: schedule
// definitions, the trigger payload they deliver and the event age policy.
package schedule

import (
	"crypto/sha3"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // lambda images ship without a zoneinfo database

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/constants"
	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// Trigger states as understood by EventBridge Scheduler.
const (
	StateEnabled  = "ENABLED"
	StateDisabled = "DISABLED"
)

// Property describes one recurring fire time. Empty fields take the mode's default.
type Property struct {
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Minute   string `yaml:"minute,omitempty" json:"minute,omitempty"`
	Hour     string `yaml:"hour,omitempty" json:"hour,omitempty"`
	Week     string `yaml:"week,omitempty" json:"week,omitempty"`
}

// Expression renders the property as a scheduler cron expression,
// filling defaults for mode.
func (p Property) Expression(mode types.Mode) string {
	minute, hour := constants.DefaultStartMinute, constants.DefaultStartHour
	if mode == types.ModeStop {
		minute, hour = constants.DefaultStopMinute, constants.DefaultStopHour
	}
	week := constants.DefaultWeekdays

	if p.Minute != "" {
		minute = p.Minute
	}
	if p.Hour != "" {
		hour = p.Hour
	}
	if p.Week != "" {
		week = p.Week
	}

	return fmt.Sprintf("cron(%s %s ? * %s *)", minute, hour, week)
}

// Target names resources directly instead of selecting them by tag. Every
// identifier gets its own stop and start trigger that commands the
// resource without discovery or convergence polling.
type Target struct {
	// Type is Instance or Cluster.
	Type        string   `yaml:"type" json:"type"`
	Identifiers []string `yaml:"identifiers" json:"identifiers"`
	Stop        Property `yaml:"stop,omitempty" json:"stop"`
	Start       Property `yaml:"start,omitempty" json:"start"`
}

// Definition is a tag selector, a list of targets, or both, with their
// stop and start schedules.
type Definition struct {
	Name      string   `yaml:"name" json:"name"`
	TagKey    string   `yaml:"tag_key,omitempty" json:"tag_key,omitempty"`
	TagValues []string `yaml:"tag_values,omitempty" json:"tag_values,omitempty"`
	// Timezone applies to every schedule that does not set its own.
	Timezone string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Stop     Property `yaml:"stop,omitempty" json:"stop"`
	Start    Property `yaml:"start,omitempty" json:"start"`
	Targets  []Target `yaml:"targets,omitempty" json:"targets,omitempty"`
	// Enabled defaults to true; disabled definitions still render triggers.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether triggers of the definition are active.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

func (d Definition) timezoneFor(p Property) string {
	if p.Timezone != "" {
		return p.Timezone
	}
	if d.Timezone != "" {
		return d.Timezone
	}
	return constants.DefaultTimezone
}

// Validate checks the definition can be rendered into triggers.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.Wrap(internalerrors.ErrInvalidParameter, "schedule name is required")
	}
	if d.hasTagSelector() || len(d.Targets) == 0 {
		for _, mode := range []types.Mode{types.ModeStop, types.ModeStart} {
			if err := d.request(mode).Validate(); err != nil {
				return errors.Wrapf(internalerrors.ErrInvalidParameter, "schedule %s: %s", d.Name, err.Error())
			}
		}
		if err := d.validateProperties(d.Stop, d.Start); err != nil {
			return err
		}
	}
	for i, t := range d.Targets {
		if _, err := types.ParseKind(t.Type); err != nil {
			return errors.Wrapf(internalerrors.ErrInvalidParameter, "schedule %s: target %d: %s", d.Name, i, err.Error())
		}
		if len(t.Identifiers) == 0 {
			return errors.Wrapf(internalerrors.ErrInvalidParameter, "schedule %s: target %d has no identifiers", d.Name, i)
		}
		for _, id := range t.Identifiers {
			if strings.TrimSpace(id) == "" {
				return errors.Wrapf(internalerrors.ErrInvalidParameter, "schedule %s: target %d has an empty identifier", d.Name, i)
			}
		}
		if err := d.validateProperties(t.Stop, t.Start); err != nil {
			return err
		}
	}
	return nil
}

func (d Definition) validateProperties(props ...Property) error {
	for _, p := range props {
		tz := d.timezoneFor(p)
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrapf(internalerrors.ErrInvalidParameter, "schedule %s: timezone %q", d.Name, tz)
		}
		for _, field := range []string{p.Minute, p.Hour, p.Week} {
			if strings.ContainsAny(field, " \t") {
				return errors.Wrapf(internalerrors.ErrInvalidParameter, "schedule %s: cron field %q contains whitespace", d.Name, field)
			}
		}
	}
	return nil
}

func (d Definition) hasTagSelector() bool {
	return d.TagKey != "" || len(d.TagValues) > 0
}

func (d Definition) request(mode types.Mode) types.ScheduleRequest {
	return types.NewScheduleRequest(mode, d.TagKey, d.TagValues...)
}

// Trigger is one rendered timer: when it fires and what it delivers.
type Trigger struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Mode        types.Mode `json:"mode"`
	Expression  string     `json:"expression"`
	Timezone    string     `json:"timezone"`
	State       string     `json:"state"`
	// Kind and Identifier are set on identifier triggers.
	Kind       types.ResourceKind `json:"kind,omitempty"`
	Identifier string             `json:"identifier,omitempty"`
	// TargetARN is the scheduler universal target that issues the same
	// command without this service, for identifier triggers.
	TargetARN   string      `json:"target_arn,omitempty"`
	Payload     Payload     `json:"payload"`
	RetryPolicy RetryPolicy `json:"retry_policy"`
}

// Selector describes what the trigger acts on.
func (t Trigger) Selector() string {
	if t.Identifier != "" {
		return string(t.Kind) + "/" + t.Identifier
	}
	return t.Payload.Params.TagKey + "=" + strings.Join(t.Payload.Params.TagValues, ",")
}

// Triggers renders the stop and start triggers of the definition: one pair
// for the tag selector and one pair per target identifier.
func (d Definition) Triggers() []Trigger {
	state := StateEnabled
	if !d.IsEnabled() {
		state = StateDisabled
	}

	var out []Trigger
	if d.hasTagSelector() {
		build := func(mode types.Mode, p Property) Trigger {
			verb := strings.ToLower(string(mode))
			return Trigger{
				Name:        fmt.Sprintf("auto-%s-db-%s-schedule", verb, d.Name),
				Description: fmt.Sprintf("auto %s db schedule for %s=%s.", verb, d.TagKey, strings.Join(d.TagValues, ",")),
				Mode:        mode,
				Expression:  p.Expression(mode),
				Timezone:    d.timezoneFor(p),
				State:       state,
				Payload:     NewPayload(d.request(mode)),
				RetryPolicy: DefaultRetryPolicy(),
			}
		}
		out = append(out, build(types.ModeStop, d.Stop), build(types.ModeStart, d.Start))
	}

	for _, t := range d.Targets {
		kind, err := types.ParseKind(t.Type)
		if err != nil {
			continue
		}
		for _, id := range t.Identifiers {
			out = append(out,
				d.targetTrigger(types.ModeStop, kind, id, t.Stop, state),
				d.targetTrigger(types.ModeStart, kind, id, t.Start, state))
		}
	}
	return out
}

func (d Definition) targetTrigger(mode types.Mode, kind types.ResourceKind, id string, p Property, state string) Trigger {
	verb := strings.ToLower(string(mode))
	typ := strings.ToLower(kind.DisplayName())
	return Trigger{
		Name:        fmt.Sprintf("auto-%s-db-%s-%s-schedule", verb, typ, nameKey(id)),
		Description: fmt.Sprintf("auto %s db %s(%s) schedule.", verb, typ, id),
		Mode:        mode,
		Expression:  p.Expression(mode),
		Timezone:    d.timezoneFor(p),
		State:       state,
		Kind:        kind,
		Identifier:  id,
		TargetARN:   fmt.Sprintf("arn:aws:scheduler:::aws-sdk:rds:%sDB%s", verb, kind.DisplayName()),
		Payload:     NewTargetPayload(mode, kind, id),
		RetryPolicy: DefaultRetryPolicy(),
	}
}

// nameKey is a short stable hash of an identifier, so trigger names stay
// within the scheduler's length limit.
func nameKey(id string) string {
	return hex.EncodeToString(sha3.SumSHAKE256([]byte(id), 4))
}

// File is the on-disk schedules document.
type File struct {
	Schedules []Definition `yaml:"schedules"`
}

// Parse decodes and validates a schedules document.
func Parse(data []byte) ([]Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse schedules")
	}

	names := make(map[string]bool)
	for _, d := range f.Schedules {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if names[d.Name] {
			return nil, errors.Wrapf(internalerrors.ErrInvalidParameter, "duplicate schedule name %q", d.Name)
		}
		names[d.Name] = true
	}
	return f.Schedules, nil
}

// Load reads a schedules document from path.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read schedules file %s", path)
	}
	return Parse(data)
}

// Default returns the single definition used when no schedules file is configured.
func Default(tagKey string, tagValues []string) Definition {
	return Definition{
		Name:      "default",
		TagKey:    tagKey,
		TagValues: append([]string(nil), tagValues...),
		Timezone:  constants.DefaultTimezone,
	}
}
