// Package schedule defines schedule specifications and resolves their next
// fire times. Resolution is pure: given the same (spec, after, location) the
// result is identical, and specs are safe for concurrent use once parsed.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cronpilot/cronpilot/errors"
)

// ErrScheduleParse is the sentinel wrapped by every spec validation failure.
// It surfaces at registration time; a stored spec never fails resolution.
var ErrScheduleParse = errors.New("invalid schedule specification")

// Type identifies the schedule variant.
type Type string

const (
	TypeManual Type = "manual"
	TypeHourly Type = "hourly"
	TypeDaily  Type = "daily"
	TypeWeekly Type = "weekly"
	TypeCustom Type = "custom"
)

// IsValidType returns true if the string is a known schedule type.
func IsValidType(s string) bool {
	switch Type(s) {
	case TypeManual, TypeHourly, TypeDaily, TypeWeekly, TypeCustom:
		return true
	default:
		return false
	}
}

// cronParser accepts standard five-field cron expressions
// (minute hour day-of-month month day-of-week).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Spec is a validated schedule specification. Exactly one variant is active,
// selected by Type; the remaining fields are meaningful only for the variants
// that declare them.
type Spec struct {
	Type           Type   `json:"type"`
	Minute         int    `json:"minute,omitempty"`          // hourly, daily, weekly
	Hour           int    `json:"hour,omitempty"`            // daily, weekly
	DayOfWeek      string `json:"day_of_week,omitempty"`     // weekly: sun..sat
	CronExpression string `json:"cron_expression,omitempty"` // custom

	sched cron.Schedule // parsed cron schedule, custom only
}

// wireSpec is the external JSON shape. Pointer fields distinguish absent
// from zero so an hourly spec without a minute can be anchored to the
// registration time.
type wireSpec struct {
	Type           string  `json:"type"`
	Minute         *int    `json:"minute,omitempty"`
	Hour           *int    `json:"hour,omitempty"`
	DayOfWeek      *string `json:"day_of_week,omitempty"`
	CronExpression *string `json:"cron_expression,omitempty"`
}

// Parse decodes and validates a schedule configuration shape.
// ref anchors an hourly spec that carries no explicit minute offset: the
// spec fires at the minute of ref every hour thereafter.
func Parse(raw []byte, ref time.Time) (*Spec, error) {
	var w wireSpec
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(ErrScheduleParse, err.Error())
	}

	if !IsValidType(w.Type) {
		return nil, errors.Wrapf(ErrScheduleParse, "unknown schedule type %q", w.Type)
	}

	spec := &Spec{Type: Type(w.Type)}

	switch spec.Type {
	case TypeManual:
		// No fields.

	case TypeHourly:
		if w.Minute != nil {
			spec.Minute = *w.Minute
		} else {
			spec.Minute = ref.Minute()
		}

	case TypeDaily:
		if w.Hour == nil || w.Minute == nil {
			return nil, errors.Wrap(ErrScheduleParse, "daily schedule requires hour and minute")
		}
		spec.Hour = *w.Hour
		spec.Minute = *w.Minute

	case TypeWeekly:
		if w.DayOfWeek == nil || w.Hour == nil || w.Minute == nil {
			return nil, errors.Wrap(ErrScheduleParse, "weekly schedule requires day_of_week, hour and minute")
		}
		spec.DayOfWeek = strings.ToLower(*w.DayOfWeek)
		spec.Hour = *w.Hour
		spec.Minute = *w.Minute

	case TypeCustom:
		if w.CronExpression == nil || strings.TrimSpace(*w.CronExpression) == "" {
			return nil, errors.Wrap(ErrScheduleParse, "custom schedule requires cron_expression")
		}
		spec.CronExpression = strings.TrimSpace(*w.CronExpression)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks field ranges and, for custom specs, parses the cron
// expression. Parsing happens here, at registration, never at resolution.
func (s *Spec) Validate() error {
	switch s.Type {
	case TypeManual:
		return nil

	case TypeHourly:
		if s.Minute < 0 || s.Minute > 59 {
			return errors.Wrapf(ErrScheduleParse, "minute %d out of range 0-59", s.Minute)
		}
		return nil

	case TypeDaily, TypeWeekly:
		if s.Hour < 0 || s.Hour > 23 {
			return errors.Wrapf(ErrScheduleParse, "hour %d out of range 0-23", s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return errors.Wrapf(ErrScheduleParse, "minute %d out of range 0-59", s.Minute)
		}
		if s.Type == TypeWeekly {
			if _, ok := weekdays[s.DayOfWeek]; !ok {
				return errors.Wrapf(ErrScheduleParse, "unknown day_of_week %q", s.DayOfWeek)
			}
		}
		return nil

	case TypeCustom:
		sched, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return errors.Wrapf(ErrScheduleParse, "cron expression %q: %v", s.CronExpression, err)
		}
		s.sched = sched
		return nil

	default:
		return errors.Wrapf(ErrScheduleParse, "unknown schedule type %q", s.Type)
	}
}

// String renders the spec for display.
func (s *Spec) String() string {
	switch s.Type {
	case TypeHourly:
		return fmt.Sprintf("hourly at :%02d", s.Minute)
	case TypeDaily:
		return fmt.Sprintf("daily at %02d:%02d", s.Hour, s.Minute)
	case TypeWeekly:
		return fmt.Sprintf("weekly %s %02d:%02d", s.DayOfWeek, s.Hour, s.Minute)
	case TypeCustom:
		return "cron " + s.CronExpression
	default:
		return string(s.Type)
	}
}

// MarshalConfig serializes the spec back into its external JSON shape.
// Only the fields the variant declares are emitted, so a round trip through
// Parse reproduces the spec exactly (including a zero minute offset).
func (s *Spec) MarshalConfig() ([]byte, error) {
	w := wireSpec{Type: string(s.Type)}
	switch s.Type {
	case TypeHourly:
		w.Minute = &s.Minute
	case TypeDaily:
		w.Hour = &s.Hour
		w.Minute = &s.Minute
	case TypeWeekly:
		w.DayOfWeek = &s.DayOfWeek
		w.Hour = &s.Hour
		w.Minute = &s.Minute
	case TypeCustom:
		w.CronExpression = &s.CronExpression
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal schedule spec")
	}
	return data, nil
}
