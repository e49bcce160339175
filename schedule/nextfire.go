package schedule

import (
	"time"
)

// NextFire computes the next automatic fire time strictly after the given
// reference time, interpreted in loc. The second return value is false for
// manual specs, which never fire automatically.
//
// NextFire has no side effects and is safe for concurrent use.
func (s *Spec) NextFire(after time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	after = after.In(loc)

	switch s.Type {
	case TypeManual:
		return time.Time{}, false

	case TypeHourly:
		return s.nextHourly(after), true

	case TypeDaily:
		return s.nextDaily(after), true

	case TypeWeekly:
		return s.nextWeekly(after), true

	case TypeCustom:
		sched := s.sched
		if sched == nil {
			// Stored specs are validated at registration; parse
			// without caching for specs constructed directly, to
			// keep concurrent resolution race-free.
			parsed, err := cronParser.Parse(s.CronExpression)
			if err != nil {
				return time.Time{}, false
			}
			sched = parsed
		}
		return sched.Next(after), true

	default:
		return time.Time{}, false
	}
}

// nextHourly returns the next hour boundary plus the minute offset,
// strictly after the reference time.
func (s *Spec) nextHourly(after time.Time) time.Time {
	candidate := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), s.Minute, 0, 0, after.Location())
	if !candidate.After(after) {
		candidate = candidate.Add(time.Hour)
	}
	return candidate
}

// nextDaily returns the next occurrence of the wall-clock time, advancing a
// day when today's occurrence has already passed.
func (s *Spec) nextDaily(after time.Time) time.Time {
	candidate := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, after.Location())
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// nextWeekly returns the next occurrence of the weekday and wall-clock time,
// advancing a week when this week's occurrence has already passed.
func (s *Spec) nextWeekly(after time.Time) time.Time {
	target := weekdays[s.DayOfWeek]
	candidate := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, after.Location())

	days := (int(target) - int(candidate.Weekday()) + 7) % 7
	candidate = candidate.AddDate(0, 0, days)
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
