package assignment

import (
	"errors"
	"fmt"
	"time"
)

// Schedule restricts a grant to recurring wall-clock windows. It is evaluated
// against the current time at decision time, never persisted as a boolean.
type Schedule struct {
	Days        []time.Weekday
	StartMinute int
	EndMinute   int
	Timezone    string
}

// Validate checks the schedule's structural invariants.
func (s *Schedule) Validate() error {
	if s == nil {
		return nil
	}
	if len(s.Days) == 0 {
		return errors.New("schedule: at least one day required")
	}
	if s.StartMinute < 0 || s.StartMinute > 24*60-1 {
		return fmt.Errorf("schedule: start minute %d out of range", s.StartMinute)
	}
	if s.EndMinute < 0 || s.EndMinute > 24*60-1 {
		return fmt.Errorf("schedule: end minute %d out of range", s.EndMinute)
	}
	if s.EndMinute < s.StartMinute {
		return errors.New("schedule: window end before start")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("schedule: timezone: %w", err)
	}
	return nil
}

// WithinWindow converts now to the schedule's timezone, checks day-of-week
// membership, then checks the time-of-day interval inclusively. An unloadable
// timezone fails closed.
func (s *Schedule) WithinWindow(now time.Time) bool {
	if s == nil {
		return true
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return false
	}
	local := now.In(loc)
	day := local.Weekday()
	member := false
	for _, d := range s.Days {
		if d == day {
			member = true
			break
		}
	}
	if !member {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= s.StartMinute && minute <= s.EndMinute
}
