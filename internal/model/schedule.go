package model

import (
	"fmt"
	"strings"
	"time"
)

// Frequency of a job schedule.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Schedule marks the days on which a job is expected to run. Scheduled
// triggers treat a matching day as important and retry until it succeeds.
type Schedule struct {
	Frequency   Frequency `json:"frequency" yaml:"frequency"`
	DayOfWeek   []string  `json:"day_of_week,omitempty" yaml:"day_of_week"`
	WeekOfMonth []int     `json:"week_of_month,omitempty" yaml:"week_of_month"`
	DateOfMonth []int     `json:"date_of_month,omitempty" yaml:"date_of_month"`
}

// Validate checks the schedule is internally consistent.
func (s *Schedule) Validate() error {
	switch s.Frequency {
	case "", FrequencyDaily:
	case FrequencyWeekly:
		if len(s.DayOfWeek) == 0 {
			return fmt.Errorf("weekly schedule requires day_of_week")
		}
	case FrequencyMonthly:
		if len(s.DateOfMonth) == 0 && len(s.DayOfWeek) == 0 {
			return fmt.Errorf("monthly schedule requires date_of_month or day_of_week")
		}
	default:
		return fmt.Errorf("unknown schedule frequency %q", s.Frequency)
	}
	for _, d := range s.DateOfMonth {
		if d < 1 || d > 31 {
			return fmt.Errorf("date of month must be between 1 and 31, got %d", d)
		}
	}
	for _, day := range s.DayOfWeek {
		if _, ok := weekdays[strings.ToLower(day)]; !ok {
			return fmt.Errorf("unknown day of week %q", day)
		}
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Match reports whether t falls on a scheduled day.
func (s *Schedule) Match(t time.Time) bool {
	weekOfMonth := (t.Day()-1)/7 + 1
	dayListed := s.hasDay(t.Weekday())

	switch s.Frequency {
	case "", FrequencyDaily:
		return true
	case FrequencyWeekly:
		if !dayListed {
			return false
		}
		if len(s.WeekOfMonth) > 0 && !containsInt(s.WeekOfMonth, weekOfMonth) {
			return false
		}
		return true
	case FrequencyMonthly:
		return dayListed || containsInt(s.DateOfMonth, t.Day())
	}
	return false
}

func (s *Schedule) hasDay(wd time.Weekday) bool {
	for _, day := range s.DayOfWeek {
		if d, ok := weekdays[strings.ToLower(day)]; ok && d == wd {
			return true
		}
	}
	return false
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
