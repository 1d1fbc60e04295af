package scheduler

import (
	"fmt"
	"time"
)

// Schedule computes when the next cycle is due.
type Schedule interface {
	Next(after time.Time) time.Time
	String() string
}

// Daily fires once a day at Hour:Minute in Location (UTC when nil).
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// Next returns the first Hour:Minute strictly after after.
func (d Daily) Next(after time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.Hour, d.Minute, 0, 0, loc)
	}
	return next
}

func (d Daily) String() string {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("daily at %02d:%02d %s", d.Hour, d.Minute, loc)
}

// Every fires at a fixed interval measured from the end of the previous wait.
type Every struct {
	Interval time.Duration
}

func (e Every) Next(after time.Time) time.Time {
	return after.Add(e.Interval)
}

func (e Every) String() string {
	return "every " + e.Interval.String()
}

// ParseDaily parses an "HH:MM" wall-clock time.
func ParseDaily(at string, loc *time.Location) (Daily, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return Daily{}, fmt.Errorf("invalid daily time %q, want HH:MM: %w", at, err)
	}
	return Daily{Hour: t.Hour(), Minute: t.Minute(), Location: loc}, nil
}
