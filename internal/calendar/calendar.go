// Package calendar defines the contract every calendar source implements.
package calendar

import (
	"context"
	"sort"
	"time"

	"shotcal/internal/model"
)

// Gateway returns the events overlapping [timeMin, timeMax], ordered by
// start. Records missing start/end are returned with zero times rather than
// dropped, so callers can report them.
type Gateway interface {
	FetchEvents(ctx context.Context, timeMin, timeMax time.Time) ([]model.Event, error)
}

// TodayWindow returns [now, last instant of now's day in loc].
func TodayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 999999999, loc)
	return local, end
}

// StartOfDay returns local midnight of the date t falls on in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// SortByStart orders events by start, then end, then name. Events with a
// zero start sort first.
func SortByStart(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		return a.Name < b.Name
	})
}
