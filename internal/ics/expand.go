package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "shotcal/internal/log"
	"shotcal/internal/model"
)

const statusCancelled = "CANCELLED"

// Expand turns parsed VEVENTs into the occurrences overlapping [from, to],
// converted to loc. Recurring series are expanded with their EXDATEs and
// RECURRENCE-ID overrides applied. Records without a DTSTART cannot be placed
// on a day and are dropped; records without an end are kept when they start
// inside the window so the caller can report them.
func Expand(events []VEvent, from, to time.Time, loc *time.Location) []model.Event {
	if loc == nil {
		loc = time.Local
	}

	overrides := make(map[string][]VEvent)
	for _, v := range events {
		if v.IsOverride() {
			overrides[v.UID] = append(overrides[v.UID], v)
		}
	}

	var out []model.Event
	for _, v := range events {
		if v.Status == statusCancelled {
			continue
		}
		if v.Start.IsZero() {
			appLog.Debug("ics event without start dropped", "source", v.SourceID, "uid", v.UID)
			continue
		}
		if v.RRule != "" && !v.IsOverride() {
			out = append(out, expandSeries(v, overrides[v.UID], from, to, loc)...)
			continue
		}
		if overlaps(v.Start, v.End, from, to) {
			out = append(out, toModel(v, v.Start, v.End, loc))
		}
	}
	return out
}

func expandSeries(v VEvent, overrides []VEvent, from, to time.Time, loc *time.Location) []model.Event {
	r, err := rrule.StrToRRule(v.RRule)
	if err != nil {
		appLog.Warn("ics rrule rejected", "source", v.SourceID, "uid", v.UID, "rrule", v.RRule, "err", err)
		return nil
	}
	r.DTStart(v.Start)

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range v.ExDates {
		set.ExDate(ex)
	}

	dur := time.Duration(0)
	if !v.End.IsZero() {
		dur = v.End.Sub(v.Start)
	}

	var out []model.Event
	// Widen the lower bound so an instance that began before from and is
	// still running is found.
	for _, start := range set.Between(from.Add(-dur), to, true) {
		if replaced(start, overrides) {
			continue
		}
		var end time.Time
		switch {
		case v.End.IsZero():
		case v.AllDay:
			end = start.AddDate(0, 0, wholeDays(v.Start, v.End))
		default:
			end = start.Add(dur)
		}
		if overlaps(start, end, from, to) {
			out = append(out, toModel(v, start, end, loc))
		}
	}
	return out
}

func replaced(start time.Time, overrides []VEvent) bool {
	for _, o := range overrides {
		if o.RecurrenceID.Equal(start) {
			return true
		}
	}
	return false
}

func wholeDays(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	days := int(e.Sub(s).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}

// overlaps reports whether [start, end) intersects [from, to]. A zero end
// only needs the start inside the window.
func overlaps(start, end, from, to time.Time) bool {
	if start.After(to) {
		return false
	}
	if end.IsZero() {
		return !start.Before(from)
	}
	return end.After(from)
}

func toModel(v VEvent, start, end time.Time, loc *time.Location) model.Event {
	if !end.IsZero() {
		end = end.In(loc)
	}
	ev := model.NewEvent(v.Summary, start.In(loc), end)
	ev.SourceID = v.SourceID
	ev.UID = v.UID
	ev.AllDay = v.AllDay
	return ev
}
