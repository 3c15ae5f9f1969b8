package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// VEvent is the subset of a VEVENT needed to produce today's occurrences.
type VEvent struct {
	SourceID string
	UID      string
	Summary  string
	Status   string

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time

	// RecurrenceID is set on an override of a single recurring instance.
	RecurrenceID time.Time
}

// IsOverride reports whether v replaces one instance of a recurring series.
func (v VEvent) IsOverride() bool { return !v.RecurrenceID.IsZero() }

// Parse decodes an iCalendar payload. Floating and date-only values are read
// in loc. A VEVENT without DTSTART or DTEND is kept with zero times so the
// caller can report it.
func Parse(src Source, body []byte, loc *time.Location) ([]VEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errEmptyBody
	}
	if loc == nil {
		loc = time.Local
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics %s: %w", src.ID, err)
	}

	var out []VEvent
	for _, ve := range cal.Events() {
		out = append(out, convertVEvent(src.ID, ve, loc))
	}
	return out, nil
}

func convertVEvent(sourceID string, ve *ical.VEvent, loc *time.Location) VEvent {
	v := VEvent{SourceID: sourceID}
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		v.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		v.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		v.Status = strings.ToUpper(strings.TrimSpace(p.Value))
	}

	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		v.Start, v.AllDay, _ = parseDateTime(p.Value, tzParam(p), loc)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		v.End, _, _ = parseDateTime(p.Value, tzParam(p), loc)
	} else if v.AllDay && !v.Start.IsZero() {
		// RFC 5545: an all-day event without DTEND lasts one day.
		v.End = v.Start.AddDate(0, 0, 1)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		v.RRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tz := tzParam(p)
		for _, part := range strings.Split(p.Value, ",") {
			if t, _, err := parseDateTime(part, tz, loc); err == nil {
				v.ExDates = append(v.ExDates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		v.RecurrenceID, _, _ = parseDateTime(p.Value, tzParam(p), loc)
	}
	return v
}

func tzParam(p *ical.IANAProperty) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs := p.ICalParameters["TZID"]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseDateTime reads the three RFC 5545 forms: UTC ("...Z"), local with an
// optional TZID, and DATE. Times keep their own zone so recurrences expand
// across DST correctly; unknown TZIDs fall back to loc.
func parseDateTime(value, tzid string, loc *time.Location) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false, errors.New("empty date-time")
	}
	if !strings.Contains(value, "T") {
		t, err := time.ParseInLocation("20060102", value, loc)
		return t, true, err
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		return t, false, err
	}
	in := loc
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			in = l
		}
	}
	t, err := time.ParseInLocation("20060102T150405", value, in)
	return t, false, err
}
