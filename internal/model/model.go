package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrMalformedEvent marks a calendar record that cannot be scheduled
// (missing start/end/name or an end before its start).
var ErrMalformedEvent = errors.New("malformed event")

// Event is a single calendar occurrence as seen by one poll. Events are
// fetched fresh every poll and never mutated afterwards.
type Event struct {
	SourceID string // calendar source ID (Google calendar ID or ICS source ID)
	UID      string // provider event ID / iCalendar UID, informational only

	// Summary is the raw human label; Name is its sanitized form that is
	// safe as a path segment and as part of a job ID.
	Summary string
	Name    string

	AllDay bool

	// Start / End carry their own location. A zero value means the
	// provider record did not have the field.
	Start time.Time
	End   time.Time
}

// SanitizeName turns an event summary into a single path segment: runs of
// whitespace and path separators become "_", leading/trailing noise is
// trimmed.
func SanitizeName(summary string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(summary) {
		if unicode.IsSpace(r) || r == '/' || r == '\\' {
			pendingSep = true
			continue
		}
		if pendingSep && b.Len() > 0 {
			b.WriteByte('_')
		}
		pendingSep = false
		b.WriteRune(r)
	}
	name := b.String()
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// NewEvent builds an Event, deriving Name from summary.
func NewEvent(summary string, start, end time.Time) Event {
	return Event{
		Summary: summary,
		Name:    SanitizeName(summary),
		Start:   start,
		End:     end,
	}
}

// Validate reports why e cannot be scheduled. The returned error wraps
// ErrMalformedEvent.
func (e Event) Validate() error {
	switch {
	case e.Start.IsZero():
		return fmt.Errorf("%w: missing start (summary %q)", ErrMalformedEvent, e.Summary)
	case e.End.IsZero():
		return fmt.Errorf("%w: missing end (summary %q)", ErrMalformedEvent, e.Summary)
	case e.Name == "":
		return fmt.Errorf("%w: missing name (uid %q)", ErrMalformedEvent, e.UID)
	case e.End.Before(e.Start):
		return fmt.Errorf("%w: end %s before start %s (summary %q)",
			ErrMalformedEvent, e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339), e.Summary)
	}
	return nil
}
