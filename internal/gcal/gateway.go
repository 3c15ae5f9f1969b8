// Package gcal is the Google Calendar gateway: OAuth token handling and the
// events.list call for a single calendar.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	calendarapi "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	appLog "shotcal/internal/log"
	"shotcal/internal/model"
)

// Gateway lists events of one Google calendar.
type Gateway struct {
	srv        *calendarapi.Service
	calendarID string
	loc        *time.Location
}

// New builds a Gateway from a stored token. A missing token or a token that
// can no longer be refreshed yields an error wrapping ErrAuth.
func New(ctx context.Context, conf *oauth2.Config, store TokenStore, calendarID string, loc *time.Location) (*Gateway, error) {
	tok, err := store.Load()
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return nil, fmt.Errorf("%w: no stored token, run `shotcal auth` first", ErrAuth)
		}
		return nil, fmt.Errorf("%w: load token: %w", ErrAuth, err)
	}

	ts := &savingTokenSource{
		base:  conf.TokenSource(ctx, tok),
		store: store,
		last:  tok.AccessToken,
	}
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("%w: refresh token: %w", ErrAuth, err)
	}

	srv, err := calendarapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create calendar client: %w", err)
	}
	return NewWithService(srv, calendarID, loc), nil
}

// NewWithService wraps an already configured calendar service.
func NewWithService(srv *calendarapi.Service, calendarID string, loc *time.Location) *Gateway {
	if calendarID == "" {
		calendarID = "primary"
	}
	if loc == nil {
		loc = time.Local
	}
	return &Gateway{srv: srv, calendarID: calendarID, loc: loc}
}

// FetchEvents lists single (recurrence-expanded) events in [timeMin, timeMax]
// ordered by start time, following pagination.
func (g *Gateway) FetchEvents(ctx context.Context, timeMin, timeMax time.Time) ([]model.Event, error) {
	call := g.srv.Events.List(g.calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		Context(ctx)

	var out []model.Event
	err := call.Pages(ctx, func(page *calendarapi.Events) error {
		for _, item := range page.Items {
			if item == nil || item.Status == "cancelled" {
				continue
			}
			out = append(out, convertEvent(g.calendarID, item, g.loc))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", g.calendarID, err)
	}

	appLog.Debug("google calendar fetch completed", "calendar", g.calendarID, "event_count", len(out))
	return out, nil
}

func convertEvent(calendarID string, item *calendarapi.Event, loc *time.Location) model.Event {
	start, startAllDay := parseEventTime(item.Start, loc)
	end, _ := parseEventTime(item.End, loc)

	ev := model.NewEvent(item.Summary, start, end)
	ev.SourceID = calendarID
	ev.UID = item.Id
	ev.AllDay = startAllDay
	return ev
}

// parseEventTime converts an EventDateTime. All-day values ("date") become
// local midnight in loc. Missing or unparsable values yield the zero time.
func parseEventTime(edt *calendarapi.EventDateTime, loc *time.Location) (time.Time, bool) {
	if edt == nil {
		return time.Time{}, false
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			appLog.Debug("unparsable event dateTime", "value", edt.DateTime)
			return time.Time{}, false
		}
		return t.In(loc), false
	}
	if edt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", edt.Date, loc)
		if err != nil {
			appLog.Debug("unparsable event date", "value", edt.Date)
			return time.Time{}, true
		}
		return t, true
	}
	return time.Time{}, false
}
