package ics

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"shotcal/internal/calendar"
	appLog "shotcal/internal/log"
	"shotcal/internal/model"
)

// Gateway merges every configured feed into one event list.
type Gateway struct {
	Fetcher  *Fetcher
	Sources  []Source
	Location *time.Location
}

// FetchEvents returns the merged occurrences overlapping [timeMin, timeMax].
// A failing feed is logged and skipped; an error is returned only when no
// feed could be read at all.
func (g *Gateway) FetchEvents(ctx context.Context, timeMin, timeMax time.Time) ([]model.Event, error) {
	loc := g.Location
	if loc == nil {
		loc = time.Local
	}

	var (
		out  []model.Event
		errs *multierror.Error
		read int
	)
	for _, src := range g.Sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		feed, err := g.Fetcher.Fetch(ctx, src)
		if err != nil {
			appLog.Error("ics source unavailable", err, "id", src.ID, "url", RedactURL(src.URL))
			errs = multierror.Append(errs, err)
			continue
		}
		vevents, err := Parse(src, feed.Body, loc)
		if err != nil {
			appLog.Error("ics source unparsable", err, "id", src.ID)
			errs = multierror.Append(errs, err)
			continue
		}
		read++
		events := Expand(vevents, timeMin, timeMax, loc)
		appLog.Debug("ics source expanded", "id", src.ID, "vevents", len(vevents), "events", len(events), "stale", feed.Stale)
		out = append(out, events...)
	}

	if read == 0 && len(g.Sources) > 0 {
		return nil, fmt.Errorf("no ics source readable: %w", errs.ErrorOrNil())
	}
	calendar.SortByStart(out)
	return out, nil
}
