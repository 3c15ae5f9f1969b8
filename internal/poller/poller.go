// Package poller runs the periodic fetch-and-schedule cycle: it reads
// today's events, reconciles them into jobs and registers those jobs with the
// runner, binding every callback to the values it was created with.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"shotcal/internal/calendar"
	appLog "shotcal/internal/log"
	"shotcal/internal/policy"
	"shotcal/internal/scheduler"
)

// PollJobID is the id of the recurring poll job.
const PollJobID = "fetch_events_and_schedule"

const defaultFetchTimeout = 30 * time.Second

// JobRunner is the subset of scheduler.Runner the poller needs.
type JobRunner interface {
	HasJob(id string) bool
	ScheduleOnce(id string, runAt time.Time, fn func()) error
	ScheduleInterval(id string, period time.Duration, fn func()) error
}

// FolderController switches the capture destination.
type FolderController interface {
	Activate(ctx context.Context, path string) error
	Reset(ctx context.Context) error
}

// HandledStore records activate jobs that fired.
type HandledStore interface {
	MarkHandled(ctx context.Context, jobID, folder string, at time.Time) error
}

// Summary describes one poll.
type Summary struct {
	At        time.Time `json:"at"`
	Events    int       `json:"events"`
	Scheduled []string  `json:"scheduled"`
	Skipped   []string  `json:"skipped"`
	Error     string    `json:"error,omitempty"`
}

// Poller wires a calendar gateway, the scheduling policy and the job runner.
type Poller struct {
	Gateway    calendar.Gateway
	Policy     *policy.Policy
	Runner     JobRunner
	Controller FolderController
	// Store is optional; when set, fired activate jobs are recorded in it.
	Store    HandledStore
	Location *time.Location
	Now      func() time.Time

	FetchTimeout time.Duration

	mu   sync.Mutex
	last Summary
	// serializes polls triggered by the interval job and by the status server
	pollMu sync.Mutex
}

// Poll fetches today's events and registers their jobs. Fetch failures are
// logged and leave the already scheduled jobs untouched.
func (p *Poller) Poll(ctx context.Context) Summary {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	now := p.now()
	sum := Summary{At: now, Scheduled: []string{}, Skipped: []string{}}
	defer p.setLast(&sum)

	from, to := calendar.TodayWindow(now, p.loc())

	timeout := p.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	events, err := p.Gateway.FetchEvents(fetchCtx, from, to)
	cancel()
	if err != nil {
		appLog.Error("calendar fetch failed, keeping existing jobs", err)
		sum.Error = err.Error()
		return sum
	}
	sum.Events = len(events)

	plan := p.Policy.Reconcile(events, p.Runner, now)
	for _, s := range plan.Skipped {
		appLog.Warn("skipping malformed event", "summary", s.Event.Summary, "uid", s.Event.UID, "err", s.Err)
		sum.Skipped = append(sum.Skipped, s.Err.Error())
	}

	// Jobs outlive the request or tick that created them.
	jobCtx := context.WithoutCancel(ctx)
	for _, c := range plan.Creations {
		if err := p.Runner.ScheduleOnce(c.ID, c.RunAt, p.callback(jobCtx, c)); err != nil {
			if errors.Is(err, scheduler.ErrDuplicateJob) {
				continue
			}
			appLog.Error("failed to schedule job", err, "job_id", c.ID)
			continue
		}
		appLog.Info("job scheduled", "job_id", c.ID, "kind", string(c.Kind), "run_at", c.RunAt.Format(time.RFC3339), "folder", c.Folder)
		sum.Scheduled = append(sum.Scheduled, c.ID)
	}

	appLog.Debug("poll completed", "events", sum.Events, "scheduled", len(sum.Scheduled), "skipped", len(sum.Skipped))
	return sum
}

// callback binds c by value; later polls cannot change what it does.
func (p *Poller) callback(ctx context.Context, c policy.JobCreation) func() {
	switch c.Kind {
	case policy.KindReset:
		return func() {
			appLog.Info("event ended, restoring capture location", "job_id", c.ID)
			if err := p.Controller.Reset(ctx); err != nil {
				appLog.Error("capture location reset failed", err, "job_id", c.ID)
			}
		}
	default:
		return func() {
			appLog.Info("event starting, switching capture location", "job_id", c.ID, "folder", c.Folder)
			if err := p.Controller.Activate(ctx, c.Folder); err != nil {
				appLog.Error("capture location switch failed", err, "job_id", c.ID, "folder", c.Folder)
			}
			if p.Store == nil {
				return
			}
			if err := p.Store.MarkHandled(ctx, c.ID, c.Folder, p.now()); err != nil {
				appLog.Error("failed to record handled event", err, "job_id", c.ID)
			}
		}
	}
}

// Start polls once right away and then every period.
func (p *Poller) Start(ctx context.Context, period time.Duration) error {
	p.Poll(ctx)
	return p.Runner.ScheduleInterval(PollJobID, period, func() {
		p.Poll(ctx)
	})
}

// Last returns the summary of the most recent poll.
func (p *Poller) Last() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Poller) setLast(s *Summary) {
	p.mu.Lock()
	p.last = *s
	p.mu.Unlock()
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poller) loc() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.Local
}
