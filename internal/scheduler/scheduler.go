// Package scheduler is the in-process job runner: one-shot jobs at fixed
// instants plus interval jobs, all keyed by a unique ID. It is a thin layer
// over robfig/cron that adds ID bookkeeping.
package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "shotcal/internal/log"
)

var (
	// ErrDuplicateJob is returned when an ID was already registered.
	ErrDuplicateJob = errors.New("scheduler: job id already registered")
	// ErrStopped is returned when scheduling on a runner that was shut down.
	ErrStopped = errors.New("scheduler: runner is shut down")
)

type Kind string

const (
	KindOnce     Kind = "once"
	KindInterval Kind = "interval"
)

// JobInfo is a read-only snapshot of a registered job.
type JobInfo struct {
	ID     string        `json:"id"`
	Kind   Kind          `json:"kind"`
	RunAt  time.Time     `json:"run_at,omitempty"`
	Period time.Duration `json:"period,omitempty"`
	Fired  bool          `json:"fired"`
}

type job struct {
	info  JobInfo
	entry cron.EntryID
}

// Runner owns a cron instance and the registry of job IDs. IDs stay
// registered after a one-shot job fires, so an ID is scheduled at most once
// for the lifetime of the Runner.
type Runner struct {
	cron *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	stopped bool
}

// New creates a Runner evaluating schedules in loc (time.Local if nil).
func New(loc *time.Location) *Runner {
	if loc == nil {
		loc = time.Local
	}
	logger := appLog.CronLogger()
	return &Runner{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		jobs: make(map[string]*job),
	}
}

// Start begins firing jobs in a background goroutine. It is a no-op when
// already started or shut down.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	r.cron.Start()
}

// ScheduleOnce registers fn to run once at runAt. A runAt in the past fires
// as soon as the runner gets to it.
func (r *Runner) ScheduleOnce(id string, runAt time.Time, fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(id); err != nil {
		return err
	}

	j := &job{info: JobInfo{ID: id, Kind: KindOnce, RunAt: runAt}}
	r.jobs[id] = j

	wrapped := cron.FuncJob(func() {
		r.markFired(id)
		fn()
	})
	j.entry = r.cron.Schedule(&onceSchedule{at: runAt}, wrapped)

	appLog.Debug("job scheduled", "id", id, "run_at", runAt.Format(time.RFC3339))
	return nil
}

// ScheduleInterval registers fn to run every period. A run that is still
// in progress when the next one is due causes that next run to be skipped.
func (r *Runner) ScheduleInterval(id string, period time.Duration, fn func()) error {
	if period <= 0 {
		return errors.New("scheduler: interval period must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(id); err != nil {
		return err
	}

	j := &job{info: JobInfo{ID: id, Kind: KindInterval, Period: period}}
	r.jobs[id] = j

	wrapped := cron.NewChain(cron.SkipIfStillRunning(appLog.CronLogger())).Then(cron.FuncJob(fn))
	j.entry = r.cron.Schedule(cron.Every(period), wrapped)

	appLog.Debug("interval job scheduled", "id", id, "period", period.String())
	return nil
}

func (r *Runner) checkLocked(id string) error {
	if r.stopped {
		return ErrStopped
	}
	if _, ok := r.jobs[id]; ok {
		return ErrDuplicateJob
	}
	return nil
}

// markFired flags a one-shot job and drops its spent cron entry.
func (r *Runner) markFired(id string) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if ok {
		j.info.Fired = true
	}
	stopped := r.stopped
	r.mu.Unlock()

	if ok && !stopped {
		r.cron.Remove(j.entry)
	}
	appLog.Debug("job fired", "id", id)
}

// HasJob reports whether id was ever registered, fired or not.
func (r *Runner) HasJob(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[id]
	return ok
}

// Jobs returns a snapshot of all registered jobs ordered by run time, with
// interval jobs first.
func (r *Runner) Jobs() []JobInfo {
	r.mu.Lock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if a.Kind != b.Kind {
			return a.Kind == KindInterval
		}
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Shutdown stops all future firings. Jobs already running are not waited
// for. Subsequent Schedule calls fail with ErrStopped.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.started {
		// Stop returns a context that is done once running jobs finish;
		// it is intentionally not awaited.
		_ = r.cron.Stop()
	}
}

// onceSchedule yields its instant on the first Next call and the zero time
// afterwards, which cron treats as "never again". cron calls Next exactly
// once before the first run and once after each run.
type onceSchedule struct {
	mu   sync.Mutex
	at   time.Time
	used bool
}

func (s *onceSchedule) Next(time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return time.Time{}
	}
	s.used = true
	return s.at
}
