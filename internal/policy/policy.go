// Package policy decides which folder-change jobs a freshly fetched list of
// events should produce. It performs no scheduling itself; callers hand the
// resulting Plan to a job runner.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"shotcal/internal/model"
)

// DefaultOffset is the lead time before event start at which the capture
// folder is switched.
const DefaultOffset = 3 * time.Second

// Kind distinguishes the two jobs produced per event.
type Kind string

const (
	KindActivate Kind = "activate"
	KindReset    Kind = "reset"
)

// JobCreation is a single job the runner should register. Every field is a
// value copy taken at reconcile time.
type JobCreation struct {
	ID     string
	Kind   Kind
	RunAt  time.Time
	Folder string
	Event  model.Event
}

// SkippedEvent records a record that was not scheduled because it was
// malformed.
type SkippedEvent struct {
	Event model.Event
	Err   error
}

// Plan is the outcome of one Reconcile pass.
type Plan struct {
	Creations []JobCreation
	Skipped   []SkippedEvent
	// Err aggregates the per-event validation errors of Skipped; nil when
	// every record was well formed.
	Err error
}

// Activations returns only the activate jobs of the plan.
func (p Plan) Activations() []JobCreation {
	var out []JobCreation
	for _, c := range p.Creations {
		if c.Kind == KindActivate {
			out = append(out, c)
		}
	}
	return out
}

// JobSet answers whether a job ID has already been registered.
type JobSet interface {
	HasJob(id string) bool
}

// Marker reports whether an event was already handled by this or an
// earlier process.
type Marker interface {
	Handled(ev model.Event) bool
}

// FolderMarker treats an existing target folder as "handled".
type FolderMarker struct {
	Fs   afero.Fs
	Root string
}

func (m FolderMarker) Handled(ev model.Event) bool {
	fs := m.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	_, err := fs.Stat(TargetFolder(m.Root, ev))
	return err == nil || !os.IsNotExist(err)
}

// Policy holds the static inputs of the scheduling decision.
type Policy struct {
	Root   string
	Offset time.Duration
	Marker Marker

	horizon    time.Duration
	useHorizon bool
}

type Option func(*Policy)

// WithHorizon restricts Reconcile to events whose activate job is due
// within d of now. Events further out are left for a later poll.
func WithHorizon(d time.Duration) Option {
	return func(p *Policy) {
		p.horizon = d
		p.useHorizon = true
	}
}

// New returns a Policy rooted at root. A nil marker never reports an event
// as handled.
func New(root string, offset time.Duration, marker Marker, opts ...Option) *Policy {
	p := &Policy{
		Root:   root,
		Offset: offset,
		Marker: marker,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// JobID derives the activate job ID, e.g. "2022-04-14 15:05-15:20 ZoomCall".
func JobID(ev model.Event) string {
	return fmt.Sprintf("%s %s-%s %s",
		ev.Start.Format("2006-01-02"),
		ev.Start.Format("15:04"),
		ev.End.In(ev.Start.Location()).Format("15:04"),
		ev.Name,
	)
}

// ResetJobID derives the ID of the reset job paired with JobID(ev).
func ResetJobID(ev model.Event) string {
	return JobID(ev) + " reset"
}

// TargetFolder is the capture folder used while ev is running.
func TargetFolder(root string, ev model.Event) string {
	return filepath.Join(root, ev.Name)
}

// DecideRunAt returns when the activate job for ev should fire, or false
// when ev must not be scheduled at this time.
func (p *Policy) DecideRunAt(ev model.Event, now time.Time) (time.Time, bool) {
	if p.Marker != nil && p.Marker.Handled(ev) {
		return time.Time{}, false
	}
	if !now.Before(ev.End) {
		return time.Time{}, false
	}
	if ev.Start.Before(now) && now.Before(ev.End) {
		return now, true
	}
	return ev.Start.Add(-p.Offset), true
}

// Reconcile turns events into job creations. IDs present in existing, or
// already emitted earlier in the same pass, are never emitted again.
// Malformed events are reported in Plan.Skipped and do not stop the pass.
func (p *Policy) Reconcile(events []model.Event, existing JobSet, now time.Time) Plan {
	var (
		plan    Plan
		errs    *multierror.Error
		emitted = make(map[string]struct{})
	)

	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			plan.Skipped = append(plan.Skipped, SkippedEvent{Event: ev, Err: err})
			errs = multierror.Append(errs, err)
			continue
		}

		id := JobID(ev)

		runAt, ok := p.DecideRunAt(ev, now)
		if !ok {
			continue
		}
		if p.useHorizon && runAt.After(now.Add(p.horizon)) {
			continue
		}
		if _, dup := emitted[id]; dup {
			continue
		}
		if existing != nil && existing.HasJob(id) {
			continue
		}
		emitted[id] = struct{}{}

		plan.Creations = append(plan.Creations,
			JobCreation{
				ID:     id,
				Kind:   KindActivate,
				RunAt:  runAt,
				Folder: TargetFolder(p.Root, ev),
				Event:  ev,
			},
			JobCreation{
				ID:     ResetJobID(ev),
				Kind:   KindReset,
				RunAt:  ev.End,
				Folder: p.Root,
				Event:  ev,
			},
		)
	}

	plan.Err = errs.ErrorOrNil()
	return plan
}
