package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"shotcal/internal/model"
)

const root = "/Users/me/Desktop"

type jobSet map[string]bool

func (s jobSet) HasJob(id string) bool { return s[id] }

func at(t *testing.T, clock string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, "2022-04-14T"+clock+"+02:00")
	if err != nil {
		t.Fatalf("parse %s: %v", clock, err)
	}
	return ts
}

func standup(t *testing.T) model.Event {
	return model.NewEvent("Standup", at(t, "09:00:00"), at(t, "09:30:00"))
}

func newFolderPolicy(fs afero.Fs, opts ...Option) *Policy {
	return New(root, DefaultOffset, FolderMarker{Fs: fs, Root: root}, opts...)
}

func TestJobID(t *testing.T) {
	ev := model.NewEvent("Zoom Call", at(t, "15:05:00"), at(t, "15:20:00"))
	if got, want := JobID(ev), "2022-04-14 15:05-15:20 Zoom_Call"; got != want {
		t.Errorf("JobID = %q, want %q", got, want)
	}
	if got, want := ResetJobID(ev), "2022-04-14 15:05-15:20 Zoom_Call reset"; got != want {
		t.Errorf("ResetJobID = %q, want %q", got, want)
	}
}

func TestDecideRunAt(t *testing.T) {
	ev := standup(t)

	tests := []struct {
		name   string
		now    time.Time
		folder bool
		want   time.Time
		ok     bool
	}{
		{"before lead time", at(t, "08:00:00"), false, at(t, "08:59:57"), true},
		{"inside lead time", at(t, "08:59:58"), false, at(t, "08:59:57"), true},
		{"exactly at start", at(t, "09:00:00"), false, at(t, "08:59:57"), true},
		{"in progress", at(t, "09:10:00"), false, at(t, "09:10:00"), true},
		{"at end", at(t, "09:30:00"), false, time.Time{}, false},
		{"after end", at(t, "10:00:00"), false, time.Time{}, false},
		{"folder exists before start", at(t, "08:00:00"), true, time.Time{}, false},
		{"folder exists in progress", at(t, "09:10:00"), true, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.folder {
				if err := fs.MkdirAll(TargetFolder(root, ev), 0o755); err != nil {
					t.Fatal(err)
				}
			}
			got, ok := newFolderPolicy(fs).DecideRunAt(ev, tt.now)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !got.Equal(tt.want) {
				t.Errorf("run at = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReconcileEmitsActivateAndReset(t *testing.T) {
	ev := standup(t)
	plan := newFolderPolicy(afero.NewMemMapFs()).Reconcile([]model.Event{ev}, jobSet{}, at(t, "08:00:00"))

	if plan.Err != nil {
		t.Fatalf("unexpected error: %v", plan.Err)
	}
	if len(plan.Creations) != 2 {
		t.Fatalf("expected 2 creations, got %d", len(plan.Creations))
	}

	act, reset := plan.Creations[0], plan.Creations[1]
	if act.Kind != KindActivate || act.ID != JobID(ev) || !act.RunAt.Equal(at(t, "08:59:57")) {
		t.Errorf("unexpected activate job: %+v", act)
	}
	if act.Folder != root+"/Standup" {
		t.Errorf("activate folder = %q", act.Folder)
	}
	if reset.Kind != KindReset || reset.ID != ResetJobID(ev) || !reset.RunAt.Equal(ev.End) {
		t.Errorf("unexpected reset job: %+v", reset)
	}
	if reset.Folder != root {
		t.Errorf("reset folder = %q, want %q", reset.Folder, root)
	}
}

func TestReconcileDuplicateEvents(t *testing.T) {
	events := []model.Event{standup(t), standup(t)}
	plan := newFolderPolicy(afero.NewMemMapFs()).Reconcile(events, jobSet{}, at(t, "08:00:00"))

	var activates, resets int
	for _, c := range plan.Creations {
		switch c.Kind {
		case KindActivate:
			activates++
		case KindReset:
			resets++
		}
	}
	if activates != 1 || resets != 1 {
		t.Errorf("activates=%d resets=%d, want 1/1", activates, resets)
	}
}

func TestReconcileIdempotentAcrossPolls(t *testing.T) {
	p := newFolderPolicy(afero.NewMemMapFs())
	registered := jobSet{}
	events := []model.Event{
		standup(t),
		model.NewEvent("Design review", at(t, "11:00:00"), at(t, "12:00:00")),
	}

	seen := map[string]int{}
	for _, now := range []time.Time{at(t, "08:00:00"), at(t, "08:00:15"), at(t, "08:00:30")} {
		plan := p.Reconcile(events, registered, now)
		for _, c := range plan.Creations {
			seen[c.ID]++
			registered[c.ID] = true
		}
	}

	if len(seen) != 4 {
		t.Errorf("expected 4 distinct job IDs, got %d: %v", len(seen), seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %q emitted %d times", id, n)
		}
	}
}

func TestReconcileSkipsMalformed(t *testing.T) {
	broken := model.NewEvent("Broken", at(t, "10:00:00"), time.Time{})
	events := []model.Event{broken, standup(t)}

	plan := newFolderPolicy(afero.NewMemMapFs()).Reconcile(events, jobSet{}, at(t, "08:00:00"))

	if len(plan.Skipped) != 1 || plan.Skipped[0].Event.Name != "Broken" {
		t.Fatalf("expected Broken to be skipped, got %+v", plan.Skipped)
	}
	if !errors.Is(plan.Err, model.ErrMalformedEvent) {
		t.Errorf("plan error %v does not wrap ErrMalformedEvent", plan.Err)
	}
	if got := plan.Activations(); len(got) != 1 || got[0].Event.Name != "Standup" {
		t.Errorf("expected one Standup activation, got %+v", got)
	}
	if len(plan.Creations) != 2 {
		t.Errorf("expected 2 creations for the valid event, got %d", len(plan.Creations))
	}
}

func TestReconcileOffsetBoundary(t *testing.T) {
	p := newFolderPolicy(afero.NewMemMapFs(), WithHorizon(0))
	ev := standup(t)
	due := ev.Start.Add(-DefaultOffset)

	plan := p.Reconcile([]model.Event{ev}, jobSet{}, due.Add(-time.Second))
	if len(plan.Creations) != 0 {
		t.Fatalf("expected no job one second before the lead time, got %+v", plan.Creations)
	}

	plan = p.Reconcile([]model.Event{ev}, jobSet{}, due)
	acts := plan.Activations()
	if len(acts) != 1 {
		t.Fatalf("expected the job at the lead time, got %+v", plan.Creations)
	}
	if !acts[0].RunAt.Equal(due) {
		t.Errorf("run at = %s, want %s", acts[0].RunAt, due)
	}
}

func TestReconcileSkipsRegisteredJob(t *testing.T) {
	ev := standup(t)
	plan := newFolderPolicy(afero.NewMemMapFs()).Reconcile([]model.Event{ev}, jobSet{JobID(ev): true}, at(t, "08:00:00"))
	if len(plan.Creations) != 0 {
		t.Errorf("expected nothing for a registered job, got %+v", plan.Creations)
	}
}

func TestNilMarker(t *testing.T) {
	p := New(root, DefaultOffset, nil)
	if _, ok := p.DecideRunAt(standup(t), at(t, "08:00:00")); !ok {
		t.Error("nil marker should never report an event as handled")
	}
}
